// Package prediction provides the HTTP client for the external prediction
// service. A request carries a window of interleaved samples and the channel
// count, encoded as JSON or as a multipart WAV upload; the response carries
// the predicted text.
package prediction
