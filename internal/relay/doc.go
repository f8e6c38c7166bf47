// Package relay orchestrates capture sessions.
//
// A Manager activates the configured capture source, reads the format it
// negotiated and dispatches to a session instantiated for that sample
// representation. The session assembles its sinks (WAV recording, optional
// representation conversion and archive upload, prediction forwarding),
// runs the capture loop until it stops, and publishes session state and
// prediction results to the HTTP API and the live feed.
package relay
