// Package sample defines the fixed set of PCM sample representations and the
// conversions between them. All conversions are total: they wrap or saturate
// according to fixed rules and never return an error.
package sample
