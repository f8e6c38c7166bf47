// Package level measures the signal level of audio windows in dBFS and flags
// windows that carry signal above a configurable threshold.
package level
