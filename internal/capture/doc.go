// Package capture drives audio from a capture source into a ring buffer and
// on to a sink. It defines the narrow source contract that device and network
// adapters implement, and the polling loop that drains a source on a schedule
// derived from its hardware buffer period.
package capture
