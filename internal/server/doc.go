// Package server implements the HTTP API for the capture relay: health, session
// and statistics endpoints, Prometheus metrics and a websocket live feed.
package server
