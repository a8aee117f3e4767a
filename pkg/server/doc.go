// Package server implements the websocket relay. It assigns an identity to
// every connection, routes frames between peers, reassembles chunked
// transfers, and exposes health and Prometheus metrics endpoints.
package server
