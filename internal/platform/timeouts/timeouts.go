// Package timeouts defines shared timeout constants used across services.
// Centralizing these values prevents drift between service boundaries and
// makes the durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// SocketWrite caps one outbound WebSocket frame write before the
// connection is presumed dead.
const SocketWrite = 10 * time.Second

// StoreRetry is the pause between bounded persistence retry attempts.
const StoreRetry = 100 * time.Millisecond
