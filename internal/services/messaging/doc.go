// Package messaging implements real-time conversation transport for alumni channels.
//
// It keeps WebSocket lifecycle, presence tracking, and channel fan-out isolated
// from profile and feed logic so those services remain the source of truth for
// member state.
package messaging
