// Package link implements the connection manager: it drives a single peripheral
// through scan, connect, service discovery and subscription, feeds decoded
// notifications into a telemetry sink and recovers dropped links with a bounded
// backoff.
//
// State machine:
//
//	Disconnected -> Scanning -> Connecting -> Discovering -> Subscribed
//	Subscribed -> Reconnecting -> Discovering -> Subscribed
//	Connecting | Discovering | Reconnecting -> Failed
//	any -> Disconnected (Disconnect)
//
// Subscribed is only ever entered from Discovering.
package link
