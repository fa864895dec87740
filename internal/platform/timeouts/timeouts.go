// Package timeouts defines shared timeout constants used across the SDK.
// Centralizing these values prevents drift between the remote store
// adapters and makes the durations discoverable.
package timeouts

import "time"

// RemoteDial caps the wait time when dialing the remote store.
const RemoteDial = 5 * time.Second

// RemoteCall caps the time allowed for a single remote write or update.
const RemoteCall = 10 * time.Second

// Shutdown limits how long the demo client waits for in-flight listener
// callbacks during graceful shutdown.
const Shutdown = 5 * time.Second
