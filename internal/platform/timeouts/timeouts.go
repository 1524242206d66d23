// Package timeouts defines shared timeout constants used across the
// orchestrator. Centralizing these values prevents drift between components
// and makes the durations discoverable.
package timeouts

import "time"

// StatusCheck caps a single integration status request.
const StatusCheck = 10 * time.Second

// ConnectStart caps the request that obtains a provider authorization URL.
const ConnectStart = 15 * time.Second

// CallbackGrace is the wall-clock delay between a successful OAuth callback
// and the confirming status check. There is no backend signal for "processing
// complete", so this is an empirical delay, not a synchronization guarantee.
const CallbackGrace = time.Second

// NotifyDebounce is the window within which identical notifications are
// suppressed as duplicates.
const NotifyDebounce = 500 * time.Millisecond

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second
