// Package timeouts defines shared timeout constants used across rewind
// binaries.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the debugger.
const GRPCDial = 2 * time.Second

// GRPCRequest caps the time allowed for a single operator RPC.
const GRPCRequest = 10 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Quiesce limits how long a revert waits for the runtime to finish the
// message it is delivering.
const Quiesce = 30 * time.Second
