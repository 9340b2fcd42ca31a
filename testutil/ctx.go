package testutil

import (
	"context"
	"testing"
	"time"
)

// Wait durations bound how long a test waits for asynchronous work.
const (
	WaitShort  = 10 * time.Second
	WaitMedium = 15 * time.Second
	WaitLong   = 25 * time.Second
)

// Context returns a context canceled when the test finishes or the
// duration elapses, whichever comes first.
func Context(t *testing.T, dur time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), dur)
	t.Cleanup(cancel)
	return ctx
}
