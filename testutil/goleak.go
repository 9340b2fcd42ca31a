package testutil

import (
	"go.uber.org/goleak"
)

// GoleakOptions are the options every TestMain in this repo passes to
// goleak. Idle HTTP keepalive connections outlive the tests that made
// them, so their goroutines are not leaks.
var GoleakOptions = []goleak.Option{
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}
