package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// shutdownSignals stop the daemon. A foreground daemon also stops when its
// terminal hangs up.
var shutdownSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP}

// signalContext returns a context that is cancelled when one of
// shutdownSignals is received. The returned stop function must be called to
// release resources.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, shutdownSignals...)
}
