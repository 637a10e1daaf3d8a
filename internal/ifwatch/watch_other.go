//go:build !linux

package ifwatch

import "context"

// Run blocks until ctx is done; link events are only available on linux.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Warn("interface watching not supported on this platform")
	<-ctx.Done()
	return nil
}
