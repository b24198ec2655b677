//go:build !windows

package rulesconfig

import (
	"os"
	"os/signal"
	"syscall"
)

// InstallSignalHandler forces a reload on SIGHUP and runs until ctx-free
// (the caller owns the returned stop function). This is the registry's
// only OS-specific file, since SIGHUP has no direct Windows analog.
func (r *Registry) InstallSignalHandler() (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ch:
				if _, err := r.ReloadIfStale(true); err != nil {
					r.log.WithFields(nil, map[string]interface{}{"error": err.Error()}).Warn("forced reload on SIGHUP failed")
				}
			case <-done:
				signal.Stop(ch)
				return
			}
		}
	}()
	return func() { close(done) }
}
