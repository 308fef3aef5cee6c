package replicate

import (
	"sync"
)

// batches deferred teardown actions, e.g. subscription disconnects,
// so that a destroy runs them all exactly once.
// cleanups run in reverse add order. adding after close runs immediately.
type CleanupList struct {
	stateLock sync.Mutex
	cleanups  []func()
	closed    bool
}

func NewCleanupList() *CleanupList {
	return &CleanupList{
		cleanups: []func(){},
	}
}

func (self *CleanupList) Add(cleanup func()) {
	closed := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return true
		}
		self.cleanups = append(self.cleanups, cleanup)
		return false
	}()

	if closed {
		handleCallbackPanic(cleanup)
	}
}

// idempotent
func (self *CleanupList) Close() {
	var cleanups []func()
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if self.closed {
			return
		}
		self.closed = true
		cleanups = self.cleanups
		self.cleanups = nil
	}()

	for i := len(cleanups) - 1; 0 <= i; i -= 1 {
		handleCallbackPanic(cleanups[i])
	}
}
