package ingest

import "sync"

// wakeSignal broadcasts "work may be available" to idle workers.
//
// Waiters take the current channel from C(); Notify closes it and installs a
// fresh one, so every waiter wakes and later waiters block again.
type wakeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{ch: make(chan struct{})}
}

// C returns a channel closed by the next Notify.
func (w *wakeSignal) C() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ch
}

// Notify wakes all current waiters. Safe from any goroutine.
func (w *wakeSignal) Notify() {
	w.mu.Lock()
	defer w.mu.Unlock()
	close(w.ch)
	w.ch = make(chan struct{})
}
