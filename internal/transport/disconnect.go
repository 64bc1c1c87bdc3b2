package transport

import (
	"sync"
	"time"
)

// disconnectWatch reports a lost transport when a disconnected peer does not
// reconnect within grace. ICE escalates disconnected to failed on its own,
// but only after its consent checks run out.
type disconnectWatch struct {
	grace  time.Duration
	onLost func()

	mu    sync.Mutex
	timer *time.Timer
}

func newDisconnectWatch(grace time.Duration, onLost func()) *disconnectWatch {
	return &disconnectWatch{grace: grace, onLost: onLost}
}

// disconnected arms the grace timer unless it is already running.
// A non-positive grace disables the watch.
func (w *disconnectWatch) disconnected() {
	if w.grace <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(w.grace, func() {
		w.mu.Lock()
		fire := w.timer == t
		if fire {
			w.timer = nil
		}
		w.mu.Unlock()
		if fire {
			w.onLost()
		}
	})
	w.timer = t
}

// settle cancels a pending timer; the peer reconnected, failed or closed.
func (w *disconnectWatch) settle() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}
