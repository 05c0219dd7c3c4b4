package server

import (
	"net/http"
	"sync"
	"time"
)

const eventWaitTimeout = 25 * time.Second

// handleEvents long-polls for the next notification. Clients re-request
// after each response; an empty wait returns 204.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, cancel := a.notifier.subscribe()
	defer cancel()

	timer := time.NewTimer(eventWaitTimeout)
	defer timer.Stop()

	select {
	case event := <-events:
		writeJSON(w, http.StatusOK, map[string]string{"event": event})
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusNoContent)
	}
}

// notifier is the explicit subscription channel for inter-component
// notifications such as "permissions_updated". Subscribers with full
// buffers miss events rather than blocking the publisher.
type notifier struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[chan string]struct{})}
}

// subscribe returns an event channel and its cancel func.
func (n *notifier) subscribe() (<-chan string, func()) {
	ch := make(chan string, 4)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *notifier) publish(event string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
