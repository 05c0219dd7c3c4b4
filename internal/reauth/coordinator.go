// Package reauth drives authorization recovery: it watches a detached
// authorization surface (a popup, or a pending OAuth state record) and
// reports a single completion signal when the surface closes or reaches a
// success location. Detection is best-effort; callers must re-check actual
// grant state rather than trusting "closed" as success.
package reauth

import (
	"context"
	"sync"
	"time"

	charmLog "github.com/charmbracelet/log"
)

const defaultPollInterval = 500 * time.Millisecond

// Surface is the detached view of an in-flight authorization flow.
type Surface interface {
	// Closed reports whether the surface has been torn down, completed or
	// not.
	Closed() bool
	// SuccessLocation opportunistically reports the surface's location when
	// it is observable and indicates success. The second return is false
	// when the location cannot be read.
	SuccessLocation() (string, bool)
}

// Outcome is the single completion event of a launched flow. Success is
// true only when a success location was actually observed.
type Outcome struct {
	Success  bool
	Location string
}

// Handle tracks one launched surface. Its completion callback fires at most
// once, whether the flow succeeds, the surface closes, or the handle is
// superseded by a later Launch.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.Mutex
	finished bool
	fired    bool
	outcome  Outcome
	callback func(Outcome)
}

// OnCompletion registers the completion callback. If the flow already
// finished the callback runs immediately; either way it runs exactly once.
func (h *Handle) OnCompletion(fn func(Outcome)) {
	h.mu.Lock()
	h.callback = fn
	run := h.finished && !h.fired
	if run {
		h.fired = true
	}
	outcome := h.outcome
	h.mu.Unlock()

	if run && fn != nil {
		fn(outcome)
	}
}

// Cancel stops the poll without firing the callback. Used on teardown and
// when a newer Launch replaces this handle.
func (h *Handle) Cancel() {
	h.cancel()
	<-h.done
}

func (h *Handle) complete(outcome Outcome) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.outcome = outcome
	fn := h.callback
	run := fn != nil && !h.fired
	if run {
		h.fired = true
	}
	h.mu.Unlock()

	if run {
		fn(outcome)
	}
}

// Coordinator launches authorization surfaces and polls them to completion.
// At most one poll runs per surface; launching a surface that is already
// being polled replaces the prior poll.
type Coordinator struct {
	interval time.Duration
	logger   *charmLog.Logger

	mu     sync.Mutex
	active map[Surface]*Handle
	closed bool
}

func NewCoordinator(interval time.Duration, logger *charmLog.Logger) *Coordinator {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = charmLog.Default()
	}
	return &Coordinator{
		interval: interval,
		logger:   logger,
		active:   make(map[Surface]*Handle),
	}
}

// Launch starts polling the surface and returns its handle. A prior poll
// for the same surface is cancelled without firing its callback.
func (c *Coordinator) Launch(surface Surface) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		close(handle.done)
		return handle
	}
	prior := c.active[surface]
	c.active[surface] = handle
	c.mu.Unlock()

	if prior != nil {
		c.logger.Warn("replacing active reauthorization poll")
		prior.Cancel()
	}

	go c.poll(ctx, surface, handle)
	return handle
}

// Shutdown cancels every active poll. No callbacks fire after it returns.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	c.closed = true
	handles := make([]*Handle, 0, len(c.active))
	for _, handle := range c.active {
		handles = append(handles, handle)
	}
	c.active = make(map[Surface]*Handle)
	c.mu.Unlock()

	for _, handle := range handles {
		handle.Cancel()
	}
}

func (c *Coordinator) poll(ctx context.Context, surface Surface, handle *Handle) {
	ticker := time.NewTicker(c.interval)
	defer func() {
		ticker.Stop()
		close(handle.done)
		c.mu.Lock()
		if c.active[surface] == handle {
			delete(c.active, surface)
		}
		c.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if location, ok := surface.SuccessLocation(); ok {
				handle.complete(Outcome{Success: true, Location: location})
				return
			}
			if surface.Closed() {
				handle.complete(Outcome{})
				return
			}
		}
	}
}
