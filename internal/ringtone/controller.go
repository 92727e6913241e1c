// Package ringtone guarantees that at most one ringtone is audible
// process-wide, across any interleaving of Play and Stop — including a Stop
// issued while a previous Play's asynchronous start is still in flight.
//
// Playback start is inherently async (opening the output device can take
// long or fail), so each Play captures a generation number; when the start
// completes it re-checks the generation and silences itself if a Stop or a
// newer Play superseded it in the meantime. The controller also keeps a
// registry of every instance started and not yet released — not just the
// last-tracked handle — so an orphan left behind by a failed cleanup is
// still caught by the next Play or Stop.
package ringtone

import (
	"context"
	"log"
	"sync"
)

// Player is one playback instance. Start blocks until the audio is actually
// rolling (or fails); Stop must be idempotent and must mute, halt, rewind
// and release the underlying resource.
type Player interface {
	Start(ctx context.Context) error
	Stop()
}

// PlayerFactory creates a fresh playback instance per Play call.
type PlayerFactory func() Player

// State of the controller.
type State int

const (
	StateIdle State = iota
	StateStarting
	StatePlaying
)

// Controller is the process-wide ringtone coordinator. Construct one at
// application start and inject it; there is deliberately no package-level
// instance to reach into.
type Controller struct {
	newPlayer PlayerFactory

	mu       sync.Mutex
	gen      int // supersession token — bumped by every Play and Stop
	state    State
	current  Player
	registry map[Player]struct{}
}

// NewController creates a Controller that builds players with factory.
func NewController(factory PlayerFactory) *Controller {
	return &Controller{
		newPlayer: factory,
		registry:  make(map[Player]struct{}),
	}
}

// Play starts the ringtone. Any prior instance — playing or still starting —
// is force-stopped first, so no two instances are ever concurrently audible.
func (c *Controller) Play(ctx context.Context) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	stale := c.drainLocked()
	p := c.newPlayer()
	c.registry[p] = struct{}{}
	c.current = p
	c.state = StateStarting
	c.mu.Unlock()

	// Stop the old instances before the new start can become audible.
	for _, old := range stale {
		old.Stop()
	}

	go func() {
		if err := p.Start(ctx); err != nil {
			log.Printf("RINGTONE: start failed: %v", err)
			c.release(p, gen)
			return
		}

		c.mu.Lock()
		if c.gen != gen {
			// A Stop (or newer Play) arrived while our start was pending.
			// The instance just became audible — silence it immediately.
			delete(c.registry, p)
			c.mu.Unlock()
			p.Stop()
			return
		}
		c.state = StatePlaying
		c.mu.Unlock()
	}()
}

// Stop silences the ringtone. Idempotent: a Stop with nothing playing is a
// no-op. Also supersedes any Play whose start is still in flight.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	stale := c.drainLocked()
	c.mu.Unlock()

	for _, p := range stale {
		p.Stop()
	}
}

// StopAll is the exported teardown hook for application shutdown. It exists
// so hosts never need an ambient global to guarantee the ringtone dies.
func (c *Controller) StopAll() {
	c.Stop()
}

// State reports the controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// drainLocked empties the instance registry and resets to idle, returning
// the instances the caller must stop outside the lock.
func (c *Controller) drainLocked() []Player {
	stale := make([]Player, 0, len(c.registry))
	for p := range c.registry {
		stale = append(stale, p)
	}
	c.registry = make(map[Player]struct{})
	c.current = nil
	c.state = StateIdle
	return stale
}

// release drops a failed instance if it still belongs to generation gen.
func (c *Controller) release(p Player, gen int) {
	c.mu.Lock()
	delete(c.registry, p)
	if c.gen == gen {
		c.current = nil
		c.state = StateIdle
	}
	c.mu.Unlock()
}
