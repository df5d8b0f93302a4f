package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Subscriber is notified after every committed transition.
type Subscriber func(id string, action Action, prev, next State)

// Container owns the State of every session. Dispatches for the same
// session are serialized; different sessions proceed in parallel.
type Container struct {
	store SessionStore
	ttl   time.Duration
	now   func() time.Time

	locks [64]sync.Mutex

	subMu sync.RWMutex
	subs  []Subscriber
}

// NewContainer creates a container persisting through store. Sessions
// expire ttl after their last transition.
func NewContainer(store SessionStore, ttl time.Duration) *Container {
	return &Container{store: store, ttl: ttl, now: time.Now}
}

// Subscribe registers fn for every future transition.
func (c *Container) Subscribe(fn Subscriber) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs = append(c.subs, fn)
}

// lock takes the stripe for id. Two sessions may share a stripe.
func (c *Container) lock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	mu := &c.locks[h.Sum32()%uint32(len(c.locks))]
	mu.Lock()
	return mu
}

// Get returns the current state. Unknown sessions return ErrSessionNotFound.
func (c *Container) Get(ctx context.Context, id string) (State, error) {
	if id == "" {
		return State{}, ErrSessionNotFound
	}
	return c.store.Load(ctx, id)
}

// Dispatch applies action to the session's state and persists the result.
// A LoggedOut action deletes the record. Only login actions may create a
// record; anything else on an unknown session returns ErrSessionNotFound.
func (c *Container) Dispatch(ctx context.Context, id string, action Action) (State, error) {
	if id == "" {
		return State{}, ErrSessionNotFound
	}

	mu := c.lock(id)
	prev, err := c.store.Load(ctx, id)
	if err != nil {
		if !stderrors.Is(err, ErrSessionNotFound) {
			mu.Unlock()
			return State{}, fmt.Errorf("load session: %w", err)
		}
		if !allowedWithoutSession(action) {
			mu.Unlock()
			return State{}, ErrSessionNotFound
		}
	}

	next := Reduce(prev, action)

	if _, ok := action.(LoggedOut); ok {
		err = c.store.Delete(ctx, id)
	} else {
		err = c.store.Save(ctx, id, next, c.now().Add(c.ttl))
	}
	mu.Unlock()
	if err != nil {
		return prev, fmt.Errorf("persist session: %w", err)
	}

	c.subMu.RLock()
	subs := c.subs
	c.subMu.RUnlock()
	for _, fn := range subs {
		fn(id, action, prev, next)
	}
	return next, nil
}

func allowedWithoutSession(a Action) bool {
	switch a.(type) {
	case LoginStarted, LoginSucceeded, LoginFailed, LoggedOut:
		return true
	}
	return false
}
