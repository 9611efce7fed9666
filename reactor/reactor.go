// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral construction, options and registration bookkeeping shared
// by every backend.

package reactor

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/momentics/hioload-h2/api"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = fmt.Errorf("reactor: %w", api.ErrClosed)
	// ErrAlreadyRegistered reports an interest direction that is already active for a descriptor.
	ErrAlreadyRegistered = fmt.Errorf("reactor: interest already registered: %w", api.ErrAlreadyExists)
	// ErrNotRegistered reports an operation on a descriptor the reactor does not know.
	ErrNotRegistered = fmt.Errorf("reactor: descriptor not registered: %w", api.ErrNotFound)
	// ErrEmptyInterest rejects registrations without any direction.
	ErrEmptyInterest = fmt.Errorf("reactor: empty interest: %w", api.ErrInvalidArgument)
)

// DefaultEventBatch is the size of the internal kernel event buffer.
const DefaultEventBatch = 256

// Option configures a reactor.
type Option func(*options)

type options struct {
	maxRegistrations int
	eventBatch       int
	logger           *zap.Logger
}

// WithMaxRegistrations caps the number of registered descriptors. Zero means
// unlimited. Exceeding the cap yields a retryable api.Error.
func WithMaxRegistrations(n int) Option {
	return func(o *options) { o.maxRegistrations = n }
}

// WithEventBatch sets how many kernel events one Wait may collect.
func WithEventBatch(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.eventBatch = n
		}
	}
}

// WithLogger sets the logger used for backend diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New constructs the reactor for the current platform.
func New(opts ...Option) (api.Reactor, error) {
	o := options{eventBatch: DefaultEventBatch, logger: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}
	o.logger = o.logger.Named("reactor")
	return newPoller(o)
}

type registration struct {
	token    api.Token
	interest api.Interest
}

// registry maps descriptors to their token and active interest. It is read on
// every event and written only on (de)registration.
type registry struct {
	mu      sync.RWMutex
	entries map[uintptr]registration
	max     int
}

func newRegistry(max int) *registry {
	return &registry{entries: make(map[uintptr]registration), max: max}
}

// add merges interest into fd's registration and returns the previous state
// so the caller can roll back if the kernel rejects the change.
func (r *registry) add(fd uintptr, token api.Token, interest api.Interest) (prev registration, existed bool, err error) {
	if interest == 0 {
		return registration{}, false, ErrEmptyInterest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, existed = r.entries[fd]
	if existed {
		if prev.interest&interest != 0 || prev.token != token {
			return prev, true, ErrAlreadyRegistered
		}
		r.entries[fd] = registration{token: token, interest: prev.interest | interest}
		return prev, true, nil
	}
	if r.max > 0 && len(r.entries) >= r.max {
		return prev, false, api.Exhausted("reactor registrations", r.max)
	}
	r.entries[fd] = registration{token: token, interest: interest}
	return prev, false, nil
}

func (r *registry) replace(fd uintptr, token api.Token, interest api.Interest) (prev registration, err error) {
	if interest == 0 {
		return registration{}, ErrEmptyInterest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[fd]
	if !ok {
		return prev, ErrNotRegistered
	}
	r.entries[fd] = registration{token: token, interest: interest}
	return prev, nil
}

// restore undoes add/replace.
func (r *registry) restore(fd uintptr, prev registration, existed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existed {
		r.entries[fd] = prev
	} else {
		delete(r.entries, fd)
	}
}

func (r *registry) remove(fd uintptr) (registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.entries[fd]
	if ok {
		delete(r.entries, fd)
	}
	return reg, ok
}

func (r *registry) lookup(fd uintptr) (registration, bool) {
	r.mu.RLock()
	reg, ok := r.entries[fd]
	r.mu.RUnlock()
	return reg, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
