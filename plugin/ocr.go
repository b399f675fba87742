package plugin

import (
	"context"
	"log/slog"
	"sync"

	"github.com/brunobiangulo/goextract/errcode"
)

// OcrRegistry holds OCR backends keyed by name.
type OcrRegistry struct {
	set *set[OcrBackend]

	mu    sync.Mutex
	state map[string]*backendState
}

// backendState tracks lazy initialization of one registered backend.
type backendState struct {
	backend OcrBackend

	mu          sync.Mutex
	initialized bool
	leases      int
}

// NewOcrRegistry returns an empty registry.
func NewOcrRegistry(logger *slog.Logger) *OcrRegistry {
	return &OcrRegistry{
		set:   newSet[OcrBackend]("ocr", logger),
		state: map[string]*backendState{},
	}
}

func (r *OcrRegistry) stateOf(name string) *backendState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state[name]
}

// Register adds b without initializing it. A previous backend of the same
// name is shut down if it was initialized.
func (r *OcrRegistry) Register(ctx context.Context, b OcrBackend) error {
	if b == nil {
		return errcode.New(errcode.ErrInvalidConfig, "nil ocr backend")
	}
	name := b.Name()
	if err := checkName(name); err != nil {
		return err
	}
	r.mu.Lock()
	prev := r.state[name]
	r.state[name] = &backendState{backend: b}
	r.set.put(b)
	r.mu.Unlock()
	if prev != nil {
		r.release(ctx, prev)
	}
	return nil
}

func (r *OcrRegistry) release(ctx context.Context, st *backendState) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.initialized {
		return nil
	}
	st.initialized = false
	return r.set.shutdown(ctx, st.backend)
}

func (r *OcrRegistry) forget(name string) *backendState {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state[name]
	delete(r.state, name)
	r.set.remove(name)
	return st
}

// Unregister removes the named backend, shutting it down if it was
// initialized. Removing an absent name is not an error.
func (r *OcrRegistry) Unregister(ctx context.Context, name string) error {
	if st := r.forget(name); st != nil {
		return r.release(ctx, st)
	}
	return nil
}

// Clear removes every backend.
func (r *OcrRegistry) Clear(ctx context.Context) error {
	r.mu.Lock()
	states := r.state
	r.state = map[string]*backendState{}
	entries := r.set.removeAll()
	r.mu.Unlock()
	for _, e := range entries {
		if st := states[e.plugin.Name()]; st != nil {
			r.release(ctx, st)
		}
	}
	return nil
}

// List returns the registered names in registration order.
func (r *OcrRegistry) List() []string { return r.set.names() }

// Get returns the backend registered under name without initializing it.
func (r *OcrRegistry) Get(name string) (OcrBackend, bool) {
	e, ok := r.set.get(name)
	if !ok {
		return nil, false
	}
	return e.plugin, true
}

// Acquire returns a lease on the named backend, initializing it on first
// use.
func (r *OcrRegistry) Acquire(ctx context.Context, name string) (*OcrLease, error) {
	st := r.stateOf(name)
	if st == nil {
		return nil, errcode.New(errcode.ErrMissingDependency, "ocr backend %q is not registered", name)
	}
	b := st.backend
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.initialized {
		st.leases++
		return &OcrLease{Backend: b, reg: r, state: st}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Call(name, func() error { return b.Initialize(ctx) }); err != nil {
		return nil, err
	}
	st.initialized = true
	st.leases++
	r.set.logger.Info("ocr: backend initialized", "name", name)
	return &OcrLease{Backend: b, reg: r, state: st, initializedHere: true}, nil
}

// Initialized reports whether the named backend is currently initialized.
func (r *OcrRegistry) Initialized(name string) bool {
	st := r.stateOf(name)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.initialized
}

// OcrLease is the right to use a backend for one extraction. Every lease
// must end with Release or Abort.
type OcrLease struct {
	Backend OcrBackend

	reg             *OcrRegistry
	state           *backendState
	initializedHere bool
	done            bool
}

// InitializedHere reports whether acquiring this lease initialized the
// backend.
func (l *OcrLease) InitializedHere() bool { return l.initializedHere }

// Release ends the lease and keeps the backend initialized for later use.
func (l *OcrLease) Release() {
	if l == nil || l.done {
		return
	}
	l.done = true
	l.state.mu.Lock()
	l.state.leases--
	l.state.mu.Unlock()
}

// Abort ends the lease after a cancelled extraction. When this lease
// initialized the backend and no other lease holds it, the backend is shut
// down again.
func (l *OcrLease) Abort(ctx context.Context) error {
	if l == nil || l.done {
		return nil
	}
	l.done = true
	l.state.mu.Lock()
	defer l.state.mu.Unlock()
	l.state.leases--
	if !l.initializedHere || !l.state.initialized || l.state.leases > 0 {
		return nil
	}
	l.state.initialized = false
	l.reg.set.logger.Info("ocr: backend released after cancellation", "name", l.Backend.Name())
	return l.reg.set.shutdown(ctx, l.Backend)
}
