package plugin

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
)

// entry is one registered plugin with its registration position.
type entry[T Plugin] struct {
	plugin   T
	seq      uint64
	priority int
	stage    Stage
	version  string
}

// set is the name-keyed store shared by the four registries. Mutations are
// serialized by mu; reads share it.
type set[T Plugin] struct {
	kind   string
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry[T]
	seq     uint64
}

func newSet[T Plugin](kind string, logger *slog.Logger) *set[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &set[T]{kind: kind, logger: logger, entries: map[string]*entry[T]{}}
}

// put inserts p and returns the entry it replaced, if any. The replacement
// takes a fresh registration position.
func (s *set[T]) put(p T) (prev *entry[T]) {
	e := &entry[T]{
		plugin:   p,
		priority: priorityOf(p),
		stage:    stageOf(p),
		version:  versionOf(p),
	}
	s.mu.Lock()
	s.seq++
	e.seq = s.seq
	prev = s.entries[p.Name()]
	s.entries[p.Name()] = e
	s.mu.Unlock()

	if prev != nil {
		s.logger.Warn("plugin: replacing registered plugin", "kind", s.kind, "name", p.Name())
	} else {
		s.logger.Debug("plugin: registered", "kind", s.kind, "name", p.Name())
	}
	return prev
}

func (s *set[T]) remove(name string) *entry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return nil
	}
	delete(s.entries, name)
	return e
}

func (s *set[T]) removeAll() []*entry[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.entries = map[string]*entry[T]{}
	slices.SortFunc(out, func(a, b *entry[T]) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

func (s *set[T]) get(name string) (*entry[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok
}

// snapshot returns the entries ordered by order, falling back to
// registration order.
func (s *set[T]) snapshot(order func(a, b *entry[T]) int) []*entry[T] {
	s.mu.RLock()
	out := make([]*entry[T], 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b *entry[T]) int {
		if order != nil {
			if c := order(a, b); c != 0 {
				return c
			}
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

func (s *set[T]) names() []string {
	entries := s.snapshot(nil)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.plugin.Name()
	}
	return out
}

// shutdown calls Shutdown on p when it implements Shutdowner. Failures are
// logged; removal has already happened.
func (s *set[T]) shutdown(ctx context.Context, p T) error {
	sd, ok := any(p).(Shutdowner)
	if !ok {
		return nil
	}
	err := Call(p.Name(), func() error { return sd.Shutdown(ctx) })
	if err != nil {
		s.logger.Warn("plugin: shutdown failed", "kind", s.kind, "name", p.Name(), "error", err)
	}
	return err
}
