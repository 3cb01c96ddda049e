// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package dm

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Registry of target types available to tables. Its lifetime is owned by the
// caller which registers types at startup and unregisters them at shutdown.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*TargetType
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]*TargetType)}
}

func (r *Registry) Register(t *TargetType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[t.Name]; ok {
		return errors.Wrap(ErrTargetExists, t.Name)
	}
	r.types[t.Name] = t

	return nil
}

func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[name]; !ok {
		return errors.Wrap(ErrUnknownTarget, name)
	}
	delete(r.types, name)

	return nil
}

func (r *Registry) Get(name string) (*TargetType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return nil, errors.Wrap(ErrUnknownTarget, name)
	}

	return t, nil
}

// Returns all registered types sorted by name.
func (r *Registry) List() []*TargetType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]*TargetType, 0, len(r.types))
	for _, t := range r.types {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i].Name < types[j].Name })

	return types
}
