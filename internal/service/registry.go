package service

import (
	"fmt"
	"sort"
	"strconv"
)

type entry struct {
	def Definition
	rt  Runtime
}

// Registry holds definitions and runtime records keyed by id. It is not
// safe for concurrent use: the engine's control loop owns it and everything
// else sees Snapshots.
type Registry struct {
	entries map[ID]*entry
	names   map[string]ID
	nextID  ID
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ID]*entry),
		names:   make(map[string]ID),
		nextID:  1,
	}
}

// Add validates def and registers it in state Created. A zero def.ID is
// replaced by the next free id; an explicit id is kept and later automatic
// ids are allocated above it. Adding under the id and name already
// registered replaces the definition and keeps the runtime record.
func (r *Registry) Add(def Definition) (ID, error) {
	if err := def.Validate(); err != nil {
		return 0, err
	}
	if id, ok := r.names[def.Name]; ok {
		if def.ID != id {
			return 0, fmt.Errorf("%w: %q is registered with id %d", ErrDuplicateName, def.Name, id)
		}
		r.entries[id].def = def.Clone()
		return id, nil
	}
	if def.ID == 0 {
		for r.entries[r.nextID] != nil {
			r.nextID++
		}
		def.ID = r.nextID
	} else if _, ok := r.entries[def.ID]; ok {
		return 0, fmt.Errorf("%w: id %d already in use", ErrInvalidCommand, def.ID)
	}
	if def.ID >= r.nextID {
		r.nextID = def.ID + 1
	}
	r.entries[def.ID] = &entry{def: def.Clone(), rt: Runtime{State: Created}}
	r.names[def.Name] = def.ID
	return def.ID, nil
}

// Resolve maps a numeric id or a name to an id.
func (r *Registry) Resolve(ref string) (ID, error) {
	if id, ok := r.names[ref]; ok {
		return id, nil
	}
	if n, err := strconv.ParseUint(ref, 10, 64); err == nil {
		if _, ok := r.entries[ID(n)]; ok {
			return ID(n), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrNotFound, ref)
}

func (r *Registry) Get(id ID) (Snapshot, error) {
	e, ok := r.entries[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return Snapshot{Definition: e.def.Clone(), Runtime: e.rt.clone()}, nil
}

// Lookup is Get by id or name.
func (r *Registry) Lookup(ref string) (Snapshot, error) {
	id, err := r.Resolve(ref)
	if err != nil {
		return Snapshot{}, err
	}
	return r.Get(id)
}

// List returns snapshots ordered by id.
func (r *Registry) List() []Snapshot {
	out := make([]Snapshot, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, Snapshot{Definition: e.def.Clone(), Runtime: e.rt.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every registered id in ascending order.
func (r *Registry) IDs() []ID {
	ids := make([]ID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) Len() int { return len(r.entries) }

// Remove deletes a resting service.
func (r *Registry) Remove(id ID) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if e.rt.State == Running {
		return fmt.Errorf("%w: %s is running", ErrInvalidState, e.def.Name)
	}
	delete(r.entries, id)
	delete(r.names, e.def.Name)
	return nil
}

// Apply moves id to state to, running mutate on the record first. It
// refuses edges missing from the transition table, clears the pid whenever
// the target is not Running and requires one when it is. It returns the
// previous state.
func (r *Registry) Apply(id ID, to State, mutate func(*Runtime)) (State, error) {
	e, ok := r.entries[id]
	if !ok {
		return 0, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	from := e.rt.State
	if !CanTransition(from, to) {
		return from, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, e.def.Name, from, to)
	}
	next := e.rt.clone()
	if mutate != nil {
		mutate(&next)
	}
	if to == Running && next.PID <= 0 {
		return from, fmt.Errorf("%w: %s entering running without pid", ErrInvalidTransition, e.def.Name)
	}
	if to != Running {
		next.PID = 0
	}
	next.State = to
	e.rt = next
	return from, nil
}

// Update changes runtime fields without a state change. The state and pid
// are kept as they were.
func (r *Registry) Update(id ID, mutate func(*Runtime)) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	state, pid := e.rt.State, e.rt.PID
	mutate(&e.rt)
	e.rt.State, e.rt.PID = state, pid
	return nil
}

// SetActive flips the active flag of a definition.
func (r *Registry) SetActive(id ID, active bool) error {
	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	e.def.Active = active
	return nil
}
