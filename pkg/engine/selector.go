package engine

import (
	"fmt"
	"sort"
)

// Requirement is the capability an operation needs from a backend.
type Requirement string

const (
	// RequireRead is a pure read.
	RequireRead Requirement = "read"

	// RequireAtomicWrite is a single-field idempotent replace.
	RequireAtomicWrite Requirement = "atomic-write"

	// RequireStagedWrite needs validate-before-commit.
	RequireStagedWrite Requirement = "staged-write"

	// RequireLocking needs an exclusive datastore lock.
	RequireLocking Requirement = "locking"
)

// Transactional reports whether the requirement asks for transactional guarantees.
func (r Requirement) Transactional() bool {
	return r == RequireStagedWrite || r == RequireLocking
}

// RequirementFor derives the selection requirement for a device's edit sequence.
func RequirementFor(edits []FieldEdit) Requirement {
	switch {
	case len(edits) == 0:
		return RequireRead
	case len(edits) == 1 && edits[0].Operation == EditReplace:
		return RequireAtomicWrite
	default:
		return RequireStagedWrite
	}
}

// Selector chooses one backend per device and operation. It performs no I/O.
type Selector struct {
	backends map[Protocol]Backend
}

// NewSelector creates a selector over the given backends.
func NewSelector(backends ...Backend) *Selector {
	s := &Selector{backends: make(map[Protocol]Backend, len(backends))}
	for _, b := range backends {
		s.backends[b.Protocol()] = b
	}
	return s
}

// Backend returns the registered backend for a protocol.
func (s *Selector) Backend(p Protocol) (Backend, bool) {
	b, ok := s.backends[p]
	return b, ok
}

// Select returns exactly one backend for the device and requirement, or a
// NoCompatibleBackend error. Preference order: a stateful backend for
// transactional requirements, a stateless backend for reads and single
// replaces, then whichever single backend remains.
func (s *Selector) Select(device Device, req Requirement) (Backend, error) {
	candidates := s.available(device)
	if len(candidates) == 0 {
		return nil, NewFatalError(
			fmt.Sprintf("no registered backend for protocols %v", device.Capabilities.Protocols),
			nil,
		).WithCode(ErrCodeNoCompatibleBackend).WithDevice(device.ID).
			WithDetail("requirement", string(req))
	}
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	if req.Transactional() {
		if b := firstWith(candidates, true); b != nil {
			return b, nil
		}
	}
	if req == RequireRead || req == RequireAtomicWrite {
		if b := firstWith(candidates, false); b != nil {
			return b, nil
		}
	}

	// Several backends and no preference matched: multi-edit writes want the
	// stateful backend, anything else the first stateless one.
	if b := firstWith(candidates, req != RequireRead); b != nil {
		return b, nil
	}
	return candidates[0], nil
}

// available lists registered backends for the device's protocols, sorted by protocol name.
func (s *Selector) available(device Device) []Backend {
	out := make([]Backend, 0, len(device.Capabilities.Protocols))
	seen := make(map[Protocol]bool)
	for _, p := range device.Capabilities.Protocols {
		if seen[p] {
			continue
		}
		seen[p] = true
		if b, ok := s.backends[p]; ok {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol() < out[j].Protocol() })
	return out
}

func firstWith(backends []Backend, stateful bool) Backend {
	for _, b := range backends {
		if b.Stateful() == stateful {
			return b
		}
	}
	return nil
}
