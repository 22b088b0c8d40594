package engine

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeBackend is an in-memory backend with a running and a candidate datastore
// per device, scripted failures, and call accounting.
type fakeBackend struct {
	protocol Protocol
	stateful bool
	desc     Descriptor

	mu      sync.Mutex
	devices map[string]*fakeDevice

	// active and maxActive track concurrently open sessions.
	active    int
	maxActive int
	delay     time.Duration
}

type fakeDevice struct {
	running   map[string]any
	candidate map[string]any
	lockHeld  bool

	locks   int
	unlocks int
	calls   []string

	// failures are consumed one per call of the named operation.
	failures map[string][]error
	// always fails every call of the named operation.
	always map[string]error
	// ignoreWrites makes commits and direct writes silently do nothing.
	ignoreWrites bool
}

func newStatefulBackend() *fakeBackend {
	return &fakeBackend{
		protocol: ProtocolNETCONF,
		stateful: true,
		desc:     Descriptor{Locking: true, Staging: true, Validate: true, Datastore: "candidate"},
		devices:  make(map[string]*fakeDevice),
	}
}

func newStatelessBackend() *fakeBackend {
	return &fakeBackend{
		protocol: ProtocolRESTCONF,
		stateful: false,
		desc:     Descriptor{Datastore: "running"},
		devices:  make(map[string]*fakeDevice),
	}
}

func (b *fakeBackend) Protocol() Protocol { return b.protocol }
func (b *fakeBackend) Stateful() bool     { return b.stateful }

func (b *fakeBackend) Describe(caps Capabilities) Descriptor {
	d := b.desc
	if b.stateful {
		d.Locking = d.Locking && caps.LockingSupported
		d.Staging = d.Staging && caps.StagingSupported
		d.Validate = d.Validate && caps.ValidateSupported
		if !d.Staging {
			d.Datastore = "running"
		}
	}
	return d
}

// device returns the fake device, creating it with initial running config.
func (b *fakeBackend) device(id string, running map[string]any) *fakeDevice {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	if !ok {
		d = &fakeDevice{
			running:  make(map[string]any),
			failures: make(map[string][]error),
			always:   make(map[string]error),
		}
		b.devices[id] = d
	}
	for k, v := range running {
		d.running[k] = v
	}
	return d
}

func (b *fakeBackend) failNext(id, op string, errs ...error) {
	d := b.device(id, nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	d.failures[op] = append(d.failures[op], errs...)
}

func (b *fakeBackend) failAlways(id, op string, err error) {
	d := b.device(id, nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	d.always[op] = err
}

func (b *fakeBackend) snapshot(id string) (running map[string]any, locks, unlocks int, calls []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.devices[id]
	if !ok {
		return nil, 0, 0, nil
	}
	running = make(map[string]any, len(d.running))
	for k, v := range d.running {
		running[k] = v
	}
	return running, d.locks, d.unlocks, append([]string(nil), d.calls...)
}

func (b *fakeBackend) countCalls(id, op string) int {
	_, _, _, calls := b.snapshot(id)
	n := 0
	for _, c := range calls {
		if c == op {
			n++
		}
	}
	return n
}

func (b *fakeBackend) Open(ctx context.Context, device Device) (Session, error) {
	d := b.device(device.ID, nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.scripted(d, "open"); err != nil {
		return nil, err
	}
	d.candidate = clone(d.running)
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	return &fakeSession{backend: b, dev: d}, nil
}

// scripted records the call and returns the injected failure, if any. Callers hold b.mu.
func (b *fakeBackend) scripted(d *fakeDevice, op string) error {
	d.calls = append(d.calls, op)
	if err, ok := d.always[op]; ok {
		return err
	}
	if q := d.failures[op]; len(q) > 0 {
		d.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

type fakeSession struct {
	backend *fakeBackend
	dev     *fakeDevice
	closed  bool
}

func (s *fakeSession) Read(ctx context.Context, path string) (PathValue, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.scripted(s.dev, "read"); err != nil {
		return PathValue{}, err
	}
	v, ok := s.dev.running[path]
	return PathValue{Path: path, Data: v, Exists: ok}, nil
}

func (s *fakeSession) Lock(ctx context.Context, datastore string) (LockToken, error) {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.scripted(s.dev, "lock"); err != nil {
		return LockToken{}, err
	}
	if s.dev.lockHeld {
		return LockToken{}, NewTransientError("lock denied", nil).WithCode(ErrCodeLockContention)
	}
	s.dev.lockHeld = true
	s.dev.locks++
	return LockToken{Datastore: datastore, ID: fmt.Sprintf("lock-%d", s.dev.locks)}, nil
}

func (s *fakeSession) Unlock(ctx context.Context, token LockToken) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.dev.unlocks++
	if err := s.backend.scripted(s.dev, "unlock"); err != nil {
		return err
	}
	s.dev.lockHeld = false
	return nil
}

func (s *fakeSession) Stage(ctx context.Context, token LockToken, edits []FieldEdit) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.scripted(s.dev, "stage"); err != nil {
		return err
	}
	return applyEdits(s.dev.candidate, edits)
}

func (s *fakeSession) Validate(ctx context.Context, token LockToken) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return s.backend.scripted(s.dev, "validate")
}

func (s *fakeSession) Commit(ctx context.Context, token LockToken) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.scripted(s.dev, "commit"); err != nil {
		return err
	}
	if !s.dev.ignoreWrites {
		s.dev.running = clone(s.dev.candidate)
	}
	return nil
}

func (s *fakeSession) ReplaceDirect(ctx context.Context, edits []FieldEdit) error {
	if s.backend.delay > 0 {
		time.Sleep(s.backend.delay)
	}
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if err := s.backend.scripted(s.dev, "replace_direct"); err != nil {
		return err
	}
	if s.dev.ignoreWrites {
		return nil
	}
	return applyEdits(s.dev.running, edits)
}

func (s *fakeSession) Close() error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.backend.active--
	}
	return nil
}

func applyEdits(store map[string]any, edits []FieldEdit) error {
	for _, e := range edits {
		switch e.Operation {
		case EditReplace:
			store[e.Path] = e.Value
		case EditCreate:
			if _, ok := store[e.Path]; ok {
				return NewFatalError("data exists", nil).WithCode(ErrCodeDataExists)
			}
			store[e.Path] = e.Value
		case EditMerge:
			cur, _ := store[e.Path].(map[string]any)
			merged := make(map[string]any)
			for k, v := range cur {
				merged[k] = v
			}
			for k, v := range e.Value.(map[string]any) {
				merged[k] = v
			}
			store[e.Path] = merged
		case EditDelete:
			delete(store, e.Path)
		}
	}
	return nil
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// staticCatalog serves a fixed set of devices.
type staticCatalog map[string]Device

func (c staticCatalog) Lookup(id string) (Device, error) {
	d, ok := c[id]
	if !ok {
		return Device{}, fmt.Errorf("unknown device %q", id)
	}
	return d, nil
}

func netconfDevice(id string) Device {
	return Device{
		ID:      id,
		Address: id + ".lab",
		Capabilities: Capabilities{
			Protocols:         []Protocol{ProtocolNETCONF},
			LockingSupported:  true,
			StagingSupported:  true,
			ValidateSupported: true,
		},
	}
}

func restconfDevice(id string) Device {
	return Device{
		ID:           id,
		Address:      id + ".lab",
		Capabilities: Capabilities{Protocols: []Protocol{ProtocolRESTCONF}},
	}
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ctx context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) count(t EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
		MaxElapsed:      5 * time.Second,
	}
}

func testCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Retry:             fastRetry(3),
		LockWait:          50 * time.Millisecond,
		StepTimeout:       time.Second,
		VerifyAfterCommit: true,
	}
}
