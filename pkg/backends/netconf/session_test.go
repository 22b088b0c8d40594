package netconf

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Juniper/go-netconf/netconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

const ifNS = "urn:ietf:params:xml:ns:yang:ietf-interfaces"

// fakeRPC answers RPCs from a scripted handler and records every request body.
type fakeRPC struct {
	mu      sync.Mutex
	caps    []string
	bodies  []string
	handler func(op, body string) (*netconf.RPCReply, error)

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeRPC() *fakeRPC {
	return &fakeRPC{
		caps:   []string{"urn:ietf:params:netconf:base:1.1", capCandidate + "?foo=bar"},
		closed: make(chan struct{}),
	}
}

func (f *fakeRPC) Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error) {
	body := methods[0].MarshalMethod()

	f.mu.Lock()
	f.bodies = append(f.bodies, body)
	h := f.handler
	f.mu.Unlock()

	if h == nil {
		return &netconf.RPCReply{Ok: true}, nil
	}
	return h(opName(body), body)
}

func (f *fakeRPC) Capabilities() []string { return f.caps }

func (f *fakeRPC) ID() int { return 42 }

func (f *fakeRPC) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeRPC) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.bodies))
	for _, b := range f.bodies {
		out = append(out, opName(b))
	}
	return out
}

func (f *fakeRPC) body(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

// opName returns the name of the first element in body.
func opName(body string) string {
	name := strings.TrimPrefix(body, "<")
	if i := strings.IndexAny(name, " />"); i >= 0 {
		name = name[:i]
	}
	return name
}

func rpcError(tag, message string) (*netconf.RPCReply, error) {
	e := netconf.RPCError{Type: "protocol", Tag: tag, Severity: "error", Message: message}
	return &netconf.RPCReply{Errors: []netconf.RPCError{e}}, &e
}

func testDevice() engine.Device {
	return engine.Device{
		ID:      "r1",
		Address: "10.0.0.1",
		Capabilities: engine.Capabilities{
			Protocols:         []engine.Protocol{engine.ProtocolNETCONF},
			LockingSupported:  true,
			StagingSupported:  true,
			ValidateSupported: true,
		},
	}
}

func newTestBackend(t *testing.T, fakes ...*fakeRPC) (*Backend, *int) {
	t.Helper()
	b := New(Config{Username: "admin", Password: "secret"})
	dials := 0
	b.dial = func(_ context.Context, target string, cfg *ssh.ClientConfig) (rpcSession, error) {
		assert.Equal(t, "10.0.0.1:830", target)
		assert.Equal(t, "admin", cfg.User)
		require.Less(t, dials, len(fakes), "unexpected dial")
		f := fakes[dials]
		dials++
		return f, nil
	}
	return b, &dials
}

func openSession(t *testing.T, fakes ...*fakeRPC) (engine.Session, *int) {
	t.Helper()
	b, dials := newTestBackend(t, fakes...)
	sess, err := b.Open(context.Background(), testDevice())
	require.NoError(t, err)
	return sess, dials
}

func TestBackend_Describe(t *testing.T) {
	b := New(Config{Username: "admin"})
	assert.True(t, b.Stateful())
	assert.Equal(t, engine.ProtocolNETCONF, b.Protocol())

	d := b.Describe(testDevice().Capabilities)
	assert.Equal(t, engine.Descriptor{Locking: true, Staging: true, Validate: true, Datastore: DatastoreCandidate}, d)

	d = b.Describe(engine.Capabilities{LockingSupported: true})
	assert.Equal(t, engine.Descriptor{Locking: true, Datastore: DatastoreRunning}, d)

	running := New(Config{Username: "admin", Datastore: DatastoreRunning})
	d = running.Describe(testDevice().Capabilities)
	assert.False(t, d.Staging)
	assert.False(t, d.Validate)
	assert.Equal(t, DatastoreRunning, d.Datastore)
}

func TestBackend_OpenRequiresCandidateCapability(t *testing.T) {
	f := newFakeRPC()
	f.caps = []string{"urn:ietf:params:netconf:base:1.1"}
	b, _ := newTestBackend(t, f)

	_, err := b.Open(context.Background(), testDevice())
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeUnsupported, engine.CodeOf(err))

	select {
	case <-f.closed:
	default:
		t.Fatal("session must be closed after a failed open")
	}
}

func TestBackend_OpenDialFailure(t *testing.T) {
	b := New(Config{Username: "admin", Password: "secret"})
	b.dial = func(context.Context, string, *ssh.ClientConfig) (rpcSession, error) {
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")
	}

	_, err := b.Open(context.Background(), testDevice())
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
	assert.Equal(t, engine.ErrCodeAuthFailed, engine.CodeOf(err))

	b.dial = func(context.Context, string, *ssh.ClientConfig) (rpcSession, error) {
		return nil, errors.New("dial tcp 10.0.0.1:830: connect: connection refused")
	}
	_, err = b.Open(context.Background(), testDevice())
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestSession_Read(t *testing.T) {
	f := newFakeRPC()
	f.handler = func(op, _ string) (*netconf.RPCReply, error) {
		require.Equal(t, "get-config", op)
		return &netconf.RPCReply{Data: `<data><interfaces xmlns="` + ifNS + `">` +
			`<interface><name>Gi1</name><description>uplink</description><mtu>1500</mtu><enabled>true</enabled></interface>` +
			`</interfaces></data>`}, nil
	}
	sess, _ := openSession(t, f)

	got, err := sess.Read(context.Background(), "/ietf-interfaces:interfaces/interface[name=Gi1]/description")
	require.NoError(t, err)
	assert.True(t, got.Exists)
	assert.Equal(t, "uplink", got.Data)
	assert.Equal(t,
		`<get-config><source><running/></source><filter type="subtree">`+
			`<interfaces xmlns="`+ifNS+`"><interface><name>Gi1</name><description/></interface></interfaces>`+
			`</filter></get-config>`,
		f.body(0))

	got, err = sess.Read(context.Background(), "/ietf-interfaces:interfaces/interface[name=Gi1]")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Gi1", "description": "uplink", "mtu": float64(1500), "enabled": true}, got.Data)
}

func TestSession_ReadAbsent(t *testing.T) {
	f := newFakeRPC()
	f.handler = func(string, string) (*netconf.RPCReply, error) {
		return &netconf.RPCReply{Data: "<data/>"}, nil
	}
	sess, _ := openSession(t, f)

	got, err := sess.Read(context.Background(), "/ietf-system:system/hostname")
	require.NoError(t, err)
	assert.False(t, got.Exists)
}

func TestSession_CandidateLifecycle(t *testing.T) {
	f := newFakeRPC()
	sess, _ := openSession(t, f)
	ctx := context.Background()

	token, err := sess.Lock(ctx, DatastoreCandidate)
	require.NoError(t, err)
	assert.Equal(t, engine.LockToken{Datastore: DatastoreCandidate, ID: "42"}, token)

	require.NoError(t, sess.Stage(ctx, token, []engine.FieldEdit{
		{Path: "/ietf-interfaces:interfaces/interface[name=Gi1]/description", Operation: engine.EditReplace, Value: "core"},
	}))
	require.NoError(t, sess.Validate(ctx, token))
	require.NoError(t, sess.Commit(ctx, token))
	require.NoError(t, sess.Unlock(ctx, token))
	require.NoError(t, sess.Close())

	assert.Equal(t, []string{"lock", "edit-config", "validate", "commit", "unlock"}, f.ops())
	assert.Equal(t, "<lock><target><candidate/></target></lock>", f.body(0))
	assert.Equal(t,
		`<edit-config><target><candidate/></target><default-operation>merge</default-operation><config>`+
			`<interfaces xmlns="`+ifNS+`" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">`+
			`<interface><name>Gi1</name><description nc:operation="replace">core</description></interface>`+
			`</interfaces></config></edit-config>`,
		f.body(1))
	assert.Equal(t, "<validate><source><candidate/></source></validate>", f.body(2))
}

func TestSession_UnlockDiscardsUncommittedCandidate(t *testing.T) {
	f := newFakeRPC()
	sess, _ := openSession(t, f)
	ctx := context.Background()

	token, err := sess.Lock(ctx, DatastoreCandidate)
	require.NoError(t, err)
	require.NoError(t, sess.Stage(ctx, token, []engine.FieldEdit{
		{Path: "/ietf-system:system/hostname", Operation: engine.EditMerge, Value: "edge-1"},
	}))
	require.NoError(t, sess.Unlock(ctx, token))

	assert.Equal(t, []string{"lock", "edit-config", "discard-changes", "unlock"}, f.ops())
}

func TestSession_LockDeniedIsTransientContention(t *testing.T) {
	f := newFakeRPC()
	f.handler = func(string, string) (*netconf.RPCReply, error) {
		return rpcError("lock-denied", "lock held by session 7")
	}
	sess, _ := openSession(t, f)

	_, err := sess.Lock(context.Background(), DatastoreCandidate)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.True(t, engine.IsLockContention(err))
}

func TestSession_ValidateFailure(t *testing.T) {
	f := newFakeRPC()
	f.handler = func(op, _ string) (*netconf.RPCReply, error) {
		if op == "validate" {
			return rpcError("invalid-value", "mtu out of range")
		}
		return &netconf.RPCReply{Ok: true}, nil
	}
	sess, _ := openSession(t, f)

	err := sess.Validate(context.Background(), engine.LockToken{Datastore: DatastoreCandidate})
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
	assert.Equal(t, engine.ErrCodeValidationFailed, engine.CodeOf(err))
}

func TestSession_CommitConnectionLostIsIndeterminate(t *testing.T) {
	f := newFakeRPC()
	f.handler = func(op, _ string) (*netconf.RPCReply, error) {
		if op == "commit" {
			return nil, io.EOF
		}
		return &netconf.RPCReply{Ok: true}, nil
	}
	sess, _ := openSession(t, f)
	ctx := context.Background()

	token, err := sess.Lock(ctx, DatastoreCandidate)
	require.NoError(t, err)

	err = sess.Commit(ctx, token)
	require.Error(t, err)
	assert.True(t, engine.IsIndeterminate(err))

	// The lock went with the session; unlock is a no-op.
	require.NoError(t, sess.Unlock(ctx, token))
	assert.Equal(t, []string{"lock", "commit"}, f.ops())
}

func TestSession_TimeoutBreaksSessionAndReconnects(t *testing.T) {
	first := newFakeRPC()
	first.handler = func(string, string) (*netconf.RPCReply, error) {
		<-first.closed
		return nil, io.EOF
	}
	second := newFakeRPC()
	second.handler = func(string, string) (*netconf.RPCReply, error) {
		return &netconf.RPCReply{Data: "<data><system xmlns=\"urn:ietf:params:xml:ns:yang:ietf-system\"><hostname>r1</hostname></system></data>"}, nil
	}
	sess, dials := openSession(t, first, second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sess.Read(ctx, "/ietf-system:system/hostname")
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
	assert.Equal(t, engine.ErrCodeTimeout, engine.CodeOf(err))

	got, err := sess.Read(context.Background(), "/ietf-system:system/hostname")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Data)
	assert.Equal(t, 2, *dials)
}

func TestSession_LostWhileLockedIsFatal(t *testing.T) {
	f := newFakeRPC()
	f.handler = func(op, _ string) (*netconf.RPCReply, error) {
		if op == "edit-config" {
			return nil, io.ErrUnexpectedEOF
		}
		return &netconf.RPCReply{Ok: true}, nil
	}
	sess, dials := openSession(t, f)
	ctx := context.Background()

	token, err := sess.Lock(ctx, DatastoreCandidate)
	require.NoError(t, err)

	edits := []engine.FieldEdit{{Path: "/ietf-system:system/hostname", Operation: engine.EditReplace, Value: "x"}}
	err = sess.Stage(ctx, token, edits)
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))

	err = sess.Stage(ctx, token, edits)
	require.Error(t, err)
	assert.Equal(t, engine.ErrCodeUnreachable, engine.CodeOf(err))
	assert.Equal(t, 1, *dials, "a locked session must not be replaced")
}

func TestSession_StageResumesAfterTransientFailure(t *testing.T) {
	f := newFakeRPC()
	failures := 1
	f.handler = func(op, body string) (*netconf.RPCReply, error) {
		if op == "edit-config" && strings.Contains(body, "<mtu") && failures > 0 {
			failures--
			return rpcError("resource-denied", "busy")
		}
		return &netconf.RPCReply{Ok: true}, nil
	}
	sess, _ := openSession(t, f)
	ctx := context.Background()
	token := engine.LockToken{Datastore: DatastoreCandidate}

	edits := []engine.FieldEdit{
		{Path: "/ietf-interfaces:interfaces/interface[name=Lo5]", Operation: engine.EditCreate, Value: map[string]any{"type": "softwareLoopback"}},
		{Path: "/ietf-interfaces:interfaces/interface[name=Lo5]/mtu", Operation: engine.EditReplace, Value: 9000},
	}

	err := sess.Stage(ctx, token, edits)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	require.NoError(t, sess.Stage(ctx, token, edits))
	assert.Equal(t, []string{"edit-config", "edit-config", "edit-config"}, f.ops())
	assert.Contains(t, f.body(0), `nc:operation="create"`)
	assert.Contains(t, f.body(2), "<mtu")
}

func TestSession_ReplaceDirectTargetsRunning(t *testing.T) {
	f := newFakeRPC()
	sess, _ := openSession(t, f)

	require.NoError(t, sess.ReplaceDirect(context.Background(), []engine.FieldEdit{
		{Path: "/ietf-interfaces:interfaces/interface[name=Lo9]", Operation: engine.EditDelete},
	}))
	assert.Equal(t,
		`<edit-config><target><running/></target><default-operation>none</default-operation><config>`+
			`<interfaces xmlns="`+ifNS+`" xmlns:nc="urn:ietf:params:xml:ns:netconf:base:1.0">`+
			`<interface nc:operation="remove"><name>Lo9</name></interface>`+
			`</interfaces></config></edit-config>`,
		f.body(0))
}
