package netconf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/Juniper/go-netconf/netconf"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// callKind decides how a lost exchange is classified.
type callKind int

const (
	// callSafe may be retried: a read, or a step that changes nothing visible.
	callSafe callKind = iota
	// callLive may already have changed running configuration.
	callLive
)

type session struct {
	backend *Backend
	device  engine.Device
	target  string
	sshCfg  *ssh.ClientConfig
	desc    engine.Descriptor
	logger  zerolog.Logger

	rpc    rpcSession
	broken bool
	locked bool
	// dirty means the candidate holds staged edits not yet committed.
	dirty bool

	// progress counts the edits of a batch already applied, keyed by
	// datastore and batch, so a retried batch resumes instead of repeating a create.
	progress map[string]int
}

var _ engine.Session = (*session)(nil)

func (s *session) connect(ctx context.Context) error {
	rpc, err := s.backend.dial(ctx, s.target, s.sshCfg)
	if err != nil {
		return classifyDial(err).WithDevice(s.device.ID)
	}
	s.rpc = rpc
	s.broken = false
	s.logger.Debug().Int("session_id", rpc.ID()).Msg("NETCONF session established")
	return nil
}

// ensure reconnects a broken session. A session that held a lock cannot be
// replaced: the server released the lock and discarded the candidate with it.
func (s *session) ensure(ctx context.Context) error {
	if !s.broken {
		return nil
	}
	if s.locked {
		return engine.NewFatalError("session lost while holding the datastore lock", nil).
			WithCode(engine.ErrCodeUnreachable).WithDevice(s.device.ID)
	}
	s.logger.Debug().Msg("Reconnecting broken session")
	return s.connect(ctx)
}

// call executes one RPC. Exec itself cannot be cancelled, so when ctx ends
// first the session is closed to unblock it and marked broken.
func (s *session) call(ctx context.Context, op, body string, kind callKind) (*netconf.RPCReply, error) {
	if err := s.ensure(ctx); err != nil {
		return nil, err
	}

	type result struct {
		reply *netconf.RPCReply
		err   error
	}
	ch := make(chan result, 1)
	rpc := s.rpc
	go func() {
		reply, err := rpc.Exec(netconf.RawMethod(body))
		ch <- result{reply: reply, err: err}
	}()

	var r result
	select {
	case r = <-ch:
	case <-ctx.Done():
		s.drop()
		return nil, s.lost(op, ctx.Err(), kind)
	}

	if r.err != nil {
		var rpcErr *netconf.RPCError
		if errors.As(r.err, &rpcErr) {
			return r.reply, classifyReply(op, rpcErr).WithDevice(s.device.ID)
		}
		s.drop()
		return nil, s.lost(op, r.err, kind)
	}
	if r.reply != nil {
		for _, e := range r.reply.Errors {
			s.logger.Warn().Str("rpc", op).Str("tag", e.Tag).Str("severity", e.Severity).Msg(e.Message)
		}
	}
	return r.reply, nil
}

func (s *session) drop() {
	if s.rpc != nil {
		_ = s.rpc.Close()
	}
	s.broken = true
}

// lost classifies an exchange that produced no reply.
func (s *session) lost(op string, err error, kind callKind) *engine.EngineError {
	var e *engine.EngineError
	switch {
	case kind == callLive:
		e = engine.NewIndeterminateError(fmt.Sprintf("%s outcome unknown: connection lost", op), err)
	case s.locked:
		e = engine.NewFatalError(fmt.Sprintf("%s failed: session lost while holding the lock", op), err).
			WithCode(engine.ErrCodeUnreachable)
	case errors.Is(err, context.DeadlineExceeded):
		e = engine.NewTransientError(fmt.Sprintf("%s timed out", op), err).WithCode(engine.ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		e = engine.Classify(err)
	default:
		e = engine.NewTransientError(fmt.Sprintf("%s failed: connection lost", op), err).
			WithCode(engine.ErrCodeUnreachable)
	}
	return e.WithDevice(s.device.ID).WithDetail("rpc", op)
}

func datastoreElement(name string) string {
	return "<" + name + "/>"
}

// Read implements engine.Session with a get-config on running.
func (s *session) Read(ctx context.Context, path string) (engine.PathValue, error) {
	segments, err := engine.ParsePath(path)
	if err != nil {
		return engine.PathValue{}, engine.NewFatalError("invalid path", err).WithCode(engine.ErrCodeMalformedEdit)
	}
	filter, err := encodeFilter(s.backend.ns, segments)
	if err != nil {
		return engine.PathValue{}, engine.NewFatalError("building filter", err).WithCode(engine.ErrCodeMalformedEdit)
	}

	body := fmt.Sprintf(`<get-config><source>%s</source><filter type="subtree">%s</filter></get-config>`,
		datastoreElement(DatastoreRunning), filter)
	reply, err := s.call(ctx, "get-config", body, callSafe)
	if err != nil {
		return engine.PathValue{}, err
	}

	data, exists, err := decodeNode(reply.Data, segments)
	if err != nil {
		return engine.PathValue{}, engine.NewFatalError("malformed get-config reply", err).
			WithCode(engine.ErrCodeDeviceError).WithDevice(s.device.ID)
	}
	return engine.PathValue{Path: path, Data: data, Exists: exists}, nil
}

// Lock implements engine.Session.
func (s *session) Lock(ctx context.Context, datastore string) (engine.LockToken, error) {
	body := fmt.Sprintf("<lock><target>%s</target></lock>", datastoreElement(datastore))
	if _, err := s.call(ctx, "lock", body, callSafe); err != nil {
		return engine.LockToken{}, err
	}
	s.locked = true
	return engine.LockToken{Datastore: datastore, ID: strconv.Itoa(s.rpc.ID())}, nil
}

// Unlock implements engine.Session. Uncommitted candidate edits are discarded
// first so they never leak to the next session that locks the candidate.
func (s *session) Unlock(ctx context.Context, token engine.LockToken) error {
	if s.broken {
		// The server released the lock with the session.
		s.locked = false
		s.dirty = false
		return nil
	}

	if s.dirty && token.Datastore == DatastoreCandidate {
		if _, err := s.call(ctx, "discard-changes", "<discard-changes/>", callSafe); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to discard uncommitted candidate changes")
		} else {
			s.dirty = false
		}
	}

	body := fmt.Sprintf("<unlock><target>%s</target></unlock>", datastoreElement(token.Datastore))
	_, err := s.call(ctx, "unlock", body, callSafe)
	if err == nil || s.broken {
		s.locked = false
	}
	return err
}

// Stage implements engine.Session by editing the locked datastore.
func (s *session) Stage(ctx context.Context, token engine.LockToken, edits []engine.FieldEdit) error {
	datastore := token.Datastore
	if datastore == "" {
		datastore = s.desc.Datastore
	}
	kind := callSafe
	if datastore == DatastoreRunning {
		kind = callLive
	}
	return s.editBatch(ctx, datastore, edits, kind)
}

// Validate implements engine.Session.
func (s *session) Validate(ctx context.Context, token engine.LockToken) error {
	body := fmt.Sprintf("<validate><source>%s</source></validate>", datastoreElement(token.Datastore))
	_, err := s.call(ctx, "validate", body, callSafe)
	if err != nil {
		var e *engine.EngineError
		if errors.As(err, &e) && e.Class == engine.ErrorClassFatal && e.Code != engine.ErrCodeUnreachable {
			e.Code = engine.ErrCodeValidationFailed
		}
	}
	return err
}

// Commit implements engine.Session. A commit whose reply is lost is indeterminate.
func (s *session) Commit(ctx context.Context, _ engine.LockToken) error {
	if _, err := s.call(ctx, "commit", "<commit/>", callLive); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// ReplaceDirect implements engine.Session by editing running.
func (s *session) ReplaceDirect(ctx context.Context, edits []engine.FieldEdit) error {
	return s.editBatch(ctx, DatastoreRunning, edits, callLive)
}

func (s *session) editBatch(ctx context.Context, datastore string, edits []engine.FieldEdit, kind callKind) error {
	key := batchKey(datastore, edits)
	for i := s.progress[key]; i < len(edits); i++ {
		if err := s.edit(ctx, datastore, edits[i], kind); err != nil {
			return err
		}
		if datastore == DatastoreCandidate {
			s.dirty = true
		}
		s.progress[key] = i + 1
	}
	delete(s.progress, key)
	return nil
}

func batchKey(datastore string, edits []engine.FieldEdit) string {
	data, err := json.Marshal(edits)
	if err != nil {
		return datastore
	}
	return datastore + "|" + string(data)
}

func (s *session) edit(ctx context.Context, datastore string, edit engine.FieldEdit, kind callKind) error {
	if !edit.Operation.Validate() {
		return engine.NewFatalError("unknown edit operation "+string(edit.Operation), nil).
			WithCode(engine.ErrCodeMalformedEdit)
	}
	config, err := encodeEdit(s.backend.ns, edit)
	if err != nil {
		return engine.NewFatalError("encoding edit", err).WithCode(engine.ErrCodeMalformedEdit).
			WithDevice(s.device.ID)
	}

	// With default-operation none a remove never creates the ancestors it walks through.
	defaultOp := "merge"
	if edit.Operation == engine.EditDelete {
		defaultOp = "none"
	}

	body := fmt.Sprintf(
		"<edit-config><target>%s</target><default-operation>%s</default-operation><config>%s</config></edit-config>",
		datastoreElement(datastore), defaultOp, config)

	s.logger.Debug().Str("datastore", datastore).Str("op", string(edit.Operation)).Str("path", edit.Path).
		Msg("Sending edit-config")
	_, err = s.call(ctx, "edit-config", body, kind)
	return err
}

// Close implements engine.Session.
func (s *session) Close() error {
	if s.rpc == nil || s.broken {
		return nil
	}
	s.broken = true
	return s.rpc.Close()
}
