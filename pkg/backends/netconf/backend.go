package netconf

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/Juniper/go-netconf/netconf"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// rpcSession is the part of a NETCONF client session the backend uses.
type rpcSession interface {
	Exec(methods ...netconf.RPCMethod) (*netconf.RPCReply, error)
	Capabilities() []string
	ID() int
	Close() error
}

// sshSession adapts *netconf.Session to rpcSession.
type sshSession struct {
	*netconf.Session
}

func (s sshSession) Capabilities() []string { return s.ServerCapabilities }

func (s sshSession) ID() int { return s.SessionID }

type dialFunc func(ctx context.Context, target string, cfg *ssh.ClientConfig) (rpcSession, error)

// dialSSH opens a NETCONF session over SSH. The handshake itself is bounded
// by the client config timeout; ctx only abandons the wait.
func dialSSH(ctx context.Context, target string, cfg *ssh.ClientConfig) (rpcSession, error) {
	type result struct {
		s   *netconf.Session
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := netconf.DialSSH(target, cfg)
		ch <- result{s: s, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return sshSession{Session: r.s}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.s != nil {
				_ = r.s.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Backend is the stateful NETCONF backend: lock, stage into candidate,
// validate, commit.
type Backend struct {
	cfg    Config
	ns     namespaces
	dial   dialFunc
	logger zerolog.Logger
}

var _ engine.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the backend logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) { b.logger = logger.With().Str("backend", string(engine.ProtocolNETCONF)).Logger() }
}

// New creates a NETCONF backend.
func New(cfg Config, opts ...Option) *Backend {
	cfg = cfg.withDefaults()
	b := &Backend{
		cfg:    cfg,
		ns:     namespaces(cfg.Namespaces),
		dial:   dialSSH,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Protocol implements engine.Backend.
func (b *Backend) Protocol() engine.Protocol { return engine.ProtocolNETCONF }

// Stateful implements engine.Backend.
func (b *Backend) Stateful() bool { return true }

// Describe implements engine.Backend. Edits are staged in the candidate when
// the device has one and the backend is configured to use it; otherwise they
// go straight to running, under a lock when the device supports locking.
func (b *Backend) Describe(caps engine.Capabilities) engine.Descriptor {
	staging := caps.StagingSupported && b.cfg.Datastore == DatastoreCandidate
	d := engine.Descriptor{
		Locking:   caps.LockingSupported,
		Staging:   staging,
		Validate:  staging && caps.ValidateSupported,
		Datastore: DatastoreRunning,
	}
	if staging {
		d.Datastore = DatastoreCandidate
	}
	return d
}

// Open implements engine.Backend.
func (b *Backend) Open(ctx context.Context, device engine.Device) (engine.Session, error) {
	if device.Address == "" {
		return nil, engine.NewFatalError("device has no address", nil).
			WithCode(engine.ErrCodeUnreachable).WithDevice(device.ID)
	}

	sshCfg, err := b.cfg.BuildSSHClientConfig()
	if err != nil {
		return nil, engine.NewFatalError("building SSH client config", err).
			WithCode(engine.ErrCodeAuthFailed).WithDevice(device.ID)
	}

	s := &session{
		backend:  b,
		device:   device,
		target:   net.JoinHostPort(device.Address, strconv.Itoa(device.Port(engine.ProtocolNETCONF, b.cfg.Port))),
		sshCfg:   sshCfg,
		desc:     b.Describe(device.Capabilities),
		progress: make(map[string]int),
		logger:   b.logger.With().Str("device", device.ID).Logger(),
	}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	if s.desc.Staging && !hasCapability(s.rpc.Capabilities(), capCandidate) {
		_ = s.Close()
		return nil, engine.NewFatalError("device does not advertise the candidate datastore", nil).
			WithCode(engine.ErrCodeUnsupported).WithDevice(device.ID)
	}
	return s, nil
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		// Capabilities may carry parameters after '?'.
		if base, _, _ := strings.Cut(strings.TrimSpace(c), "?"); base == want {
			return true
		}
	}
	return false
}
