package restconf

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Backend is the stateless HTTP/JSON backend. It has no lock and no candidate
// datastore, so every write goes live through ReplaceDirect.
type Backend struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger
}

var _ engine.Backend = (*Backend)(nil)

// Option configures a Backend.
type Option func(*Backend)

// WithHTTPClient replaces the HTTP client, e.g. to inject a mock transport.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) { b.client = client }
}

// WithLogger sets the backend logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) { b.logger = logger.With().Str("backend", string(engine.ProtocolRESTCONF)).Logger() }
}

// New creates a RESTCONF backend.
func New(cfg Config, opts ...Option) *Backend {
	cfg = cfg.withDefaults()

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for lab devices
	}

	b := &Backend{
		cfg:    cfg,
		client: &http.Client{Transport: transport, Timeout: cfg.Timeout},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Protocol implements engine.Backend.
func (b *Backend) Protocol() engine.Protocol { return engine.ProtocolRESTCONF }

// Stateful implements engine.Backend.
func (b *Backend) Stateful() bool { return false }

// Describe implements engine.Backend. Only the YANG-Patch feature changes the
// descriptor: it makes a multi-edit ReplaceDirect atomic.
func (b *Backend) Describe(caps engine.Capabilities) engine.Descriptor {
	return engine.Descriptor{
		AtomicDirect: caps.HasFeature(FeatureYangPatch),
		Datastore:    "running",
	}
}

// Open implements engine.Backend. No connection is made until the first request.
func (b *Backend) Open(_ context.Context, device engine.Device) (engine.Session, error) {
	if device.Address == "" {
		return nil, engine.NewFatalError("device has no address", nil).
			WithCode(engine.ErrCodeUnreachable).WithDevice(device.ID)
	}

	port := device.Port(engine.ProtocolRESTCONF, b.cfg.Port)
	host := net.JoinHostPort(device.Address, strconv.Itoa(port))
	root := "/" + strings.Trim(b.cfg.RootPath, "/")

	return &session{
		backend:   b,
		device:    device,
		dataURL:   fmt.Sprintf("%s://%s%s/data", b.cfg.Scheme, host, root),
		yangPatch: device.Capabilities.HasFeature(FeatureYangPatch),
		progress:  make(map[string]int),
		logger:    b.logger.With().Str("device", device.ID).Logger(),
	}, nil
}

type response struct {
	status int
	body   []byte
}

// do performs one HTTP exchange. Transport failures come back classified;
// HTTP status handling is left to the caller.
func (b *Backend) do(ctx context.Context, method, url, contentType string, body []byte) (*response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, engine.NewFatalError("building request", err).WithCode(engine.ErrCodeMalformedEdit)
	}
	req.Header.Set("Accept", MediaYangData)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if b.cfg.Username != "" {
		req.SetBasicAuth(b.cfg.Username, b.cfg.Password)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, classifyTransport(method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// The status line arrived, so a write has been processed.
		if mutating(method) && resp.StatusCode < 300 {
			return &response{status: resp.StatusCode}, nil
		}
		return nil, classifyTransport(method, err)
	}
	return &response{status: resp.StatusCode, body: data}, nil
}
