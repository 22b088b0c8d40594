package restconf

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

const descURL = "https://r1:443/restconf/data/ietf-interfaces:interfaces/interface=Gi1/description"

func newTestSession(t *testing.T, features ...string) (*httpmock.MockTransport, engine.Session) {
	t.Helper()

	mock := httpmock.NewMockTransport()
	backend := New(Config{Username: "admin", Password: "secret"},
		WithHTTPClient(&http.Client{Transport: mock}))

	device := engine.Device{
		ID:      "r1",
		Address: "r1",
		Capabilities: engine.Capabilities{
			Protocols: []engine.Protocol{engine.ProtocolRESTCONF},
			Features:  features,
		},
	}
	sess, err := backend.Open(context.Background(), device)
	require.NoError(t, err)
	return mock, sess
}

func readBody(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	data, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	return doc
}

func TestBackend_Describe(t *testing.T) {
	b := New(Config{})
	assert.False(t, b.Stateful())
	assert.Equal(t, engine.ProtocolRESTCONF, b.Protocol())

	d := b.Describe(engine.Capabilities{})
	assert.False(t, d.Locking)
	assert.False(t, d.Staging)
	assert.False(t, d.Validate)
	assert.False(t, d.AtomicDirect)

	d = b.Describe(engine.Capabilities{Features: []string{FeatureYangPatch}})
	assert.True(t, d.AtomicDirect)
}

func TestBackend_OpenRequiresAddress(t *testing.T) {
	_, err := New(Config{}).Open(context.Background(), engine.Device{ID: "r1"})
	require.Error(t, err)
	assert.True(t, engine.IsFatal(err))
}

func TestSession_Read(t *testing.T) {
	mock, sess := newTestSession(t)

	mock.RegisterResponder(http.MethodGet, descURL, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, MediaYangData, req.Header.Get("Accept"))
		user, pass, ok := req.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		return httpmock.NewStringResponse(200, `{"ietf-interfaces:description": "uplink"}`), nil
	})

	got, err := sess.Read(context.Background(), "/ietf-interfaces:interfaces/interface[name=Gi1]/description")
	require.NoError(t, err)
	assert.True(t, got.Exists)
	assert.Equal(t, "uplink", got.Data)
}

func TestSession_ReadListEntry(t *testing.T) {
	mock, sess := newTestSession(t)

	mock.RegisterResponder(http.MethodGet, "https://r1:443/restconf/data/ietf-interfaces:interfaces/interface=Gi1",
		httpmock.NewStringResponder(200, `{"ietf-interfaces:interface": [{"name": "Gi1", "enabled": true}]}`))

	got, err := sess.Read(context.Background(), "/ietf-interfaces:interfaces/interface[name=Gi1]")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "Gi1", "enabled": true}, got.Data)
}

func TestSession_ReadAbsent(t *testing.T) {
	mock, sess := newTestSession(t)
	mock.RegisterResponder(http.MethodGet, descURL, httpmock.NewStringResponder(404, ""))

	got, err := sess.Read(context.Background(), "/ietf-interfaces:interfaces/interface[name=Gi1]/description")
	require.NoError(t, err)
	assert.False(t, got.Exists)
}

func TestSession_ReadTransportErrorIsTransient(t *testing.T) {
	mock, sess := newTestSession(t)
	mock.RegisterResponder(http.MethodGet, descURL, httpmock.NewErrorResponder(io.ErrUnexpectedEOF))

	_, err := sess.Read(context.Background(), "/ietf-interfaces:interfaces/interface[name=Gi1]/description")
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))
}

func TestSession_ReplaceDirect_Operations(t *testing.T) {
	mock, sess := newTestSession(t)

	var calls []string
	record := func(status int) httpmock.Responder {
		return func(req *http.Request) (*http.Response, error) {
			calls = append(calls, req.Method)
			if req.Method != http.MethodDelete {
				assert.Equal(t, MediaYangData, req.Header.Get("Content-Type"))
			}
			return httpmock.NewStringResponse(status, ""), nil
		}
	}

	mock.RegisterResponder(http.MethodPut, descURL, func(req *http.Request) (*http.Response, error) {
		calls = append(calls, req.Method)
		assert.Equal(t, map[string]any{"ietf-interfaces:description": "core"}, readBody(t, req))
		return httpmock.NewStringResponse(204, ""), nil
	})
	mock.RegisterResponder(http.MethodPatch, "https://r1:443/restconf/data/ietf-system:system", record(204))
	mock.RegisterResponder(http.MethodPost, "https://r1:443/restconf/data/ietf-interfaces:interfaces",
		func(req *http.Request) (*http.Response, error) {
			calls = append(calls, req.Method)
			doc := readBody(t, req)
			entries, ok := doc["ietf-interfaces:interface"].([]any)
			require.True(t, ok)
			require.Len(t, entries, 1)
			assert.Equal(t, "Lo5", entries[0].(map[string]any)["name"])
			return httpmock.NewStringResponse(201, ""), nil
		})
	mock.RegisterResponder(http.MethodDelete, "https://r1:443/restconf/data/ietf-interfaces:interfaces/interface=Lo9", record(404))

	err := sess.ReplaceDirect(context.Background(), []engine.FieldEdit{
		{Path: "/ietf-interfaces:interfaces/interface[name=Gi1]/description", Operation: engine.EditReplace, Value: "core"},
		{Path: "/ietf-system:system", Operation: engine.EditMerge, Value: map[string]any{"hostname": "r1"}},
		{Path: "/ietf-interfaces:interfaces/interface[name=Lo5]", Operation: engine.EditCreate, Value: map[string]any{"type": "softwareLoopback"}},
		{Path: "/ietf-interfaces:interfaces/interface[name=Lo9]", Operation: engine.EditDelete},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{http.MethodPut, http.MethodPatch, http.MethodPost, http.MethodDelete}, calls)
}

func TestSession_ReplaceDirect_ResumesAfterTransientFailure(t *testing.T) {
	mock, sess := newTestSession(t)

	creates := 0
	mock.RegisterResponder(http.MethodPost, "https://r1:443/restconf/data/ietf-interfaces:interfaces",
		func(*http.Request) (*http.Response, error) {
			creates++
			return httpmock.NewStringResponse(201, ""), nil
		})
	puts := 0
	mock.RegisterResponder(http.MethodPut, descURL, func(*http.Request) (*http.Response, error) {
		puts++
		if puts == 1 {
			return httpmock.NewStringResponse(503, ""), nil
		}
		return httpmock.NewStringResponse(204, ""), nil
	})

	edits := []engine.FieldEdit{
		{Path: "/ietf-interfaces:interfaces/interface[name=Lo5]", Operation: engine.EditCreate, Value: map[string]any{}},
		{Path: "/ietf-interfaces:interfaces/interface[name=Gi1]/description", Operation: engine.EditReplace, Value: "x"},
	}

	err := sess.ReplaceDirect(context.Background(), edits)
	require.Error(t, err)
	assert.True(t, engine.IsTransient(err))

	require.NoError(t, sess.ReplaceDirect(context.Background(), edits))
	assert.Equal(t, 1, creates, "create must not be repeated on retry")
	assert.Equal(t, 2, puts)
}

func TestSession_ReplaceDirect_YangPatch(t *testing.T) {
	mock, sess := newTestSession(t, FeatureYangPatch)

	mock.RegisterResponder(http.MethodPatch, "https://r1:443/restconf/data",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, MediaYangPatch, req.Header.Get("Content-Type"))
			doc := readBody(t, req)
			patch := doc["ietf-yang-patch:yang-patch"].(map[string]any)
			assert.NotEmpty(t, patch["patch-id"])
			edits := patch["edit"].([]any)
			require.Len(t, edits, 2)
			first := edits[0].(map[string]any)
			assert.Equal(t, "replace", first["operation"])
			assert.Equal(t, "/ietf-interfaces:interfaces/interface=Gi1/description", first["target"])
			second := edits[1].(map[string]any)
			assert.Equal(t, "remove", second["operation"])
			assert.Nil(t, second["value"])
			return httpmock.NewStringResponse(204, ""), nil
		})

	err := sess.ReplaceDirect(context.Background(), []engine.FieldEdit{
		{Path: "/ietf-interfaces:interfaces/interface[name=Gi1]/description", Operation: engine.EditReplace, Value: "x"},
		{Path: "/ietf-interfaces:interfaces/interface[name=Gi1]/mtu", Operation: engine.EditDelete},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, mock.GetTotalCallCount())
}

func TestSession_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		responder httpmock.Responder
		class     engine.ErrorClass
		code      string
	}{
		{
			name: "error-tag lock-denied is transient contention",
			responder: httpmock.NewStringResponder(409,
				`{"ietf-restconf:errors":{"error":[{"error-type":"protocol","error-tag":"lock-denied","error-message":"locked"}]}}`),
			class: engine.ErrorClassTransient,
			code:  engine.ErrCodeLockContention,
		},
		{
			name: "error-tag invalid-value is fatal",
			responder: httpmock.NewStringResponder(400,
				`{"ietf-restconf:errors":{"error":[{"error-type":"application","error-tag":"invalid-value"}]}}`),
			class: engine.ErrorClassFatal,
			code:  engine.ErrCodeMalformedEdit,
		},
		{
			name:      "unauthorized",
			responder: httpmock.NewStringResponder(401, ""),
			class:     engine.ErrorClassFatal,
			code:      engine.ErrCodeAuthFailed,
		},
		{
			name:      "service unavailable is transient",
			responder: httpmock.NewStringResponder(503, ""),
			class:     engine.ErrorClassTransient,
			code:      engine.ErrCodeResourceDenied,
		},
		{
			name:      "gateway timeout on write is indeterminate",
			responder: httpmock.NewStringResponder(504, ""),
			class:     engine.ErrorClassIndeterminate,
			code:      engine.ErrCodeCommitIndeterminate,
		},
		{
			name:      "connection lost mid-write is indeterminate",
			responder: httpmock.NewErrorResponder(io.ErrUnexpectedEOF),
			class:     engine.ErrorClassIndeterminate,
			code:      engine.ErrCodeCommitIndeterminate,
		},
		{
			name:      "dial failure never reached the device",
			responder: httpmock.NewErrorResponder(&net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}),
			class:     engine.ErrorClassTransient,
			code:      engine.ErrCodeUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, sess := newTestSession(t)
			mock.RegisterResponder(http.MethodPut, descURL, tt.responder)

			err := sess.ReplaceDirect(context.Background(), []engine.FieldEdit{
				{Path: "/ietf-interfaces:interfaces/interface[name=Gi1]/description", Operation: engine.EditReplace, Value: "x"},
			})
			require.Error(t, err)

			var e *engine.EngineError
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.class, e.Class)
			assert.Equal(t, tt.code, e.Code)
		})
	}
}

func TestSession_StagedOperationsUnsupported(t *testing.T) {
	_, sess := newTestSession(t)
	ctx := context.Background()

	_, err := sess.Lock(ctx, "running")
	assert.Equal(t, engine.ErrCodeUnsupported, engine.CodeOf(err))
	assert.Equal(t, engine.ErrCodeUnsupported, engine.CodeOf(sess.Commit(ctx, engine.LockToken{})))
	assert.NoError(t, sess.Close())
}
