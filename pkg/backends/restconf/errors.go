package restconf

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/openfroyo/fleetconf/pkg/backends/rpcerror"
	"github.com/openfroyo/fleetconf/pkg/engine"
)

// StatusError is an unexpected HTTP response.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

func mutating(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// classifyStatus turns a non-success response into an engine error. An
// error-tag in the body wins; otherwise the status code decides.
func classifyStatus(method, url string, status int, body []byte) *engine.EngineError {
	cause := &StatusError{Method: method, URL: url, StatusCode: status, Body: string(body)}

	if entry, ok := firstError(body); ok && entry.Tag != "" {
		e := rpcerror.Classify(entry.Tag, entry.Message, cause)
		if entry.Path != "" {
			e.WithDetail("error-path", entry.Path)
		}
		return e.WithDetail("http-status", status)
	}

	var e *engine.EngineError
	switch status {
	case http.StatusBadRequest:
		e = engine.NewFatalError("request rejected", cause).WithCode(engine.ErrCodeMalformedEdit)
	case http.StatusUnauthorized, http.StatusForbidden:
		e = engine.NewFatalError("authentication rejected", cause).WithCode(engine.ErrCodeAuthFailed)
	case http.StatusNotFound:
		e = engine.NewFatalError("resource not found", cause).WithCode(engine.ErrCodeDataMissing)
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusUnsupportedMediaType:
		e = engine.NewFatalError("operation not supported", cause).WithCode(engine.ErrCodeUnsupported)
	case http.StatusConflict:
		e = engine.NewFatalError("conflicting configuration", cause).WithCode(engine.ErrCodeDataExists)
	case http.StatusTooManyRequests, http.StatusServiceUnavailable:
		e = engine.NewTransientError("device busy", cause).WithCode(engine.ErrCodeResourceDenied)
	case http.StatusBadGateway, http.StatusGatewayTimeout:
		if mutating(method) {
			e = engine.NewIndeterminateError("write outcome unknown after gateway failure", cause)
		} else {
			e = engine.NewTransientError("device unreachable", cause).WithCode(engine.ErrCodeUnreachable)
		}
	default:
		e = engine.NewFatalError("unexpected response", cause).WithCode(engine.ErrCodeDeviceError)
	}
	return e.WithDetail("http-status", status)
}

// classifyTransport classifies a failed HTTP exchange. Reads are always safe
// to retry. A write is only retried when it provably never left the client;
// anything else may have been applied and is indeterminate.
func classifyTransport(method string, err error) *engine.EngineError {
	var verr *tls.CertificateVerificationError
	if errors.As(err, &verr) {
		return engine.NewFatalError("TLS certificate rejected", err).WithCode(engine.ErrCodeAuthFailed)
	}

	if !mutating(method) || notSent(err) {
		if errors.Is(err, context.DeadlineExceeded) {
			return engine.NewTransientError("request timed out", err).WithCode(engine.ErrCodeTimeout)
		}
		return engine.NewTransientError("device unreachable", err).WithCode(engine.ErrCodeUnreachable)
	}
	return engine.NewIndeterminateError("connection lost during write", err)
}

func notSent(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var recErr tls.RecordHeaderError
	return errors.As(err, &recErr)
}
