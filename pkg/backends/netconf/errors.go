package netconf

import (
	"context"
	"errors"
	"strings"

	"github.com/Juniper/go-netconf/netconf"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/fleetconf/pkg/backends/rpcerror"
	"github.com/openfroyo/fleetconf/pkg/engine"
)

// classifyDial classifies a failure to establish the SSH session.
func classifyDial(err error) *engine.EngineError {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	switch {
	case errors.As(err, &keyErr), errors.As(err, &revoked):
		return engine.NewFatalError("host key rejected", err).WithCode(engine.ErrCodeAuthFailed)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return engine.NewFatalError("SSH authentication failed", err).WithCode(engine.ErrCodeAuthFailed)
	case errors.Is(err, context.DeadlineExceeded):
		return engine.NewTransientError("connect timed out", err).WithCode(engine.ErrCodeTimeout)
	case errors.Is(err, context.Canceled):
		return engine.Classify(err)
	}
	return engine.NewTransientError("device unreachable", err).WithCode(engine.ErrCodeUnreachable)
}

// classifyReply turns an rpc-error into an engine error.
func classifyReply(op string, rpcErr *netconf.RPCError) *engine.EngineError {
	e := rpcerror.Classify(strings.TrimSpace(rpcErr.Tag), strings.TrimSpace(rpcErr.Message), rpcErr)
	if p := strings.TrimSpace(rpcErr.Path); p != "" {
		e.WithDetail("error-path", p)
	}
	return e.WithDetail("rpc", op)
}
