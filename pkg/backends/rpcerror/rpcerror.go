// Package rpcerror classifies the error-tag values shared by NETCONF
// rpc-error replies and RESTCONF error documents.
package rpcerror

import (
	"fmt"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// Error tags from the NETCONF base protocol, reused by RESTCONF.
const (
	TagInUse                 = "in-use"
	TagInvalidValue          = "invalid-value"
	TagTooBig                = "too-big"
	TagMissingAttribute      = "missing-attribute"
	TagBadAttribute          = "bad-attribute"
	TagUnknownAttribute      = "unknown-attribute"
	TagMissingElement        = "missing-element"
	TagBadElement            = "bad-element"
	TagUnknownElement        = "unknown-element"
	TagUnknownNamespace      = "unknown-namespace"
	TagAccessDenied          = "access-denied"
	TagLockDenied            = "lock-denied"
	TagResourceDenied        = "resource-denied"
	TagRollbackFailed        = "rollback-failed"
	TagDataExists            = "data-exists"
	TagDataMissing           = "data-missing"
	TagOperationNotSupported = "operation-not-supported"
	TagOperationFailed       = "operation-failed"
	TagPartialOperation      = "partial-operation"
	TagMalformedMessage      = "malformed-message"
)

// Classify maps a device-reported error tag to an engine error.
//
// Lock and resource contention are transient. A partial operation leaves the
// datastore in an unknown state and is indeterminate. Everything else the
// device rejected is fatal.
func Classify(tag, message string, cause error) *engine.EngineError {
	msg := message
	if msg == "" {
		msg = tag
	}

	var e *engine.EngineError
	switch tag {
	case TagLockDenied, TagInUse:
		e = engine.NewTransientError(fmt.Sprintf("datastore busy: %s", msg), cause).
			WithCode(engine.ErrCodeLockContention)
	case TagResourceDenied:
		e = engine.NewTransientError(fmt.Sprintf("device out of resources: %s", msg), cause).
			WithCode(engine.ErrCodeResourceDenied)
	case TagAccessDenied:
		e = engine.NewFatalError(fmt.Sprintf("access denied: %s", msg), cause).
			WithCode(engine.ErrCodeAuthFailed)
	case TagDataExists:
		e = engine.NewFatalError(fmt.Sprintf("data already exists: %s", msg), cause).
			WithCode(engine.ErrCodeDataExists)
	case TagDataMissing:
		e = engine.NewFatalError(fmt.Sprintf("data missing: %s", msg), cause).
			WithCode(engine.ErrCodeDataMissing)
	case TagInvalidValue, TagTooBig, TagMissingAttribute, TagBadAttribute, TagUnknownAttribute,
		TagMissingElement, TagBadElement, TagUnknownElement, TagUnknownNamespace, TagMalformedMessage:
		e = engine.NewFatalError(fmt.Sprintf("edit rejected: %s", msg), cause).
			WithCode(engine.ErrCodeMalformedEdit)
	case TagOperationNotSupported:
		e = engine.NewFatalError(fmt.Sprintf("operation not supported: %s", msg), cause).
			WithCode(engine.ErrCodeUnsupported)
	case TagOperationFailed:
		e = engine.NewFatalError(fmt.Sprintf("operation failed: %s", msg), cause).
			WithCode(engine.ErrCodeValidationFailed)
	case TagRollbackFailed:
		e = engine.NewFatalError(fmt.Sprintf("device rollback failed: %s", msg), cause).
			WithCode(engine.ErrCodeRollbackFailed)
	case TagPartialOperation:
		e = engine.NewIndeterminateError(fmt.Sprintf("partially applied: %s", msg), cause)
	default:
		e = engine.NewFatalError(fmt.Sprintf("device error: %s", msg), cause).
			WithCode(engine.ErrCodeDeviceError)
	}
	return e.WithDetail("error-tag", tag)
}
