package crud

import (
	"fmt"
)

// InvalidArgumentsError reports a structurally malformed query: missing
// type, a field without an id, an unknown view, or missing view parameters.
type InvalidArgumentsError struct {
	Reason string
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments: %s", e.Reason)
}

// InvalidModelTypeError reports a type that is not declared in the schema.
type InvalidModelTypeError struct {
	Type string
}

func (e *InvalidModelTypeError) Error() string {
	return fmt.Sprintf("invalid model type: %q is not declared in the schema", e.Type)
}

// InvalidParamsError reports operation parameters that do not fit the
// operation: a missing id, or a primitive where an object is required.
type InvalidParamsError struct {
	Reason string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid params: %s", e.Reason)
}

// InvalidOperationError reports an operation the data model forbids, such as
// modifying a document's id or replacing a document with a primitive.
type InvalidOperationError struct {
	Reason string
}

func (e *InvalidOperationError) Error() string {
	return fmt.Sprintf("invalid operation: %s", e.Reason)
}

// PublishNotAllowedError reports an outside client attempting to publish to
// a crud> channel. Only the server publishes change notifications.
type PublishNotAllowedError struct {
	Channel string
}

func (e *PublishNotAllowedError) Error() string {
	return fmt.Sprintf("publishing to channel %q is not allowed", e.Channel)
}

// SubscribeFailedError reports a failed resource channel subscription while
// reads were buffered against it. Every buffered read receives this error.
type SubscribeFailedError struct {
	Channel string
	Cause   error
}

func (e *SubscribeFailedError) Error() string {
	return fmt.Sprintf("failed to subscribe to resource channel %q", e.Channel)
}

func (e *SubscribeFailedError) Unwrap() error {
	return e.Cause
}

// StoreError wraps a storage backend failure. The message is sanitized for
// clients; the raw cause is logged by the orchestrator and remains reachable
// through Unwrap for error inspection.
type StoreError struct {
	Op    string
	Cause error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation failed: %s", e.Op)
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}
