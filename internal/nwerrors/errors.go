// Package nwerrors defines the error taxonomy and retry classification
// shared by every network-facing component. The kinds are named for the
// domain (spec.md §4.G), not borrowed from any particular language's
// standard error set.
package nwerrors

import "fmt"

// Code identifies one kind in the error taxonomy.
type Code int

const (
	CodeNetworkError Code = iota
	CodeInvalidData
	CodeQueryFailed
	CodeMessageAlreadyExpired
	CodeMessageHasNoDestination
	CodeFetchFirstBlockFailed
	CodeBlockNotFound
	CodeNetworkModuleSuspended
	CodeNetworkModuleResumed
)

func (c Code) String() string {
	switch c {
	case CodeNetworkError:
		return "NetworkError"
	case CodeInvalidData:
		return "InvalidData"
	case CodeQueryFailed:
		return "QueryFailed"
	case CodeMessageAlreadyExpired:
		return "MessageAlreadyExpired"
	case CodeMessageHasNoDestination:
		return "MessageHasNoDestination"
	case CodeFetchFirstBlockFailed:
		return "FetchFirstBlockFailed"
	case CodeBlockNotFound:
		return "BlockNotFound"
	case CodeNetworkModuleSuspended:
		return "NetworkModuleSuspended"
	case CodeNetworkModuleResumed:
		return "NetworkModuleResumed"
	default:
		return "Unknown"
	}
}

// Error is the structured result every public operation returns on
// failure: {code, message, data}. Transport errors additionally carry the
// URL of the endpoint that produced them.
type Error struct {
	Code     Code
	Message  string
	Data     map[string]interface{}
	Endpoint string // set when the error originated at a specific endpoint
	cause    error
}

func (e *Error) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("%s: %s (endpoint %s)", e.Code, e.Message, e.Endpoint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is treats two *Error values as equal for retry/propagation decisions
// when they share a Code, ignoring the endpoint URL. errors.Is must not
// see the same logical failure as different just because it moved to a
// different endpoint across retries.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == other.Code
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// WithEndpoint returns a copy of e tagged with the endpoint URL that
// produced it, for diagnostics (spec.md §7).
func (e *Error) WithEndpoint(url string) *Error {
	cp := *e
	cp.Endpoint = url
	return &cp
}

func NetworkError(message string, cause error) *Error {
	return Wrap(CodeNetworkError, message, cause)
}

func InvalidData(message string, cause error) *Error {
	return Wrap(CodeInvalidData, message, cause)
}

func QueryFailed(data map[string]interface{}) *Error {
	return &Error{Code: CodeQueryFailed, Message: "GraphQL query failed", Data: data}
}

func MessageAlreadyExpired() *Error {
	return New(CodeMessageAlreadyExpired, "message already expired")
}

func MessageHasNoDestination() *Error {
	return New(CodeMessageHasNoDestination, "message has no destination address")
}

func FetchFirstBlockFailed(cause error) *Error {
	return Wrap(CodeFetchFirstBlockFailed, "failed to fetch last shard block", cause)
}

func BlockNotFound(message string) *Error {
	return New(CodeBlockNotFound, message)
}

func NetworkModuleSuspended() *Error {
	return New(CodeNetworkModuleSuspended, "network module suspended")
}

func NetworkModuleResumed() *Error {
	return New(CodeNetworkModuleResumed, "network module resumed")
}

// Retriable reports whether the retry policy (spec.md §4.D) should retry
// this error. Only NetworkError and InvalidData are retried; every other
// kind is surfaced immediately.
func Retriable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Code == CodeNetworkError || e.Code == CodeInvalidData
}

// QueryFailedPrefix prefixes a message with "Query failed: " once retries
// are exhausted (spec.md §4.D, §7).
func QueryFailedPrefix(message string) string {
	return "Query failed: " + message
}

// exhaustedError is the error surfaced once retries run out. Unlike Error
// it renders as a bare message with no leading code, since spec.md §7
// names the literal format "Query failed: <cause>" for this case.
type exhaustedError struct {
	message string
	cause   error
}

func (e *exhaustedError) Error() string { return e.message }
func (e *exhaustedError) Unwrap() error { return e.cause }

// Exhausted builds the retry-exhaustion error: message is already
// "Query failed: "-prefixed via QueryFailedPrefix, cause is the last
// underlying attempt's error, reachable through errors.Is/As.
func Exhausted(message string, cause error) error {
	return &exhaustedError{message: message, cause: cause}
}
