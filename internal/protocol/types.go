package protocol

import "errors"

// Version is the protocol version carried in every envelope.
const Version = 1

// Envelope validation errors.
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrUnknownKind        = errors.New("unknown message kind")
	ErrMissingOp          = errors.New("missing required field: op")
	ErrMissingRequestID   = errors.New("missing required field: request_id")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// Request taxonomy. These surface as failed replies on the wire and as
// sentinel errors on both sides of it.
var (
	ErrDuplicateKey = errors.New("duplicate key")
	ErrNotFound     = errors.New("not found")
	ErrForeignKey   = errors.New("foreign key violation")
	ErrStorage      = errors.New("storage failure")
	ErrProtocol     = errors.New("protocol violation")
)

// Kind is the message family: query, reply or event.
type Kind string

const (
	KindQuery Kind = "query"
	KindReply Kind = "reply"
	KindEvent Kind = "event"
)

// Op identifies a command. Subscribe and Unsubscribe are fire-and-forget:
// the server sends no reply for them.
type Op string

const (
	OpGetRepositories  Op = "get_repositories"
	OpGetBranches      Op = "get_branches"
	OpNewRepository    Op = "new_repository"
	OpNewBranch        Op = "new_branch"
	OpUploadDatabase   Op = "upload_database"
	OpDownloadDatabase Op = "download_database"
	OpSubscribe        Op = "subscribe"
	OpUnsubscribe      Op = "unsubscribe"
)

// Wire error codes carried in failed replies.
const (
	CodeDuplicateKey      = "duplicate_key"
	CodeNotFound          = "not_found"
	CodeForeignKey        = "foreign_key_violation"
	CodeStorage           = "storage_error"
	CodeProtocolViolation = "protocol_violation"
)

// WireError is the error form of a failed reply.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWireError maps err to its wire code, defaulting to storage_error
// for unclassified failures.
func NewWireError(err error) *WireError {
	return &WireError{Code: CodeForError(err), Message: err.Error()}
}

// Err returns the sentinel for the wire code, wrapped with the remote
// message, so callers can use errors.Is across the wire boundary.
func (w *WireError) Err() error {
	var sentinel error
	switch w.Code {
	case CodeDuplicateKey:
		sentinel = ErrDuplicateKey
	case CodeNotFound:
		sentinel = ErrNotFound
	case CodeForeignKey:
		sentinel = ErrForeignKey
	case CodeProtocolViolation:
		sentinel = ErrProtocol
	default:
		sentinel = ErrStorage
	}
	return &remoteError{sentinel: sentinel, message: w.Message}
}

// CodeForError classifies err into a wire code.
func CodeForError(err error) string {
	switch {
	case errors.Is(err, ErrDuplicateKey):
		return CodeDuplicateKey
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForeignKey):
		return CodeForeignKey
	case errors.Is(err, ErrProtocol):
		return CodeProtocolViolation
	default:
		return CodeStorage
	}
}

type remoteError struct {
	sentinel error
	message  string
}

func (e *remoteError) Error() string { return e.message }

func (e *remoteError) Unwrap() error { return e.sentinel }
