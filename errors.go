package chatsync

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage        = errors.New("message body is empty")
	ErrMessageTooLong      = errors.New("message body exceeds maximum length")
	ErrUnknownConversation = errors.New("unknown conversation")
	ErrUnknownMessage      = errors.New("unknown message")
	ErrNotConnected        = errors.New("transport not connected")
	ErrTransportClosed     = errors.New("transport closed by client")
	ErrNotFailed           = errors.New("message is not in failed state")
	ErrQueryTooShort       = errors.New("search query too short")
	ErrQueryTooLong        = errors.New("search query too long")
	ErrOfferSettled        = errors.New("offer is no longer pending")
	ErrOwnOffer            = errors.New("cannot respond to an offer you sent")
)

// APIError is the error body returned by the chat backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// TransportError reports a realtime channel failure: a failed handshake or
// an unexpected drop. It never reaches UI code; the coordinator turns it
// into a connectivity flag on the store.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RequestError reports a failed REST call: network failure, timeout or a
// non-2xx response.
type RequestError struct {
	Op         string
	StatusCode int
	API        *APIError
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.API != nil:
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.StatusCode, e.API.Error())
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

func (e *RequestError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.API != nil {
		return e.API
	}
	return nil
}

// ValidationError is a local guard failure raised before any mutation or
// network call.
type ValidationError struct {
	Field  string
	Reason error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Reason }
