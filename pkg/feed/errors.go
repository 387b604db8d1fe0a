package feed

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNetwork means the store could not be reached or did not answer in time.
	ErrNetwork = errors.New("network error")
	// ErrBackend means the store answered but rejected the query.
	ErrBackend = errors.New("backend error")
	// ErrSubscription means the realtime channel dropped.
	ErrSubscription = errors.New("subscription error")
)

type ErrorKind string

const (
	KindNetwork      ErrorKind = "network"
	KindBackend      ErrorKind = "backend"
	KindSubscription ErrorKind = "subscription"
)

// Classify maps err onto the feed error taxonomy. Errors that carry no
// sentinel are treated as backend errors unless they look like transport
// failures.
func Classify(err error) ErrorKind {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrSubscription):
		return KindSubscription
	case errors.Is(err, ErrBackend):
		return KindBackend
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.As(err, &netErr):
		return KindNetwork
	default:
		return KindBackend
	}
}

// ErrorInfo is the presentation-safe description of the last failure.
type ErrorInfo struct {
	Kind      ErrorKind `json:"kind"`
	Op        string    `json:"op"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

func newErrorInfo(op string, err error) *ErrorInfo {
	return &ErrorInfo{
		Kind:      Classify(err),
		Op:        op,
		Message:   err.Error(),
		Retryable: true,
		At:        time.Now(),
	}
}
