package retriever

import (
	"errors"
	"fmt"
)

// ErrExpiredLink is returned when the durable URL answers 403 or 404
var ErrExpiredLink = errors.New("download link has expired")

// StatusError is a probe or fetch failure with an unexpected status
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download failed with status: %d", e.Status)
}

// IntegrityError reports a stream that ended short of its declared length
type IntegrityError struct {
	Declared int64
	Received int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("download incomplete: received %d of %d bytes", e.Received, e.Declared)
}

// NetworkError reports a connection lost before or during the transfer
type NetworkError struct {
	Received int64
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network connection lost after %d bytes: %v", e.Received, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// Label returns a short metrics label for a retrieval error
func Label(err error) string {
	var ie *IntegrityError
	var ne *NetworkError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrExpiredLink):
		return "expired"
	case errors.As(err, &ie):
		return "integrity"
	case errors.As(err, &ne):
		return "network"
	}
	return "failed"
}
