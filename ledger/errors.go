// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotAuthenticated means no owning principal is available; nothing is queued or mutated
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrSyncItemExhausted marks a queue item that reached max_retries
	ErrSyncItemExhausted = errors.New("sync item exhausted retries")
	// ErrNotFound means the referenced entity is not known locally
	ErrNotFound = errors.New("entity not found")
	// ErrInvalidInput means a mutation failed validation before anything was applied
	ErrInvalidInput = errors.New("invalid input")
)

// StorageError is a local persistence failure. The mutation that produced it
// is considered not applied.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// RemoteError is a network failure or a rejection by the remote store.
// StatusCode is zero when no response was received.
type RemoteError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *RemoteError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("remote %s failed with status %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("remote %s failed with status %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("remote %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("remote %s failed", e.Op)
	}
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsRemoteNotFound reports whether err is a RemoteError for a missing entity
func IsRemoteNotFound(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusNotFound
}

// WrapStorage tags err as a StorageError for op; nil stays nil
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
