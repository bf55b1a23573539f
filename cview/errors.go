package cview

import (
	"errors"
	"fmt"
)

// ErrInvalidStateTransition signals an internal invariant violation in chunk
// bookkeeping, e.g., a GPU promotion for a chunk that was never downloaded.
// The affected chunk is force-reset rather than crashing the process.
var ErrInvalidStateTransition = errors.New("invalid chunk state transition")

// DownloadError is a transport failure fetching chunk bytes.
type DownloadError struct {
	Key ChunkKey
	Err error
}

func (e DownloadError) Error() string {
	return fmt.Sprintf("download of chunk %s failed: %v", e.Key, e.Err)
}

func (e DownloadError) Unwrap() error {
	return e.Err
}

// DecodeError is a failure decoding a downloaded chunk payload.  The chunk
// state machine treats it identically to a DownloadError.
type DecodeError struct {
	Key ChunkKey
	Err error
}

func (e DecodeError) Error() string {
	return fmt.Sprintf("decode of chunk %s failed: %v", e.Key, e.Err)
}

func (e DecodeError) Unwrap() error {
	return e.Err
}
