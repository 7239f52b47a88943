// Copyright (c) 2018 Western Digital Corporation or its affiliates. All rights reserved.
// SPDX-License-Identifier: MIT

package core

// Error is our own defined error type for results that cross component
// boundaries. Most device-level errors are absorbed into stripe state and
// never surface; the ones that do are reported as one of these codes.
type Error int

const (
	// NoError means no error.
	NoError = Error(iota)

	//------ Request level errors ------//

	// ErrInvalidArgument is returned if an argument is bad or confusing
	// (eg a misaligned sector, a zero-length request).
	ErrInvalidArgument

	// ErrBusy is returned by non-blocking acquisition paths when the stripe
	// cache is exhausted or a conflicting request holds the range. The
	// caller may retry; the management thread retries deferred requests
	// automatically.
	ErrBusy

	// ErrIO is returned when a request cannot be served because redundancy
	// is exhausted for the range it covers.
	ErrIO

	// ErrShutdown is returned for requests issued after Stop.
	ErrShutdown

	//------ Device level errors ------//

	// ErrReadFailed is a device-level read error.
	ErrReadFailed

	// ErrWriteFailed is a device-level write error.
	ErrWriteFailed

	// ErrBadBlock means the target range of a device is marked bad.
	ErrBadBlock

	// ErrNoSuchDevice is returned when a device index is out of range or the
	// slot is empty.
	ErrNoSuchDevice

	// ErrDeviceRemoved is returned for all device calls after the device has
	// been stopped.
	ErrDeviceRemoved

	//------ Array level errors ------//

	// ErrArrayFailed means more devices are unreadable than the parity can
	// tolerate; the affected ranges are unrecoverable.
	ErrArrayFailed

	// ErrStaleGeometry means the array layout changed while a request was
	// mapping its sectors. The request must recompute its mapping and retry.
	ErrStaleGeometry

	// ErrReshapeConflict means the request overlaps the stripe range that a
	// reshape is actively migrating. The request is deferred until the
	// frontier moves past it.
	ErrReshapeConflict

	// ErrCheckpointFailed means the metadata collaborator could not persist
	// a reshape/recovery checkpoint.
	ErrCheckpointFailed
)

var errStrings = map[Error]string{
	NoError:             "no error",
	ErrInvalidArgument:  "invalid argument",
	ErrBusy:             "resource busy, retry later",
	ErrIO:               "i/o error",
	ErrShutdown:         "engine is shut down",
	ErrReadFailed:       "device read failed",
	ErrWriteFailed:      "device write failed",
	ErrBadBlock:         "range is marked bad on device",
	ErrNoSuchDevice:     "no such device",
	ErrDeviceRemoved:    "device removed",
	ErrArrayFailed:      "array redundancy exhausted",
	ErrStaleGeometry:    "array geometry changed, retry mapping",
	ErrReshapeConflict:  "range conflicts with reshape frontier",
	ErrCheckpointFailed: "metadata checkpoint failed",
}

// String returns a human-readable description of the error.
func (e Error) String() string {
	if s, ok := errStrings[e]; ok {
		return s
	}
	return "unknown error"
}

// Error allows Error to be used as a Go error. Note that a NoError stored
// into an error variable is still non-nil; callers should compare against
// core.NoError rather than nil.
func (e Error) Error() string {
	return e.String()
}
