// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package gluster

import (
	"errors"
	"fmt"

	"github.com/asch/glblk/internal/glfs"
)

// ErrInvalidPreallocation is returned by Create for an unknown
// preallocation mode.
var ErrInvalidPreallocation = errors.New("invalid preallocation mode, allowed values: off, full")

// DescriptorError reports a volume descriptor which cannot be used.
type DescriptorError struct {
	Filename string
	Reason   string
}

func descriptorError(filename, reason string) *DescriptorError {
	return &DescriptorError{Filename: filename, Reason: reason}
}

func (e *DescriptorError) Error() string {
	return fmt.Sprintf("invalid volume descriptor %q: %s, usage: %s", e.Filename, e.Reason, usage)
}

// ConnectionError reports a failure to establish a session or to open the
// image within it.
type ConnectionError struct {
	Descriptor Descriptor
	Err        error
}

func connectionError(d *Descriptor, err error) *ConnectionError {
	return &ConnectionError{Descriptor: *d, Err: err}
}

func (e *ConnectionError) Error() string {
	d := e.Descriptor
	return fmt.Sprintf("gluster connection failed for server=%s port=%d volume=%s image=%s transport=%s: %v",
		d.Locator(), d.Port, d.Volume, d.Image, d.Transport, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IOError reports an operation which failed with an error code, either
// when it was submitted or when it completed.
type IOError struct {
	Op    string
	Errno glfs.Errno
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

func (e *IOError) Unwrap() error { return e.Errno }

// ShortTransferError reports a transfer which completed with fewer bytes
// than requested. It is an I/O error, but the client did not say why.
type ShortTransferError struct {
	Op          string
	Expected    int64
	Transferred int64
}

func (e *ShortTransferError) Error() string {
	return fmt.Sprintf("%s: short transfer, %d of %d bytes", e.Op, e.Transferred, e.Expected)
}

// Unwrap makes a short transfer match glfs.EIO.
func (e *ShortTransferError) Unwrap() error { return glfs.EIO }

// CapabilityError reports an optional operation which the volume does not
// support or which has been disabled.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("%s is not supported by the volume or has been disabled", e.Capability)
}
