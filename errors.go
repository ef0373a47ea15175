// Package netres synchronizes game resources between the peers of a
// network session: a catalog of announced resources, chunk maps tracking
// which byte ranges each peer holds, and a discover/status/request/data
// protocol that converges every peer toward complete possession.
package netres

import "errors"

// Error constants used throughout the netres library.
var (
	// ErrCorrupt is returned when a wire-format violation is detected while
	// decoding a packet, core or chunk map. The packet is dropped.
	ErrCorrupt = errors.New("corrupt packet data")

	// ErrOversize is returned when a materialized artifact exceeds the
	// configured maximum loadable size. The resource is marked unloadable.
	ErrOversize = errors.New("resource over size limit")

	// ErrChecksumMismatch is returned when a standalone's size or CRC does
	// not match its core. The temp artifact is removed.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrIDExhausted is returned when the local 16-bit id window has no
	// free slot left.
	ErrIDExhausted = errors.New("resource id space exhausted")

	// ErrRemoved is returned for operations on a resource that has been
	// marked removed.
	ErrRemoved = errors.New("resource has been removed")

	// ErrNotLoadable is returned when a load is requested for a resource
	// whose creator marked it unloadable.
	ErrNotLoadable = errors.New("resource is not loadable")

	// ErrChunkCntMismatch is returned when merging chunk maps over
	// different chunk counts.
	ErrChunkCntMismatch = errors.New("chunk count mismatch")

	// ErrConnectionClosed is returned when attempting to use a connection
	// that has already been closed by either side.
	ErrConnectionClosed = errors.New("connection has been closed")

	// ErrNoTempName is returned when no free temp file name could be found
	// in the network work directory.
	ErrNoTempName = errors.New("no free temporary file name")

	// ErrStandaloneFailed is returned when a previous materialization
	// attempt failed; the failure is sticky until the resource is reset.
	ErrStandaloneFailed = errors.New("standalone creation failed")
)
