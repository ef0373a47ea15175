package netres

import "time"

const (
	// ChunkSize is the transfer chunk size in bytes. The last chunk of a
	// resource may be shorter.
	ChunkSize = 10 * 1024

	// MaxLoad limits the number of outstanding chunk requests per resource.
	MaxLoad = 5

	// MaxLoadPerPeerPerFile limits concurrent chunk requests to a single
	// peer for a single resource.
	MaxLoadPerPeerPerFile = 2

	// MaxBigicon is the size limit (in KiB) above which a player file's
	// big icon entry is stripped during standalone optimization.
	MaxBigicon = 20
)

const (
	// LoadTimeout is how long an outstanding chunk request may stay
	// unanswered before its slot is freed for re-request.
	LoadTimeout = 60 * time.Second

	// DiscoverTimeout removes a loading resource that found no source.
	DiscoverTimeout = 10 * time.Second

	// DiscoverInterval and StatusInterval are the periodic broadcast
	// cadences driven by the timer tick.
	DiscoverInterval = 10 * time.Second
	StatusInterval   = time.Second

	// ResDeleteTime is the grace period between marking a resource removed
	// and unlinking it from the catalog.
	ResDeleteTime = 60 * time.Second
)

// PacketMaxLen bounds a single transport frame.
const PacketMaxLen = 32 * 1024 * 1024 // 32MB
