// Package logs is the log source & merger (spec.md §4.7, module J): pulls
// each container's stdout/stderr from the backend with timestamps=true,
// merges them with a k-way timestamp merge, optionally prefixes lines
// with their source container's name, and archives terminal runs' merged
// stream as a single gzip-framed artifact once the sweeper's log-archival
// pass runs. Grounded on the teacher's Kubernetes log-tailing code for
// the per-container pull side, and on bufferprovider/cloud's minio client
// for the archive-store side (spec.md's "logs are archived to object
// storage" is a concrete instance of the same cloud-vs-local storage
// split buffers use).
package logs

import "time"

// Line is one timestamped log line from a single container source.
type Line struct {
	Timestamp time.Time
	Source    string
	Text      string
}

// StreamOptions controls how Service.Stream formats and scopes a run's
// merged log stream (spec.md §4.7).
type StreamOptions struct {
	Follow          bool
	Tail            int
	Since           int64
	PrefixSource    bool // prepend "[containerName] " when multiple containers are merged
	StripTimestamps bool
}
