package migrations

import "sync/atomic"

// atomicInt is a small wrapper kept distinct from atomic.Int64 so
// VersionCache's zero value is immediately usable.
type atomicInt struct {
	v atomic.Int64
}

func (a *atomicInt) load() int       { return int(a.v.Load()) }
func (a *atomicInt) store(val int)   { a.v.Store(int64(val)) }
