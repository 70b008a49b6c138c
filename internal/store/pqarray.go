package store

import "github.com/lib/pq"

// pqStringArray adapts a []string for use as a Postgres text[] bind
// parameter (e.g. "WHERE id = ANY($1)").
func pqStringArray(ss []string) interface{} {
	return pq.Array(ss)
}
