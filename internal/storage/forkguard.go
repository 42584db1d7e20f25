package storage

import "database/sql"

// defaultMaxIdle matches the database/sql default.
const defaultMaxIdle = 2

// ForkGuard releases pooled database connections around worker process
// creation. A pooled connection descriptor shared across a fork boundary is
// a correctness hazard: two processes speaking over the same socket produce
// protocol desynchronization and corrupt data. The pool calls
// ReleaseBeforeFork immediately before every spawn, and MarkStale after an
// unexpected dispatch failure so wedged connections get replaced.
type ForkGuard struct {
	db      *sql.DB
	maxIdle int
}

func NewForkGuard(db *sql.DB) *ForkGuard {
	return &ForkGuard{db: db, maxIdle: defaultMaxIdle}
}

// ReleaseBeforeFork closes all idle pooled connections. In-use connections
// cannot be closed mid-statement; the pool never spawns while a store call is
// in flight on the same goroutine.
func (g *ForkGuard) ReleaseBeforeFork() {
	if g == nil || g.db == nil {
		return
	}
	// Dropping the idle ceiling to zero closes every idle connection; the
	// follow-up restores normal pooling for subsequent queries.
	g.db.SetMaxIdleConns(0)
	g.db.SetMaxIdleConns(g.maxIdle)
}

// MarkStale discards pooled connections after a dispatch failure that may
// have left them in an unusable state.
func (g *ForkGuard) MarkStale() {
	g.ReleaseBeforeFork()
}
