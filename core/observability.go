package core

// PoolStats represents runtime observability state for a worker pool.
type PoolStats struct {
	ID       string
	Workers  int
	Queued   int
	Active   int
	Delayed  int
	Rejected int64
	Running  bool
}
