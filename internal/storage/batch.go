package storage

// BatchOptions configures a facade-level batch scope: many writes
// landing atomically under a single suppressed-commit-per-call window,
// for any sequence of facade calls sharing one transaction.
type BatchOptions struct {
	// ContinueOnError is declared but not read anywhere: Tract.Batch
	// takes no BatchOptions, and a batch whose function returns an error
	// is rolled back as a unit.
	ContinueOnError bool
}
