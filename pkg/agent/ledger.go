package agent

import (
	"synapse/pkg/llm"
)

// Ledger accumulates the usage of one run: every extension sub-call and
// every model round adds into one running total, with no discounting or
// deduplication. Totals never decrease; there is no reset.
//
// A Ledger is owned by its run goroutine for the lifetime of the run, so
// it carries no locking.
type Ledger struct {
	total llm.Usage
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Add folds a usage record into the running total. Nil is a no-op.
func (l *Ledger) Add(u *llm.Usage) {
	l.total.Add(u)
}

// Snapshot returns a copy of the current total without resetting it.
func (l *Ledger) Snapshot() llm.Usage {
	return l.total
}
