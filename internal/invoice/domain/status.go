package domain

import "time"

// StatusFacts are the inputs to status derivation. Transitions are driven
// by facts, not commands: the caller states what is true about the
// document and the derivation decides the status.
type StatusFacts struct {
	Current Status
	Due     DueFacts
	DueDate *time.Time
	Today   time.Time
}

type DueFacts struct {
	// Zero reports whether the recomputed due amount is <= 0.
	Zero bool
}

// Facts assembles StatusFacts from the invoice at a given instant.
func (i Invoice) Facts(today time.Time) StatusFacts {
	return StatusFacts{
		Current: i.Status,
		Due:     DueFacts{Zero: !i.DueAmount().IsPositive()},
		DueDate: i.DueDate,
		Today:   today,
	}
}

// DeriveStatus computes the invoice status from facts. Terminal states win
// over any recomputation; a settled due amount wins over the due date; an
// overdue date only matters while money is outstanding.
func DeriveStatus(f StatusFacts) Status {
	if f.Current.Terminal() {
		return f.Current
	}
	if f.Due.Zero {
		return StatusPaid
	}
	if f.Current == StatusPaid {
		// paid regressed: money was clawed back without a terminal credit
		if f.DueDate != nil && f.Today.After(*f.DueDate) {
			return StatusOverdue
		}
		return StatusSent
	}
	if f.DueDate != nil && f.Today.After(*f.DueDate) {
		return StatusOverdue
	}
	return f.Current
}
