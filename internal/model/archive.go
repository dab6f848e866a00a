package model

import "time"

// ArchiveCounts tallies rows moved by an archive or rollback.
type ArchiveCounts struct {
	Registrations int64 `json:"registrations"`
	Dependents    int64 `json:"dependents"`
	Conflicts     int64 `json:"conflicts"`
	ChangeRecords int64 `json:"change_records"`
}

// Total returns the number of live rows affected (change records are copied, not moved).
func (c ArchiveCounts) Total() int64 {
	return c.Registrations + c.Dependents + c.Conflicts
}

// ArchiveBatch is the unit of archival and rollback.
type ArchiveBatch struct {
	ID           string        `json:"id"`
	Reason       string        `json:"reason"`
	Selector     string        `json:"selector"`
	Counts       ArchiveCounts `json:"counts"`
	WindowFrom   string        `json:"window_from,omitempty"`
	WindowTo     string        `json:"window_to,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	RolledBackAt *time.Time    `json:"rolled_back_at,omitempty"`
}
