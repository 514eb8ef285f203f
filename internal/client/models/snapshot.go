package models

import "time"

// Snapshot is a copy of a record set that could not be persisted.
type Snapshot struct {
	Collection string    `json:"collection"`
	TakenAt    time.Time `json:"takenAt"`
	Reason     string    `json:"reason"`
	Records    []Record  `json:"records"`
}
