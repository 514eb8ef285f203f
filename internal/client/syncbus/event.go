// Package syncbus keeps sibling processes that share one local store
// coherent. A process that wrote a collection broadcasts a small
// notification; receivers debounce bursts, re-read the collection from the
// store and then tell the UI to refresh. Notifications never carry records.
package syncbus

import "time"

const EventStorageUpdated = "storage-updated"

type Event struct {
	Type        string `json:"type"`
	Timestamp   int64  `json:"timestamp"`
	RecordCount int    `json:"recordCount"`
	Collection  string `json:"collection,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

func NewEvent(collection string, recordCount int, now time.Time) Event {
	return Event{
		Type:        EventStorageUpdated,
		Timestamp:   now.UnixMilli(),
		RecordCount: recordCount,
		Collection:  collection,
	}
}
