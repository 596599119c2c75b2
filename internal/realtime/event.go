// Package realtime pushes item changes to observers. A Broker fans events out
// per item; a Channel keeps the latest snapshot of one item for one observer.
package realtime

import "lostfound/api/internal/claims"

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const itemsTable = "items"

// Event describes a committed change to one item row. New carries the full
// row, including the derived claim count, and is nil for deletes.
type Event struct {
	Table  string       `json:"table"`
	Type   EventType    `json:"type"`
	ItemID string       `json:"itemId"`
	New    *claims.Item `json:"new,omitempty"`
}

func ItemEvent(typ EventType, item claims.Item) Event {
	return Event{Table: itemsTable, Type: typ, ItemID: item.ID, New: &item}
}

func DeleteEvent(itemID string) Event {
	return Event{Table: itemsTable, Type: EventDelete, ItemID: itemID}
}
