package model

import (
	"encoding/json"
	"time"
)

type ActionKind string

const (
	ActionTextSearchCurrent  ActionKind = "text_search_current"
	ActionImageSearchCurrent ActionKind = "image_search_current"
	ActionTextSearchSold     ActionKind = "text_search_sold"
)

// Valid reports whether k is one of the metered action kinds.
// All kinds draw from the same allowance pool.
func (k ActionKind) Valid() bool {
	switch k {
	case ActionTextSearchCurrent, ActionImageSearchCurrent, ActionTextSearchSold:
		return true
	}
	return false
}

// ScanRecord is one completed metered action. Immutable once written.
type ScanRecord struct {
	ID            string          `json:"id"`
	Principal     Principal       `json:"principal"`
	ActionKind    ActionKind      `json:"action_kind"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}
