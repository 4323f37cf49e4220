package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// DocUpdate is the payload broadcast to sessions after a bundle.
type DocUpdate struct {
	ActionGroup *ActionGroup     `json:"actionGroup,omitempty"`
	DocActions  ActionList       `json:"docActions"`
	DocUsage    *DocUsageSummary `json:"docUsage,omitempty"`
}

// ActionGroup describes one applied bundle for undo and history views.
type ActionGroup struct {
	ActionNum     int64         `json:"actionNum"`
	ActionHash    string        `json:"actionHash"`
	Desc          string        `json:"desc"`
	Time          int64         `json:"time"`
	User          string        `json:"user"`
	Primary       bool          `json:"primaryAction"`
	Internal      bool          `json:"internal"`
	ActionSummary ActionSummary `json:"actionSummary"`
}

// ActionSummary summarizes row and column changes per table.
type ActionSummary struct {
	TableRenames [][2]string           `json:"tableRenames"`
	TableDeltas  map[string]TableDelta `json:"tableDeltas"`
}

// TableDelta lists the rows touched in one table.
type TableDelta struct {
	AddRows    []int64 `json:"addRows"`
	UpdateRows []int64 `json:"updateRows"`
	RemoveRows []int64 `json:"removeRows"`
}

// EmptyActionSummary returns a summary that reveals nothing.
func EmptyActionSummary() ActionSummary {
	return ActionSummary{TableRenames: [][2]string{}, TableDeltas: map[string]TableDelta{}}
}

// UsageValue is a usage figure that may be hidden from the recipient.
type UsageValue struct {
	Value  int64
	Hidden bool
}

// HiddenUsage is the value sent to sessions that may not see usage figures.
var HiddenUsage = UsageValue{Hidden: true}

// Usage wraps a visible usage figure.
func Usage(v int64) *UsageValue { return &UsageValue{Value: v} }

// MarshalJSON encodes the value as a number or the string "hidden".
func (u UsageValue) MarshalJSON() ([]byte, error) {
	if u.Hidden {
		return []byte(`"hidden"`), nil
	}
	return json.Marshal(u.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (u *UsageValue) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte(`"hidden"`)) {
		*u = HiddenUsage
		return nil
	}
	var v int64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decode usage value: %w", err)
	}
	*u = UsageValue{Value: v}
	return nil
}

// DocUsageSummary reports document size figures and the data limit state.
type DocUsageSummary struct {
	DataLimitStatus      *string     `json:"dataLimitStatus"`
	RowCount             *UsageValue `json:"rowCount,omitempty"`
	DataSizeBytes        *UsageValue `json:"dataSizeBytes,omitempty"`
	AttachmentsSizeBytes *UsageValue `json:"attachmentsSizeBytes,omitempty"`
}
