package enums

import "fmt"

// EventType is the funnel step recorded in the events table.
type EventType string

const (
	EventTypeView     EventType = "view"
	EventTypeCart     EventType = "cart"
	EventTypePurchase EventType = "purchase"
)

var validEventTypes = []EventType{
	EventTypeView,
	EventTypeCart,
	EventTypePurchase,
}

// String implements fmt.Stringer.
func (e EventType) String() string {
	return string(e)
}

// IsValid reports whether the value is one of the funnel steps.
func (e EventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// Rank orders funnel steps: view < cart < purchase. Unknown values rank last.
func (e EventType) Rank() int {
	for i, candidate := range validEventTypes {
		if candidate == e {
			return i
		}
	}
	return len(validEventTypes)
}

// ParseEventType converts raw input into EventType.
func ParseEventType(value string) (EventType, error) {
	for _, candidate := range validEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid event type %q", value)
}
