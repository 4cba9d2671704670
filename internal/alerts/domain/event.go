package alerts

import "time"

// Event is a committed alert. Rule name, severity and message are frozen at
// trigger time; only the acknowledgement fields change afterwards.
type Event struct {
	ID             int64      `json:"id"`
	RuleID         int64      `json:"rule_id"`
	RuleName       string     `json:"rule_name"`
	Kind           Kind       `json:"kind"`
	Subject        string     `json:"subject"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	Message        string     `json:"message"`
	Severity       Severity   `json:"severity"`
	Value          float64    `json:"value"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
}

// EventFilter narrows ListEvents. Zero fields are ignored.
type EventFilter struct {
	RuleID       int64
	Subject      string
	Kind         Kind
	Severity     Severity
	Acknowledged *bool
	From         time.Time
	To           time.Time
	Limit        int
}
