package messaging

import "time"

// TemplateSwitchEvent is published when the coordinator adopts a new unit
// of work.
type TemplateSwitchEvent struct {
	Height     int64     `json:"height"`
	PrevHash   string    `json:"prev_hash"`
	Reason     string    `json:"reason"`
	SwitchedAt time.Time `json:"switched_at"`
}

// ShareEvent is published for every share submission outcome.
type ShareEvent struct {
	Height      int64     `json:"height"`
	Nonce       uint64    `json:"nonce"`
	PowHash     string    `json:"pow_hash"`
	Status      string    `json:"status"` // "accepted", "rejected", "stale", "error"
	Message     string    `json:"message,omitempty"`
	FoundAt     time.Time `json:"found_at"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// HealthEvent is published on daemon state transitions.
type HealthEvent struct {
	State     string    `json:"state"`
	Detail    string    `json:"detail,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}
