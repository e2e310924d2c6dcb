package postgres

import (
	"database/sql"
	"time"
)

// ShareRecord is one submitted share and the pool's verdict on it. The
// nonce is stored as hex text: it spans the full uint64 range, which does
// not fit a signed bigint.
type ShareRecord struct {
	ID          int64
	Height      int64
	NonceHex    string
	PowHash     string
	HeaderHex   string
	Status      string
	Message     sql.NullString
	FoundAt     time.Time
	SubmittedAt time.Time
}

// TemplateRecord is one adopted unit of work, kept for pool behavior
// forensics (poll cadence, tip switch latency).
type TemplateRecord struct {
	ID        int64
	Height    int64
	PrevHash  string
	Reason    string
	AdoptedAt time.Time
}
