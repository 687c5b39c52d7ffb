package domain

import "time"

// Outcome classifies how a fetch cycle (or probe) ended.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomePartialEmpty
	OutcomeTimeout
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomePartialEmpty:
		return "partial_empty"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Hard reports whether the outcome is a strong failure signal.
func (o Outcome) Hard() bool {
	return o == OutcomeTimeout || o == OutcomeError
}

// CycleReport holds the result of one orchestrator cycle.
type CycleReport struct {
	CycleID   string
	Target    string
	Identity  string
	Transport string
	Outcome   Outcome
	New       int
	Stale     int
	Fragments int
	Gaps      int
	Passes    int
	Persisted int
	Notified  int
	Watermark ItemID
	State     string
	Level     int
	Switched  bool
	NextWait  time.Duration
	Duration  time.Duration
	Err       error
}

// SyncState is the per-target bookkeeping row kept in the backend.
type SyncState struct {
	ID           int64     `db:"id"`
	Target       string    `db:"target"`
	LastSyncedAt time.Time `db:"last_synced_at"`
	LastItemID   ItemID    `db:"last_item_id"`
	TotalSynced  int64     `db:"total_synced"`
}

// MonitorStatus is the read-only view served on the status endpoint.
type MonitorStatus struct {
	Target     string           `json:"target"`
	State      string           `json:"state"`
	Level      int              `json:"level"`
	Watermark  ItemID           `json:"watermark"`
	Current    string           `json:"current_identity,omitempty"`
	LastCycle  *CycleSummary    `json:"last_cycle,omitempty"`
	Identities []IdentityStatus `json:"identities"`
	Transports []EndpointStatus `json:"transports"`
}

type CycleSummary struct {
	CycleID   string    `json:"cycle_id"`
	Identity  string    `json:"identity"`
	Transport string    `json:"transport"`
	Outcome   string    `json:"outcome"`
	New       int       `json:"new"`
	At        time.Time `json:"at"`
}
