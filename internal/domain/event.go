package domain

import "time"

// RateLimitEvent records a failed cycle for later pattern analysis.
type RateLimitEvent struct {
	ID                  string    `db:"id"`
	OccurredAt          time.Time `db:"occurred_at"`
	Target              string    `db:"target"`
	Identity            string    `db:"identity"`
	Transport           string    `db:"transport"`
	Kind                string    `db:"kind"`
	Message             string    `db:"message"`
	ConsecutiveFailures int       `db:"consecutive_failures"`
	SinceLastSuccess    float64   `db:"since_last_success"`
}

type EventSummary struct {
	Total           int
	ByKind          map[string]int
	ByIdentity      map[string]int
	ByTransport     map[string]int
	AvgFailures     float64
	Recommendations []string
}
