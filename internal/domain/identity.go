package domain

import "time"

// Fingerprint is the client profile presented by one identity.
type Fingerprint struct {
	UserAgent      string `yaml:"user_agent" json:"user_agent"`
	Locale         string `yaml:"locale" json:"locale"`
	Timezone       string `yaml:"timezone" json:"timezone"`
	ViewportWidth  int    `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height" json:"viewport_height"`
}

// IdentityStatus is a read-only snapshot of an identity's cooldown state.
type IdentityStatus struct {
	Name              string     `json:"name"`
	Transports        []string   `json:"transports"`
	RateLimitedUntil  *time.Time `json:"rate_limited_until,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	LastSuccessAt     *time.Time `json:"last_success_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	CoolingDown       bool       `json:"cooling_down"`
}

// EndpointStatus is a read-only snapshot of a transport endpoint's health.
type EndpointStatus struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Healthy      bool      `json:"healthy"`
	LastIP       string    `json:"last_ip,omitempty"`
	LastChecked  time.Time `json:"last_checked,omitempty"`
	FailureCount int       `json:"failure_count"`
}
