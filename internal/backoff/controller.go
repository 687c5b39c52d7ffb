// Package backoff decides which identity to use next and how long to wait between cycles.
package backoff

import (
	"math"
	"sync"
	"time"

	"list_harvester/internal/domain"
	"list_harvester/internal/identity"
)

type State int

const (
	StateNormal State = iota
	StateBackoff
	StateSwitchingIdentity
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateBackoff:
		return "backoff"
	case StateSwitchingIdentity:
		return "switching_identity"
	default:
		return "unknown"
	}
}

type Config struct {
	BaseInterval          time.Duration
	MaxWait               time.Duration
	SwitchAfter           int
	PartialEmptyThreshold int
	PartialEmptyFactor    float64
	TimeoutCooldown       time.Duration
	ErrorCooldown         time.Duration
	EmptyCooldown         time.Duration
}

// Decision is what the controller concluded from one observed outcome.
type Decision struct {
	State    State
	Level    int
	Wait     time.Duration
	Switched bool
	Identity *identity.Identity
}

// Controller is the only component that mutates identity cooldown state.
type Controller struct {
	cfg  Config
	pool *identity.Pool
	now  func() time.Time

	mu          sync.Mutex
	state       State
	level       int
	emptyStreak int
	current     *identity.Identity
}

func NewController(cfg Config, pool *identity.Pool) *Controller {
	if cfg.SwitchAfter <= 0 {
		cfg.SwitchAfter = 3
	}
	if cfg.PartialEmptyThreshold <= 0 {
		cfg.PartialEmptyThreshold = 3
	}
	if cfg.PartialEmptyFactor <= 1 {
		cfg.PartialEmptyFactor = 1.5
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Minute
	}
	return &Controller{cfg: cfg, pool: pool, now: time.Now}
}

// Acquire returns the identity for the next cycle and marks it used. It returns nil only for
// an empty pool.
func (c *Controller) Acquire() *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.current != nil && !c.pool.CoolingDown(c.current.Name):
	case c.current != nil:
		if best := c.pool.SelectBest(); best != nil {
			c.current = best
		}
	default:
		c.current = c.pool.SelectBest()
		if c.current == nil {
			c.current = c.pool.Soonest()
		}
	}

	if c.current != nil {
		c.pool.MarkUsed(c.current.Name, c.now())
	}
	return c.current
}

// Observe feeds one cycle outcome for the given identity into the state machine.
func (c *Controller) Observe(id *identity.Identity, outcome domain.Outcome) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	if id != nil {
		c.current = id
	}
	name := ""
	if c.current != nil {
		name = c.current.Name
	}

	switch outcome {
	case domain.OutcomeSuccess:
		c.pool.MarkSuccess(name)
		c.reset()
		return c.decision(c.cfg.BaseInterval, false)

	case domain.OutcomePartialEmpty:
		c.level++
		c.emptyStreak++
		if c.emptyStreak >= c.cfg.PartialEmptyThreshold {
			return c.switchIdentity(name, c.cfg.EmptyCooldown, c.cfg.PartialEmptyFactor)
		}
		c.state = StateBackoff
		return c.decision(c.wait(c.cfg.PartialEmptyFactor), false)

	default:
		c.level++
		c.emptyStreak = 0
		errs := c.pool.MarkError(name)
		if outcome == domain.OutcomeTimeout {
			c.pool.MarkRateLimited(name, c.cfg.TimeoutCooldown)
		}
		if errs >= c.cfg.SwitchAfter {
			return c.switchIdentity(name, c.cfg.ErrorCooldown, 2)
		}
		c.state = StateBackoff
		return c.decision(c.wait(2), false)
	}
}

// ProbeSucceeded lowers the backoff level by one.
func (c *Controller) ProbeSucceeded() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.level > 0 {
		c.level--
	}
	if c.level == 0 && c.state == StateBackoff {
		c.state = StateNormal
	}
}

// Status returns the current state and level.
func (c *Controller) Status() (State, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state, c.level
}

func (c *Controller) BaseInterval() time.Duration {
	return c.cfg.BaseInterval
}

func (c *Controller) Current() *identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

func (c *Controller) switchIdentity(name string, cooldown time.Duration, factor float64) Decision {
	c.state = StateSwitchingIdentity
	c.pool.MarkRateLimited(name, cooldown)

	next := c.pool.SelectBest(name)
	if next == nil {
		c.state = StateBackoff
		return c.decision(c.wait(factor), false)
	}

	c.current = next
	c.reset()
	return c.decision(c.cfg.BaseInterval, true)
}

func (c *Controller) reset() {
	c.state = StateNormal
	c.level = 0
	c.emptyStreak = 0
}

// wait is base * factor^(level-1), capped at MaxWait.
func (c *Controller) wait(factor float64) time.Duration {
	if c.level <= 0 {
		return c.cfg.BaseInterval
	}
	mult := math.Pow(factor, float64(c.level-1))
	w := time.Duration(float64(c.cfg.BaseInterval) * mult)
	if w > c.cfg.MaxWait || w <= 0 {
		return c.cfg.MaxWait
	}
	return w
}

func (c *Controller) decision(wait time.Duration, switched bool) Decision {
	return Decision{
		State:    c.state,
		Level:    c.level,
		Wait:     wait,
		Switched: switched,
		Identity: c.current,
	}
}
