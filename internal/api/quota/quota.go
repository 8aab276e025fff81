// Package quota decides whether a tenant may submit a batch right now.
// The engine holds no usage state: callers supply the number of batches
// the tenant created inside the window.
package quota

import (
	"fmt"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/config"
)

// DefaultWindow is the rolling window of the hourly request cap
const DefaultWindow = time.Hour

// Policy holds the limits of one tier
type Policy struct {
	RequestsPerHour   int
	MaxJobsPerRequest int
}

// Engine applies tier policies
type Engine struct {
	policies map[domain.Tier]Policy
	fallback domain.Tier
	window   time.Duration
}

// NewEngine builds an engine over policies. Tiers missing from the table
// are held to the free tier policy when one exists.
func NewEngine(policies map[domain.Tier]Policy, window time.Duration) *Engine {
	if window <= 0 {
		window = DefaultWindow
	}
	table := make(map[domain.Tier]Policy, len(policies))
	for tier, p := range policies {
		table[tier] = p
	}
	return &Engine{policies: table, fallback: domain.TierFree, window: window}
}

// PoliciesFromConfig converts the tiers config block
func PoliciesFromConfig(tiers map[string]config.TierConfig) map[domain.Tier]Policy {
	policies := make(map[domain.Tier]Policy, len(tiers))
	for name, t := range tiers {
		policies[domain.Tier(name)] = Policy{
			RequestsPerHour:   t.RequestsPerHour,
			MaxJobsPerRequest: t.MaxJobsPerRequest,
		}
	}
	return policies
}

// Window is the length of the rolling frequency window
func (e *Engine) Window() time.Duration {
	return e.window
}

// WindowStart is the oldest creation time still counted at now
func (e *Engine) WindowStart(now time.Time) time.Time {
	return now.Add(-e.window)
}

// Policy returns the limits applied to tier
func (e *Engine) Policy(tier domain.Tier) (Policy, error) {
	if p, ok := e.policies[tier]; ok {
		return p, nil
	}
	if p, ok := e.policies[e.fallback]; ok {
		return p, nil
	}
	return Policy{}, fmt.Errorf("no quota policy for tier %q", tier)
}

// CheckSize rejects a batch larger than the tier's per-request cap. It
// does not look at history.
func (e *Engine) CheckSize(tier domain.Tier, jobs int) error {
	p, err := e.Policy(tier)
	if err != nil {
		return domain.Internal("quota policy unavailable", err)
	}
	if jobs > p.MaxJobsPerRequest {
		return domain.BatchTooLarge(tier, jobs, p.MaxJobsPerRequest)
	}
	return nil
}

// CheckFrequency rejects a batch when the tenant already created
// requests_per_hour batches inside the window.
func (e *Engine) CheckFrequency(tier domain.Tier, recent int) error {
	p, err := e.Policy(tier)
	if err != nil {
		return domain.Internal("quota policy unavailable", err)
	}
	if recent >= p.RequestsPerHour {
		return domain.TooManyRequests(tier, p.RequestsPerHour)
	}
	return nil
}
