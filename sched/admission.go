package sched

import "fmt"

// DefaultTierLimits caps concurrent (queued + active) requests per user
// by service tier.
var DefaultTierLimits = map[string]int{
	"free":       3,
	"premium":    8,
	"enterprise": 15,
}

// DefaultGlobalBacklog is the total queued-request ceiling across all lanes.
const DefaultGlobalBacklog = 100

// ReasonSystemOverloaded is the rejection reason for the global backlog
// ceiling. It is a system-capacity condition, distinct from per-user
// throttling, and the HTTP layer maps it accordingly.
const ReasonSystemOverloaded = "System overloaded, please try again later"

// Admission gates incoming requests on per-user tier quotas and the
// global backlog ceiling. Both checks are evaluated at submission time
// only; rejected callers must resubmit, no backoff is applied here.
type Admission struct {
	TierLimits    map[string]int
	GlobalBacklog int
}

// NewAdmission returns an Admission with the given limits; nil tier
// limits and a non-positive backlog fall back to defaults.
func NewAdmission(tierLimits map[string]int, globalBacklog int) *Admission {
	if tierLimits == nil {
		tierLimits = DefaultTierLimits
	}
	if globalBacklog <= 0 {
		globalBacklog = DefaultGlobalBacklog
	}
	return &Admission{TierLimits: tierLimits, GlobalBacklog: globalBacklog}
}

// TierLimit returns the concurrency limit for a tier; unknown tiers get
// the free-tier limit.
func (a *Admission) TierLimit(tier string) int {
	if limit, ok := a.TierLimits[tier]; ok {
		return limit
	}
	return a.TierLimits["free"]
}

// Admit decides whether a request may enter the queues given the user's
// current active+queued count and the total queued count across lanes.
// The returned reason is user-facing and includes the violated limit.
func (a *Admission) Admit(req *GenerationRequest, userActive, totalQueued int) (bool, string) {
	limit := a.TierLimit(req.Tier)
	if userActive >= limit {
		return false, fmt.Sprintf("User rate limit exceeded (%d concurrent requests)", limit)
	}
	if totalQueued > a.GlobalBacklog {
		return false, ReasonSystemOverloaded
	}
	return true, ""
}
