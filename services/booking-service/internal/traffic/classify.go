// Package traffic throttles requests per tier before they reach booking logic.
package traffic

import (
	"strings"
	"time"
)

type Tier string

const (
	TierAuth          Tier = "auth"
	TierBatch         Tier = "batch"
	TierStandard      Tier = "standard"
	TierGuest         Tier = "guest"
	TierPasswordReset Tier = "password_reset"
	TierVerification  Tier = "verification"
)

var AllTiers = []Tier{TierAuth, TierBatch, TierStandard, TierGuest, TierPasswordReset, TierVerification}

type Limit struct {
	Requests int
	Window   time.Duration
}

// DefaultLimits returns a fresh copy of the built-in quotas.
func DefaultLimits() map[Tier]Limit {
	return map[Tier]Limit{
		TierAuth:          {Requests: 5, Window: time.Minute},
		TierBatch:         {Requests: 10, Window: time.Minute},
		TierStandard:      {Requests: 60, Window: time.Minute},
		TierGuest:         {Requests: 20, Window: time.Minute},
		TierPasswordReset: {Requests: 5, Window: time.Minute},
		TierVerification:  {Requests: 3, Window: time.Minute},
	}
}

type Request struct {
	Path   string
	Method string
	IP     string
	UserID string
}

type Classification struct {
	Tier Tier   `json:"tier"`
	Key  string `json:"key"`
}

// CounterKey namespaces the budget key by tier.
func (c Classification) CounterKey() string {
	return "tier:" + string(c.Tier) + ":" + c.Key
}

var (
	authSegments  = []string{"auth", "login", "logout", "register", "signin", "signup", "refresh"}
	batchSegments = []string{"batch", "bulk"}
)

// Classify assigns the first matching tier: auth paths, batch paths,
// authenticated callers, then guests.
func Classify(r Request) Classification {
	ip := r.IP
	if ip == "" {
		ip = "unknown"
	}
	segments := pathSegments(r.Path)
	switch {
	case hasAny(segments, authSegments):
		return Classification{Tier: TierAuth, Key: ip}
	case hasAny(segments, batchSegments):
		if r.UserID != "" {
			return Classification{Tier: TierBatch, Key: r.UserID}
		}
		return Classification{Tier: TierBatch, Key: ip}
	case r.UserID != "":
		return Classification{Tier: TierStandard, Key: r.UserID}
	default:
		return Classification{Tier: TierGuest, Key: ip}
	}
}

// ClassifyPasswordReset keys reset requests by normalised email so one
// address cannot be flooded from many IPs.
func ClassifyPasswordReset(email string) Classification {
	return Classification{Tier: TierPasswordReset, Key: strings.ToLower(strings.TrimSpace(email))}
}

func ClassifyVerification(ip string) Classification {
	return Classification{Tier: TierVerification, Key: ip}
}

func pathSegments(path string) []string {
	return strings.FieldsFunc(strings.ToLower(path), func(r rune) bool { return r == '/' })
}

func hasAny(segments, words []string) bool {
	for _, s := range segments {
		for _, w := range words {
			if s == w {
				return true
			}
		}
	}
	return false
}
