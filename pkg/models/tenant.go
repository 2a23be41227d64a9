// Package models provides domain types for the agent bridge control plane.
package models

import "strings"

// Tier is an ordered capability level gating which agents a tenant may invoke.
type Tier string

const (
	TierBasic    Tier = "basic"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

var tierRanks = map[Tier]int{
	TierBasic:    0,
	TierStandard: 1,
	TierPremium:  2,
}

// Rank returns the tier's position in the total order basic < standard < premium.
// Unknown tiers rank below basic so a malformed claim never gains access.
func (t Tier) Rank() int {
	if rank, ok := tierRanks[t]; ok {
		return rank
	}
	return -1
}

// Valid reports whether t is one of the defined tiers.
func (t Tier) Valid() bool {
	_, ok := tierRanks[t]
	return ok
}

// AtLeast reports whether t meets or exceeds the minimum tier.
// Comparison is by rank, never by string equality.
func (t Tier) AtLeast(minimum Tier) bool {
	return t.Rank() >= minimum.Rank()
}

// ParseTier normalizes a tier claim value. Unknown values fall back to basic
// so that a garbled claim degrades to the least-privileged tier.
func ParseTier(s string) Tier {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return TierBasic
}

// TenantContext identifies the caller for a single request. It is built once
// per request from claims an upstream authenticator already validated, and is
// never persisted.
type TenantContext struct {
	TenantID string
	AppID    string
	Tier     Tier
	Subject  string
	Roles    []string
}

// RoleAdmin marks platform operators; it gates the unscoped scan and the
// operator job override.
const RoleAdmin = "platform.admin"

// HasRole reports whether the caller carries the named role.
func (c TenantContext) HasRole(role string) bool {
	for _, r := range c.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the caller may use operator-only surfaces.
func (c TenantContext) IsAdmin() bool {
	return c.HasRole(RoleAdmin)
}
