// Package tier maps Stripe price identifiers to subscription tiers and tiers
// to the resource ceilings they unlock. Nothing in this package performs I/O.
package tier

import "strings"

type Tier string

const (
	Free        Tier = "free"
	Premium     Tier = "premium"
	SquadLeader Tier = "squad_leader"
	Club        Tier = "club"
)

// LowestPaid is assigned when a price identifier is not configured.
const LowestPaid = Premium

var maxMembers = map[Tier]int{
	Free:        10,
	Premium:     20,
	SquadLeader: 50,
	Club:        100,
}

// Parse accepts the wire spelling of a tier.
func Parse(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	_, ok := maxMembers[t]
	return t, ok
}

func (t Tier) IsPaid() bool {
	_, ok := maxMembers[t]
	return ok && t != Free
}

func (t Tier) String() string { return string(t) }

// MaxMembers returns the member ceiling for t. Unknown tiers get the free
// ceiling.
func MaxMembers(t Tier) int {
	if n, ok := maxMembers[t]; ok {
		return n
	}
	return maxMembers[Free]
}

// Entitlement is everything a group record derives from its tier.
type Entitlement struct {
	Tier       Tier
	IsPremium  bool
	MaxMembers int
}

func EntitlementFor(t Tier) Entitlement {
	if _, ok := maxMembers[t]; !ok {
		t = Free
	}
	return Entitlement{
		Tier:       t,
		IsPremium:  t.IsPaid(),
		MaxMembers: MaxMembers(t),
	}
}

// Source records how a Resolution was reached.
type Source string

const (
	SourceMetadata Source = "metadata"
	SourcePrice    Source = "price"
	SourceFallback Source = "fallback"
)

type Resolution struct {
	Tier   Tier
	Source Source
}

// Resolver maps price identifiers to tiers. Several prices (monthly and
// yearly variants) may map to the same tier.
type Resolver struct {
	prices map[string]Tier
}

// NewResolver copies prices, dropping empty ids and non-paid tiers.
func NewResolver(prices map[string]Tier) *Resolver {
	r := &Resolver{prices: make(map[string]Tier, len(prices))}
	for id, t := range prices {
		id = strings.TrimSpace(id)
		if id == "" || !t.IsPaid() {
			continue
		}
		r.prices[id] = t
	}
	return r
}

// Lookup reports the tier configured for priceID.
func (r *Resolver) Lookup(priceID string) (Tier, bool) {
	t, ok := r.prices[strings.TrimSpace(priceID)]
	return t, ok
}

// Resolve picks the tier for a subscription. An explicit paid tier in event
// metadata wins over the price mapping; an unrecognized price falls back to
// LowestPaid and is reported with SourceFallback.
func (r *Resolver) Resolve(metadataTier, priceID string) Resolution {
	if t, ok := Parse(metadataTier); ok && t.IsPaid() {
		return Resolution{Tier: t, Source: SourceMetadata}
	}
	if t, ok := r.Lookup(priceID); ok {
		return Resolution{Tier: t, Source: SourcePrice}
	}
	return Resolution{Tier: LowestPaid, Source: SourceFallback}
}
