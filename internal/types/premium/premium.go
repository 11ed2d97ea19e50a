package premium

import (
	"strings"
	"time"

	"squadPlannerAPI/internal/tier"
)

type GroupKind string

const (
	KindSquad GroupKind = "squad"
	KindGuild GroupKind = "guild"
)

const guildIDPrefix = "guild:"

// OwnedGroup is a member-capped resource whose ceiling is gated by a tier:
// a web squad or a Discord server subscription.
type OwnedGroup struct {
	ID         string    `json:"id" db:"id"`
	Kind       GroupKind `json:"kind" db:"kind"`
	ExternalID string    `json:"externalId,omitempty" db:"external_id"`
	Tier       tier.Tier `json:"tier" db:"tier"`
	IsPremium  bool      `json:"isPremium" db:"is_premium"`
	MaxMembers int       `json:"maxMembers" db:"max_members"`
	UpdatedAt  time.Time `json:"updatedAt" db:"updated_at"`
}

// Entitlement projects the tier-derived fields of the group.
func (g *OwnedGroup) Entitlement() tier.Entitlement {
	return tier.Entitlement{Tier: g.Tier, IsPremium: g.IsPremium, MaxMembers: g.MaxMembers}
}

// GuildGroupID is the owned-group id used for a Discord guild.
func GuildGroupID(guildID string) string {
	return guildIDPrefix + guildID
}

// GuildIDFromGroupID reverses GuildGroupID.
func GuildIDFromGroupID(groupID string) (string, bool) {
	guildID, ok := strings.CutPrefix(groupID, guildIDPrefix)
	return guildID, ok && guildID != ""
}

// GuildEntitlement is what the bot reads to gate premium commands.
type GuildEntitlement struct {
	GuildID    string    `json:"guildId"`
	Tier       tier.Tier `json:"tier"`
	IsPremium  bool      `json:"isPremium"`
	MaxMembers int       `json:"maxMembers"`
}
