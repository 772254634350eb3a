package auth

import (
	"fmt"
	"time"
)

type UsageStats struct {
	LastUsed      time.Time
	CooldownUntil time.Time
	ErrorCount    int
}

// Profile is one API key of a provider. Keys are resolved from config
// (with ${ENV} expansion) at startup and held in memory only.
type Profile struct {
	ID         string
	ProviderID string
	Key        string
	Stats      UsageStats
}

func (p *Profile) InCooldown(now time.Time) bool {
	return !p.Stats.CooldownUntil.IsZero() && now.Before(p.Stats.CooldownUntil)
}

func (p *Profile) Available(now time.Time) bool {
	return !p.InCooldown(now)
}

const maskSuffix = "***"

// MaskedKey shows at most the first 6 characters of the key.
func (p *Profile) MaskedKey() string {
	if p.Key == "" {
		return ""
	}
	visible := 6
	if len(p.Key) <= visible {
		return maskSuffix
	}
	return p.Key[:visible] + maskSuffix
}

// ProfilesFor builds one profile per non-empty key, with ids
// "<provider>:<n>". A provider without keys gets a single keyless profile so
// local endpoints (Ollama) can still be selected.
func ProfilesFor(providerID string, keys ...string) []*Profile {
	var out []*Profile
	for _, k := range keys {
		if k == "" {
			continue
		}
		out = append(out, &Profile{ID: fmt.Sprintf("%s:%d", providerID, len(out)), ProviderID: providerID, Key: k})
	}
	if len(out) == 0 {
		out = append(out, &Profile{ID: providerID + ":default", ProviderID: providerID})
	}
	return out
}
