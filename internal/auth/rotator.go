package auth

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Rotator hands out provider keys. A pipeline run sticks to the key it was
// first given until that key fails; failing keys cool down with exponential
// backoff. Safe for concurrent runs.
type Rotator struct {
	mu       sync.Mutex
	profiles map[string][]*Profile // keyed by provider ID
	pinned   map[string]string     // pinKey(run, provider) -> profile ID
	cooldown CooldownConfig
}

func NewRotator(cfg CooldownConfig) *Rotator {
	return &Rotator{
		profiles: make(map[string][]*Profile),
		pinned:   make(map[string]string),
		cooldown: cfg,
	}
}

func (r *Rotator) Add(profiles ...*Profile) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range profiles {
		r.profiles[p.ProviderID] = append(r.profiles[p.ProviderID], p)
	}
}

// Select returns a snapshot of the profile to use for providerID. runID may
// be empty.
func (r *Rotator) Select(providerID, runID string, now time.Time) (Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pin := pinKey(runID, providerID)
	if pinnedID, ok := r.pinned[pin]; ok && runID != "" {
		if p := r.find(providerID, pinnedID); p != nil && p.Available(now) {
			p.Stats.LastUsed = now
			return *p, nil
		}
		delete(r.pinned, pin)
	}

	profiles := r.profiles[providerID]
	if len(profiles) == 0 {
		return Profile{}, fmt.Errorf("no auth profiles for provider %q", providerID)
	}
	available := make([]*Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.Available(now) {
			available = append(available, p)
		}
	}
	if len(available) == 0 {
		return Profile{}, fmt.Errorf("all auth profiles for provider %q are in cooldown", providerID)
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].Stats.LastUsed.Before(available[j].Stats.LastUsed)
	})

	selected := available[0]
	selected.Stats.LastUsed = now
	if runID != "" {
		r.pinned[pin] = selected.ID
	}
	return *selected, nil
}

// Failed puts the profile into cooldown.
func (r *Rotator) Failed(providerID, profileID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.find(providerID, profileID)
	if p == nil {
		return
	}
	p.Stats.ErrorCount++
	p.Stats.CooldownUntil = now.Add(r.cooldown.duration(p.Stats.ErrorCount))
}

// Succeeded clears the profile's error state.
func (r *Rotator) Succeeded(providerID, profileID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.find(providerID, profileID); p != nil {
		p.Stats.ErrorCount = 0
		p.Stats.CooldownUntil = time.Time{}
	}
}

// Release forgets the keys pinned for the run, for every provider.
func (r *Rotator) Release(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := runID + "\x00"
	for k := range r.pinned {
		if strings.HasPrefix(k, prefix) {
			delete(r.pinned, k)
		}
	}
}

// pinKey scopes a pin to one provider so a run that alternates providers
// keeps one key per provider.
func pinKey(runID, providerID string) string {
	return runID + "\x00" + providerID
}

func (r *Rotator) AllInCooldown(providerID string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.profiles[providerID] {
		if p.Available(now) {
			return false
		}
	}
	return true
}

func (r *Rotator) find(providerID, profileID string) *Profile {
	for _, p := range r.profiles[providerID] {
		if p.ID == profileID {
			return p
		}
	}
	return nil
}
