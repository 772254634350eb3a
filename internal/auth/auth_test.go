package auth

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfilesFor(t *testing.T) {
	ps := ProfilesFor("openai", "sk-aaaaaaaa", "", "sk-bbbbbbbb")
	require.Len(t, ps, 2)
	assert.Equal(t, "openai:0", ps[0].ID)
	assert.Equal(t, "openai:1", ps[1].ID)
	assert.Equal(t, "sk-aaa***", ps[0].MaskedKey())

	ps = ProfilesFor("ollama")
	require.Len(t, ps, 1)
	assert.Equal(t, "ollama:default", ps[0].ID)
	assert.Empty(t, ps[0].MaskedKey())
}

func TestCooldownBackoff(t *testing.T) {
	cfg := CooldownConfig{Initial: time.Minute, Max: 30 * time.Minute, Multiplier: 5}
	assert.Equal(t, time.Minute, cfg.duration(1))
	assert.Equal(t, 5*time.Minute, cfg.duration(2))
	assert.Equal(t, 25*time.Minute, cfg.duration(3))
	assert.Equal(t, 30*time.Minute, cfg.duration(10))
}

func TestRotatorOldestFirstAndPinning(t *testing.T) {
	r := NewRotator(DefaultCooldownConfig())
	r.Add(ProfilesFor("openai", "k0", "k1")...)
	now := time.Now()

	p, err := r.Select("openai", "run-a", now)
	require.NoError(t, err)
	assert.Equal(t, "openai:0", p.ID)

	p, err = r.Select("openai", "run-b", now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "openai:1", p.ID, "least recently used key goes to a new run")

	p, err = r.Select("openai", "run-a", now.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "openai:0", p.ID, "run keeps its key")
}

func TestRotatorPinsPerProvider(t *testing.T) {
	r := NewRotator(DefaultCooldownConfig())
	r.Add(ProfilesFor("openai", "k0", "k1")...)
	r.Add(ProfilesFor("anthropic", "a0")...)
	now := time.Now()
	at := func(s int) time.Time { return now.Add(time.Duration(s) * time.Second) }

	p, err := r.Select("openai", "run-a", at(0))
	require.NoError(t, err)
	require.Equal(t, "openai:0", p.ID)
	_, err = r.Select("openai", "run-b", at(1))
	require.NoError(t, err)
	_, err = r.Select("openai", "run-a", at(2))
	require.NoError(t, err)

	p, err = r.Select("anthropic", "run-a", at(3))
	require.NoError(t, err)
	assert.Equal(t, "anthropic:0", p.ID)

	p, err = r.Select("openai", "run-a", at(4))
	require.NoError(t, err)
	assert.Equal(t, "openai:0", p.ID, "switching provider must not drop the openai pin")

	r.Release("run-a")
	p, err = r.Select("openai", "run-a", at(5))
	require.NoError(t, err)
	assert.Equal(t, "openai:1", p.ID, "released run picks the least recently used key")
	r.mu.Lock()
	_, stale := r.pinned[pinKey("run-a", "anthropic")]
	r.mu.Unlock()
	assert.False(t, stale, "release clears pins for every provider")
}

func TestRotatorCooldownMovesRun(t *testing.T) {
	r := NewRotator(CooldownConfig{Initial: time.Minute, Max: time.Hour, Multiplier: 2})
	r.Add(ProfilesFor("openai", "k0", "k1")...)
	now := time.Now()

	p, err := r.Select("openai", "run", now)
	require.NoError(t, err)
	r.Failed("openai", p.ID, now)

	next, err := r.Select("openai", "run", now)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, next.ID)

	r.Failed("openai", next.ID, now)
	assert.True(t, r.AllInCooldown("openai", now))
	_, err = r.Select("openai", "run", now)
	assert.Error(t, err)

	assert.False(t, r.AllInCooldown("openai", now.Add(2*time.Minute)))

	r.Succeeded("openai", p.ID)
	assert.False(t, r.AllInCooldown("openai", now))
}

func TestRotatorUnknownProvider(t *testing.T) {
	r := NewRotator(DefaultCooldownConfig())
	_, err := r.Select("missing", "", time.Now())
	assert.Error(t, err)
	assert.True(t, r.AllInCooldown("missing", time.Now()))
	r.Failed("missing", "x", time.Now())
	r.Release("nothing")
}

func TestRotatorConcurrentRuns(t *testing.T) {
	r := NewRotator(DefaultCooldownConfig())
	r.Add(ProfilesFor("openai", "k0", "k1", "k2")...)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run := string(rune('a' + i%8))
			p, err := r.Select("openai", run, time.Now())
			if err == nil && i%5 == 0 {
				r.Failed("openai", p.ID, time.Now())
			}
			r.Release(run)
		}(i)
	}
	wg.Wait()
}
