package auth

import "time"

type CooldownConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier int
}

func DefaultCooldownConfig() CooldownConfig {
	return CooldownConfig{
		Initial:    30 * time.Second,
		Max:        10 * time.Minute,
		Multiplier: 4,
	}
}

// duration is the cooldown after the n-th consecutive failure.
func (c CooldownConfig) duration(errorCount int) time.Duration {
	d := c.Initial
	for i := 1; i < errorCount; i++ {
		d *= time.Duration(c.Multiplier)
		if d > c.Max {
			return c.Max
		}
	}
	return d
}
