package service

import (
	"fmt"
	"time"
)

// WaveConfig controls wave escalation. MaxWaves is the length of the radius schedule.
type WaveConfig struct {
	RadiusScheduleMeters []float64
	MinCandidates        int
	WaveDelay            time.Duration
	NotifyConcurrency    int
}

// DefaultWaveConfig returns the 5/10/15/25/40 km schedule with a ten minute delay.
func DefaultWaveConfig() WaveConfig {
	return WaveConfig{
		RadiusScheduleMeters: []float64{5000, 10000, 15000, 25000, 40000},
		MinCandidates:        1,
		WaveDelay:            10 * time.Minute,
		NotifyConcurrency:    8,
	}
}

func (c WaveConfig) MaxWaves() int {
	return len(c.RadiusScheduleMeters)
}

// Validate rejects empty or non ascending schedules.
func (c WaveConfig) Validate() error {
	if len(c.RadiusScheduleMeters) == 0 {
		return fmt.Errorf("radius schedule must not be empty")
	}
	prev := 0.0
	for i, r := range c.RadiusScheduleMeters {
		if r <= prev {
			return fmt.Errorf("radius schedule must be strictly ascending and positive: entry %d is %.0f", i, r)
		}
		prev = r
	}
	if c.MinCandidates < 1 {
		return fmt.Errorf("min candidates must be at least 1")
	}
	if c.WaveDelay <= 0 {
		return fmt.Errorf("wave delay must be positive")
	}
	return nil
}
