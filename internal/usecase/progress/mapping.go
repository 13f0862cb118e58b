package progress

import "time"

// Mapping holds the constants that turn log markers into a percentage.
// DefaultMapping reserves 70% for model loading and 29% for sampling steps,
// leaving the last point for saving and 100 for finalization.
type Mapping struct {
	LoadingBand       int
	GenerationSpan    int
	T5Floor           int
	VAEFloor          int
	ModelFloor        int
	ShardBase         int
	ShardFactor       float64
	SavingPercent     int
	AnimationStart    int
	AnimationStep     int
	AnimationCap      int
	AnimationInterval time.Duration
}

func DefaultMapping() Mapping {
	return Mapping{
		LoadingBand:       70,
		GenerationSpan:    29,
		T5Floor:           10,
		VAEFloor:          20,
		ModelFloor:        25,
		ShardBase:         30,
		ShardFactor:       0.4,
		SavingPercent:     99,
		AnimationStart:    5,
		AnimationStep:     2,
		AnimationCap:      65,
		AnimationInterval: 800 * time.Millisecond,
	}
}

// stepPercent maps sampling step cur of tot onto the generation band.
func (m Mapping) stepPercent(cur, tot int) int {
	if tot <= 0 {
		tot = 1
	}
	span := cur * m.GenerationSpan / tot
	if span > m.GenerationSpan {
		span = m.GenerationSpan
	}
	if span < 0 {
		span = 0
	}
	return m.LoadingBand + span
}

// shardPercent maps checkpoint shard loading (0..100) onto the shard band.
func (m Mapping) shardPercent(pct int) int {
	// epsilon absorbs float error so an exact product is not floored one short
	return m.ShardBase + int(float64(pct)*m.ShardFactor+1e-9)
}

func clamp(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
