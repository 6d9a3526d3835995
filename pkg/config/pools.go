package config

import (
	"runtime"
	"time"
)

// PoolsConfig sizes the dispatcher's three worker pools and their queues.
// Shaper work is CPU-light, matcher work is LLM-bound, runtime work is
// I/O-bound and gets the largest pool.
type PoolsConfig struct {
	ShaperWorkers  int `yaml:"shaper_workers"`
	MatcherWorkers int `yaml:"matcher_workers"`
	RuntimeWorkers int `yaml:"runtime_workers"`

	// QueueDepth is the capacity of each pool's bounded channel.
	QueueDepth int `yaml:"queue_depth"`

	// EnqueueBudget is how long the webhook front door may block on a full
	// shaper queue before dropping the task.
	EnqueueBudget time.Duration `yaml:"enqueue_budget"`
}

// DefaultPools returns pool sizes tuned for the runtime mode.
func DefaultPools(mode RuntimeMode) PoolsConfig {
	cpus := runtime.NumCPU()
	p := PoolsConfig{
		ShaperWorkers:  2,
		MatcherWorkers: 4,
		RuntimeWorkers: cpus * 8,
		QueueDepth:     256,
		EnqueueBudget:  50 * time.Millisecond,
	}
	if mode == ModeDevelopment {
		p.ShaperWorkers = 1
		p.MatcherWorkers = 2
		p.RuntimeWorkers = 8
		p.QueueDepth = 64
	}
	return p
}

func (p *PoolsConfig) apply(src *PoolsConfig) {
	if src.ShaperWorkers > 0 {
		p.ShaperWorkers = src.ShaperWorkers
	}
	if src.MatcherWorkers > 0 {
		p.MatcherWorkers = src.MatcherWorkers
	}
	if src.RuntimeWorkers > 0 {
		p.RuntimeWorkers = src.RuntimeWorkers
	}
	if src.QueueDepth > 0 {
		p.QueueDepth = src.QueueDepth
	}
	if src.EnqueueBudget > 0 {
		p.EnqueueBudget = src.EnqueueBudget
	}
}

func (p *PoolsConfig) validate() error {
	if p.ShaperWorkers <= 0 || p.MatcherWorkers <= 0 || p.RuntimeWorkers <= 0 {
		return NewConfigError("pools", "worker counts must be positive")
	}
	if p.QueueDepth <= 0 {
		return NewConfigError("pools.queue_depth", "must be positive")
	}
	return nil
}
