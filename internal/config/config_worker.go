package config

import (
	"fmt"
	"time"
)

// WorkerConfig tunes the worker process pool.
type WorkerConfig struct {
	// PoolSize is the target number of ready worker processes.
	PoolSize int `yaml:"pool_size"`

	// MaxParallelSpawn caps how many workers spawn concurrently during
	// pool fill. Clamped to [1, PoolSize].
	MaxParallelSpawn int `yaml:"max_parallel_spawn"`

	// SpawnRetryDelay is the initial backoff between spawn attempts
	// once failures accumulate. Doubles per failure up to
	// SpawnRetryDelayMax.
	SpawnRetryDelay    time.Duration `yaml:"spawn_retry_delay"`
	SpawnRetryDelayMax time.Duration `yaml:"spawn_retry_delay_max"`

	// SlowStartThreshold is the consecutive-failure count after which
	// spawning narrows to one attempt at a time.
	SlowStartThreshold int `yaml:"slow_start_threshold"`

	// InitTimeout bounds how long a freshly spawned worker may take to
	// report init complete before it is killed.
	InitTimeout time.Duration `yaml:"init_timeout"`
}

func (c *WorkerConfig) applyDefaults() {
	if c.PoolSize == 0 {
		c.PoolSize = 2
	}
	if c.MaxParallelSpawn == 0 {
		c.MaxParallelSpawn = 4
	}
	if c.SpawnRetryDelay == 0 {
		c.SpawnRetryDelay = time.Second
	}
	if c.SpawnRetryDelayMax == 0 {
		c.SpawnRetryDelayMax = 30 * time.Second
	}
	if c.SlowStartThreshold == 0 {
		c.SlowStartThreshold = 2
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = 120 * time.Second
	}
	// Parallel spawn never exceeds the pool itself.
	if c.MaxParallelSpawn > c.PoolSize {
		c.MaxParallelSpawn = c.PoolSize
	}
	if c.MaxParallelSpawn < 1 {
		c.MaxParallelSpawn = 1
	}
}

func (c *WorkerConfig) validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("worker.pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.SpawnRetryDelay < 0 || c.SpawnRetryDelayMax < c.SpawnRetryDelay {
		return fmt.Errorf("worker.spawn_retry_delay_max (%s) must be >= worker.spawn_retry_delay (%s)",
			c.SpawnRetryDelayMax, c.SpawnRetryDelay)
	}
	if c.SlowStartThreshold < 1 {
		return fmt.Errorf("worker.slow_start_threshold must be at least 1, got %d", c.SlowStartThreshold)
	}
	if c.InitTimeout <= 0 {
		return fmt.Errorf("worker.init_timeout must be positive, got %s", c.InitTimeout)
	}
	return nil
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	// MaxParallel caps how many ready tasks run concurrently.
	MaxParallel int `yaml:"max_parallel"`

	// DefaultTaskTimeout applies to tasks that do not set their own.
	DefaultTaskTimeout time.Duration `yaml:"default_task_timeout"`
}

func (c *ExecutorConfig) applyDefaults() {
	if c.MaxParallel == 0 {
		c.MaxParallel = 4
	}
	if c.DefaultTaskTimeout == 0 {
		c.DefaultTaskTimeout = 5 * time.Minute
	}
}

func (c *ExecutorConfig) validate() error {
	if c.MaxParallel < 1 {
		return fmt.Errorf("executor.max_parallel must be at least 1, got %d", c.MaxParallel)
	}
	if c.DefaultTaskTimeout <= 0 {
		return fmt.Errorf("executor.default_task_timeout must be positive, got %s", c.DefaultTaskTimeout)
	}
	return nil
}
