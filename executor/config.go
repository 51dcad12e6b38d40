package executor

import (
	"strings"
	"time"
)

const (
	DefaultMaxWorkers          = 5
	DefaultIdleTimeout         = 300 * time.Second
	DefaultMaxCreateRetries    = 3
	DefaultHealthCheckTimeout  = 5 * time.Second
	DefaultHealthPollInterval  = 200 * time.Millisecond
	DefaultCreateRetryDelay    = time.Second
	DefaultAcquireTimeout      = 30 * time.Second
	DefaultReconcileInterval   = 10 * time.Second
	DefaultStopTimeout         = 2 * time.Second
	DefaultShutdownParallelism = 8
	DefaultDrainTimeout        = 10 * time.Second

	DefaultInputMount  = "/app/input"
	DefaultOutputMount = "/app/output"
	DefaultImage       = "json-processor:latest"

	// PoolLabel marks containers started by this engine
	PoolLabel = "batchengine.pool"
)

// DefaultTransformCommand is run inside a worker for every job
var DefaultTransformCommand = []string{"python", "app.py", "-cmd", "pd", "-c", "{input}", "-o", "{output}"}

// PoolConfig holds the pool bounds and timings. It is read-only once the
// pool is built.
type PoolConfig struct {
	MaxWorkers         int
	IdleTimeout        time.Duration
	MaxCreateRetries   int
	HealthCheckTimeout time.Duration
	AcquireTimeout     time.Duration

	HealthPollInterval  time.Duration
	CreateRetryDelay    time.Duration
	ReconcileInterval   time.Duration
	StopTimeout         time.Duration
	ShutdownParallelism int

	// Prewarm fills the pool before NewWorkerPool returns
	Prewarm bool
}

// FillDefaults replaces zero values with defaults. A negative
// MaxCreateRetries is treated as zero retries.
func (c *PoolConfig) FillDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.MaxCreateRetries < 0 {
		c.MaxCreateRetries = 0
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.HealthPollInterval <= 0 {
		c.HealthPollInterval = DefaultHealthPollInterval
	}
	if c.CreateRetryDelay <= 0 {
		c.CreateRetryDelay = DefaultCreateRetryDelay
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.ShutdownParallelism <= 0 {
		c.ShutdownParallelism = DefaultShutdownParallelism
	}
}

// TransformConfig defines how a job is turned into a command inside a worker
type TransformConfig struct {
	// Command may contain {input} and {output} placeholders
	Command     []string
	InputMount  string
	OutputMount string
	// Timeout bounds a single transform, 0 means no limit
	Timeout time.Duration
}

func (c *TransformConfig) fillDefaults() {
	if len(c.Command) == 0 {
		c.Command = DefaultTransformCommand
	}
	if c.InputMount == "" {
		c.InputMount = DefaultInputMount
	}
	if c.OutputMount == "" {
		c.OutputMount = DefaultOutputMount
	}
}

// Args builds the command for a job. Refs are appended to the mount points
// as-is.
func (c TransformConfig) Args(job Job) []string {
	input := c.InputMount + "/" + job.Input
	output := c.OutputMount + "/" + job.Output

	args := make([]string, len(c.Command))
	for i, arg := range c.Command {
		arg = strings.ReplaceAll(arg, "{input}", input)
		args[i] = strings.ReplaceAll(arg, "{output}", output)
	}
	return args
}
