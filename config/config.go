package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"batchengine/executor"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string
	NatsURL     string
	Environment string

	WorkerImage    string
	WorkerCmd      []string
	WorkerMemoryMB int
	WorkerNanoCPUs int64
	InputDir       string
	OutputDir      string
	InputMount     string
	OutputMount    string

	MaxWorkers         int
	IdleTimeout        time.Duration
	MaxCreateRetries   int
	HealthCheckTimeout time.Duration
	AcquireTimeout     time.Duration
	ReconcileInterval  time.Duration
	DrainTimeout       time.Duration
	Prewarm            bool

	TransformCommand []string
	TransformTimeout time.Duration

	LogUploadURL   string
	LogSourceToken string
}

func LoadConfig() Config {
	err := godotenv.Load(".env")
	if err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	return Config{
		HTTPAddr:    getEnv("HTTPADDR", ":8080"),
		NatsURL:     getEnv("NATSURL", "nats://localhost:4222"),
		Environment: getEnv("ENVIRONMENT", "production"),

		WorkerImage:    getEnv("WORKERIMAGE", executor.DefaultImage),
		WorkerCmd:      strings.Fields(getEnv("WORKERCMD", "")),
		WorkerMemoryMB: getEnvInt("WORKERMEMORYMB", 200),
		WorkerNanoCPUs: int64(getEnvInt("WORKERNANOCPUS", 1000000000)),
		InputDir:       getEnv("INPUTDIR", "./input"),
		OutputDir:      getEnv("OUTPUTDIR", "./output"),
		InputMount:     getEnv("INPUTMOUNT", executor.DefaultInputMount),
		OutputMount:    getEnv("OUTPUTMOUNT", executor.DefaultOutputMount),

		MaxWorkers:         getEnvInt("MAXWORKERS", executor.DefaultMaxWorkers),
		IdleTimeout:        getEnvDuration("IDLETIMEOUT", executor.DefaultIdleTimeout),
		MaxCreateRetries:   getEnvInt("MAXCREATERETRIES", executor.DefaultMaxCreateRetries),
		HealthCheckTimeout: getEnvDuration("HEALTHCHECKTIMEOUT", executor.DefaultHealthCheckTimeout),
		AcquireTimeout:     getEnvDuration("ACQUIRETIMEOUT", executor.DefaultAcquireTimeout),
		ReconcileInterval:  getEnvDuration("RECONCILEINTERVAL", executor.DefaultReconcileInterval),
		DrainTimeout:       getEnvDuration("DRAINTIMEOUT", executor.DefaultDrainTimeout),
		Prewarm:            getEnvBool("PREWARM", true),

		TransformCommand: strings.Fields(getEnv("TRANSFORMCOMMAND", strings.Join(executor.DefaultTransformCommand, " "))),
		TransformTimeout: getEnvDuration("TRANSFORMTIMEOUT", 0),

		LogUploadURL:   getEnv("LOGUPLOADURL", ""),
		LogSourceToken: getEnv("LOGSOURCETOKEN", ""),
	}
}

// PoolConfig converts the loaded settings into pool bounds
func (c Config) PoolConfig() executor.PoolConfig {
	return executor.PoolConfig{
		MaxWorkers:         c.MaxWorkers,
		IdleTimeout:        c.IdleTimeout,
		MaxCreateRetries:   c.MaxCreateRetries,
		HealthCheckTimeout: c.HealthCheckTimeout,
		AcquireTimeout:     c.AcquireTimeout,
		ReconcileInterval:  c.ReconcileInterval,
		Prewarm:            c.Prewarm,
	}
}

// LaunchSpec describes the worker containers. Host directories are made
// absolute since docker bind mounts require it.
func (c Config) LaunchSpec() (executor.LaunchSpec, error) {
	inputDir, err := filepath.Abs(c.InputDir)
	if err != nil {
		return executor.LaunchSpec{}, err
	}
	outputDir, err := filepath.Abs(c.OutputDir)
	if err != nil {
		return executor.LaunchSpec{}, err
	}

	return executor.LaunchSpec{
		Image: c.WorkerImage,
		Cmd:   c.WorkerCmd,
		Mounts: []executor.Mount{
			{Source: inputDir, Target: c.InputMount, ReadOnly: true},
			{Source: outputDir, Target: c.OutputMount},
		},
		Memory:   int64(c.WorkerMemoryMB) * 1024 * 1024,
		NanoCPUs: c.WorkerNanoCPUs,
	}, nil
}

// TransformConfig describes the command run for every job
func (c Config) TransformConfig() executor.TransformConfig {
	return executor.TransformConfig{
		Command:     c.TransformCommand,
		InputMount:  c.InputMount,
		OutputMount: c.OutputMount,
		Timeout:     c.TransformTimeout,
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Warning: invalid duration for %s: %q", key, value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
