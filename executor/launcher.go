package executor

import "context"

// Mount binds a host directory into a worker
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// LaunchSpec describes how every worker of a pool is started
type LaunchSpec struct {
	Image string
	// Cmd overrides the image command, empty keeps the image default
	Cmd      []string
	Mounts   []Mount
	Labels   map[string]string
	Memory   int64 // bytes, 0 means unlimited
	NanoCPUs int64
}

// ExecResult is what a command run inside a worker produced
type ExecResult struct {
	ExitCode int
	Output   string
}

// Launcher is the runtime that actually provisions workers. The pool does
// not care whether it is backed by docker, local processes or VMs.
//
// Launch must not leave anything behind when it returns an error.
type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	InspectStatus(ctx context.Context, ref string) (WorkerStatus, error)
	Stop(ctx context.Context, ref string) error
	Exec(ctx context.Context, ref string, cmd []string) (ExecResult, error)
}
