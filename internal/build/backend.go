package build

import (
	"context"
	"time"
)

// BuildOptions carries the per-invocation knobs a Backend needs beyond the
// context directory and target tag.
type BuildOptions struct {
	CPULimit       string
	MemoryLimit    string
	TimeoutSeconds int
	BuildArgs      map[string]string
	Push           bool
}

// BackendResult is what a Backend.Build call returns for one image layer
// (dependency layer or program layer). Engine.BuildImage uses the two
// layer results to build the Result it hands back to callers.
type BackendResult struct {
	ImageTag  string
	SizeBytes int64
	Duration  time.Duration
	// JobName is set only by ClusterBackend: the name of the Kubernetes Job
	// that ran the build. ClusterBackend.Build returns only after that Job
	// has finished.
	JobName string
}

// Backend performs one image build and optional push. LocalBackend runs
// synchronously against a local builder daemon; ClusterBackend schedules a
// Kubernetes Job and is polled for completion.
type Backend interface {
	Build(ctx context.Context, contextDir, imageTag string, opts BuildOptions) (*BackendResult, error)
	// Exists reports whether imageTag is still reachable (present in the
	// local daemon or pushed to the registry), so a cache-hit row in the
	// layer cache can be confirmed before being trusted.
	Exists(ctx context.Context, imageTag string) (bool, error)
}

// Result is the outward-facing outcome of Engine.BuildImage, matching the
// BuildResult shape of the original Python EnvironmentBuilder service.
type Result struct {
	Success         bool
	ImageTag        string
	CacheHit        bool
	TotalDuration   time.Duration
	DepsDuration    time.Duration
	ProgramDuration time.Duration
	ErrorMessage    string
	BuildJobName    string
}
