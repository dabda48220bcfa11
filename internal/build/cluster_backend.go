package build

import (
	"context"
	"fmt"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/k8sjob"
)

// ClusterBackend schedules a Kubernetes Job that runs the build and pushes
// to the registry, then polls the Job's status every PollInterval. Build
// returns only once the Job has succeeded or failed, or ctx is done; there
// is no mode that returns as soon as the Job is created. JobName on the
// result records which Job ran the build.
type ClusterBackend struct {
	Runtime      k8sjob.ClusterJobRuntime
	Namespace    string
	BuilderImage string
	PollInterval time.Duration
}

var _ Backend = (*ClusterBackend)(nil)

func (b *ClusterBackend) Build(ctx context.Context, contextDir, imageTag string, opts BuildOptions) (*BackendResult, error) {
	start := time.Now()

	jobName := fmt.Sprintf("mellea-build-%d", time.Now().UnixNano())
	spec := k8sjob.JobSpec{
		Name:      jobName,
		Namespace: b.Namespace,
		Image:     b.BuilderImage,
		Args:      []string{"--context", contextDir, "--destination", imageTag},
		Env:       map[string]string{"PUSH": fmt.Sprintf("%t", opts.Push)},
		CPULimit:  opts.CPULimit,
		MemoryLimit: opts.MemoryLimit,
		ActiveDeadlineSeconds: int64(opts.TimeoutSeconds),
		Labels:    map[string]string{"mellea-build": "true"},
	}

	name, err := b.Runtime.CreateJob(ctx, spec)
	if err != nil {
		return nil, err
	}

	interval := b.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeBuildFailed, "cluster build cancelled")
		case <-ticker.C:
			info, err := b.Runtime.GetJobStatus(ctx, name, b.Namespace)
			if err != nil {
				return nil, err
			}
			switch info.Status {
			case k8sjob.JobSucceeded:
				return &BackendResult{
					ImageTag: imageTag,
					Duration: time.Since(start),
					JobName:  name,
				}, nil
			case k8sjob.JobFailed:
				return nil, apperrors.Newf(apperrors.ErrorTypeBuildFailed, "cluster build job %s failed: %s", name, info.Message)
			}
		}
	}
}

// Exists checks the registry directly, since a cluster build always pushes
// its result rather than leaving it in a local daemon.
func (b *ClusterBackend) Exists(ctx context.Context, imageTag string) (bool, error) {
	ref, err := name.ParseReference(imageTag)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeBuildFailed, "parsing image reference %s", imageTag)
	}
	if _, err := remote.Head(ref, remote.WithContext(ctx)); err != nil {
		return false, nil
	}
	return true, nil
}
