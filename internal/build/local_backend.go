package build

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/daemon"
	"github.com/google/go-containerregistry/pkg/v1/remote"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
)

// LocalBackend drives a local builder daemon synchronously, grounded on
// testground's pkg/build/docker.go invocation shape. Image introspection
// and registry push go through go-containerregistry rather than the
// builder CLI, so size accounting and push work the same way regardless
// of which local builder is configured.
type LocalBackend struct {
	Builder      string // e.g. "docker" or "podman"
	RegistryAuth RegistryAuth
}

// RegistryAuth is the minimal credential set LocalBackend needs to push.
type RegistryAuth struct {
	Username string
	Password string
	Insecure bool
}

var _ Backend = (*LocalBackend)(nil)

func (b *LocalBackend) Build(ctx context.Context, contextDir, imageTag string, opts BuildOptions) (*BackendResult, error) {
	start := time.Now()

	if opts.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	args := []string{"build", "-t", imageTag}
	for k, v := range opts.BuildArgs {
		args = append(args, "--build-arg", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, contextDir)

	builder := b.Builder
	if builder == "" {
		builder = "docker"
	}

	cmd := exec.CommandContext(ctx, builder, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBuildFailed, "local build of %s failed: %s", imageTag, string(out))
	}

	ref, err := name.ParseReference(imageTag)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBuildFailed, "parsing image reference %s", imageTag)
	}

	img, err := daemon.Image(ref)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBuildFailed, "inspecting built image %s", imageTag)
	}

	var sizeBytes int64
	if manifest, err := img.Manifest(); err == nil {
		sizeBytes = manifest.Config.Size
		for _, layer := range manifest.Layers {
			sizeBytes += layer.Size
		}
	}

	if opts.Push {
		remoteOpts := []remote.Option{remote.WithContext(ctx)}
		if b.RegistryAuth.Username != "" {
			remoteOpts = append(remoteOpts, remote.WithAuth(authn.FromConfig(authn.AuthConfig{
				Username: b.RegistryAuth.Username,
				Password: b.RegistryAuth.Password,
			})))
		}
		if err := remote.Write(ref, img, remoteOpts...); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.ErrorTypeBuildFailed, "pushing image %s", imageTag)
		}
	}

	return &BackendResult{
		ImageTag:  imageTag,
		SizeBytes: sizeBytes,
		Duration:  time.Since(start),
	}, nil
}

// Exists checks the local daemon first, then falls back to a registry HEAD
// request, so a cache row built with Push=true is still confirmed even
// after the local daemon's image cache has been cleared.
func (b *LocalBackend) Exists(ctx context.Context, imageTag string) (bool, error) {
	ref, err := name.ParseReference(imageTag)
	if err != nil {
		return false, apperrors.Wrapf(err, apperrors.ErrorTypeBuildFailed, "parsing image reference %s", imageTag)
	}
	if _, err := daemon.Image(ref); err == nil {
		return true, nil
	}

	remoteOpts := []remote.Option{remote.WithContext(ctx)}
	if b.RegistryAuth.Username != "" {
		remoteOpts = append(remoteOpts, remote.WithAuth(authn.FromConfig(authn.AuthConfig{
			Username: b.RegistryAuth.Username,
			Password: b.RegistryAuth.Password,
		})))
	}
	if _, err := remote.Head(ref, remoteOpts...); err == nil {
		return true, nil
	}
	return false, nil
}
