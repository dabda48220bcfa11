package build

import (
	"context"
	"testing"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
)

func TestLocalBackendBuildFailsWhenBuilderBinaryMissing(t *testing.T) {
	b := &LocalBackend{Builder: "nonexistent-builder-xyz"}

	_, err := b.Build(context.Background(), t.TempDir(), "img:test", BuildOptions{})
	if !apperrors.IsType(err, apperrors.ErrorTypeBuildFailed) {
		t.Fatalf("Build() error = %v, want BuildFailed", err)
	}
}
