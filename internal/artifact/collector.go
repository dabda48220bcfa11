// Package artifact implements run-output storage and per-user usage
// tracking, grounded on the ArtifactCollectorService contract surfaced by
// original_source/routes/artifacts.py (list_artifacts, get_usage) and the
// Artifact/ArtifactUsage models.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

const bytesPerMiB = 1024 * 1024

// artifactStore and usageStore are the narrow persistence surfaces
// Collector needs.
type artifactStore interface {
	Create(id string, item models.Artifact) (models.Artifact, error)
	GetByID(id string) (models.Artifact, error)
	Update(id string, item models.Artifact) (models.Artifact, error)
	Find(predicate func(models.Artifact) bool) []models.Artifact
}

type usageStore interface {
	GetByID(id string) (models.ArtifactUsage, error)
	Create(id string, item models.ArtifactUsage) (models.ArtifactUsage, error)
	Update(id string, item models.ArtifactUsage) (models.ArtifactUsage, error)
}

// CollectOptions carries the per-call knobs CollectArtifact needs beyond
// the content itself.
type CollectOptions struct {
	ArtifactType   models.ArtifactType
	Tags           []string
	Metadata       map[string]string
	RetentionDays  *int // nil = use collector default, 0 = never expire
}

// Collector stores run output artifacts on disk under DataDir and tracks
// per-user usage against their storage quota.
type Collector struct {
	Artifacts          artifactStore
	Usage              usageStore
	DataDir            string
	DefaultRetentionDays int
	MaxSingleSizeMB    int
}

func New(artifacts artifactStore, usage usageStore, dataDir string, defaultRetentionDays, maxSingleSizeMB int) *Collector {
	return &Collector{
		Artifacts:            artifacts,
		Usage:                usage,
		DataDir:              dataDir,
		DefaultRetentionDays: defaultRetentionDays,
		MaxSingleSizeMB:      maxSingleSizeMB,
	}
}

// CollectArtifact implements the five-step storage pipeline: single-object
// cap check, user storage cap check, checksum, on-disk write, and usage
// increment.
func (c *Collector) CollectArtifact(ctx context.Context, runID, ownerID, name string, content []byte, quotas models.UserQuotas, opts CollectOptions) (*models.Artifact, error) {
	sizeLimit := int64(c.MaxSingleSizeMB) * bytesPerMiB
	if int64(len(content)) > sizeLimit {
		return nil, apperrors.Newf(apperrors.ErrorTypeValidation, "artifact %q exceeds the %d MB single-object limit", name, c.MaxSingleSizeMB)
	}

	usage, err := c.Usage.GetByID(ownerID)
	if err != nil {
		usage = models.ArtifactUsage{ID: ownerID, UserID: ownerID}
	}

	storageLimit := quotas.MaxStorageMB * bytesPerMiB
	if storageLimit > 0 && usage.TotalBytes+int64(len(content)) > storageLimit {
		return nil, apperrors.NewQuotaExceededError("storage_bytes", float64(usage.TotalBytes), float64(storageLimit),
			"artifact storage quota exceeded")
	}

	sum := sha256.Sum256(content)
	checksum := hex.EncodeToString(sum[:])

	artifactID := uuid.New().String()
	storagePath := filepath.Join("artifacts", ownerID, artifactID)
	fullPath := filepath.Join(c.DataDir, storagePath)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "creating artifact directory")
	}
	if err := os.WriteFile(fullPath, content, 0o644); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "writing artifact content")
	}

	artifactType := opts.ArtifactType
	if artifactType == "" {
		artifactType = models.ArtifactFile
	}

	var expiresAt *time.Time
	retentionDays := c.DefaultRetentionDays
	if opts.RetentionDays != nil {
		retentionDays = *opts.RetentionDays
	}
	if retentionDays > 0 {
		t := time.Now().AddDate(0, 0, retentionDays)
		expiresAt = &t
	}

	art := models.Artifact{
		RunID:        runID,
		OwnerID:      ownerID,
		Name:         name,
		ArtifactType: artifactType,
		SizeBytes:    int64(len(content)),
		StoragePath:  storagePath,
		Checksum:     checksum,
		CreatedAt:    time.Now(),
		ExpiresAt:    expiresAt,
		Tags:         opts.Tags,
		Metadata:     opts.Metadata,
	}
	created, err := c.Artifacts.Create(artifactID, art)
	if err != nil {
		return nil, err
	}

	usage.TotalBytes += created.SizeBytes
	usage.ArtifactCount++
	usage.LastUpdated = time.Now()
	if _, err := c.Usage.GetByID(ownerID); err != nil {
		if _, err := c.Usage.Create(ownerID, usage); err != nil {
			return nil, err
		}
	} else if _, err := c.Usage.Update(ownerID, usage); err != nil {
		return nil, err
	}

	return &created, nil
}

// RecalculateUserUsage rescans every non-deleted Artifact owned by userID
// and rewrites the usage row, self-healing any drift between the usage
// counter and the underlying artifacts.
func (c *Collector) RecalculateUserUsage(ctx context.Context, userID string) error {
	owned := c.Artifacts.Find(func(a models.Artifact) bool { return a.OwnerID == userID && !a.Deleted })

	var total int64
	for _, a := range owned {
		total += a.SizeBytes
	}

	usage := models.ArtifactUsage{
		ID:            userID,
		UserID:        userID,
		TotalBytes:    total,
		ArtifactCount: len(owned),
		LastUpdated:   time.Now(),
	}

	if _, err := c.Usage.GetByID(userID); err != nil {
		_, err := c.Usage.Create(userID, usage)
		return err
	}
	_, err := c.Usage.Update(userID, usage)
	return err
}

// ListArtifacts applies the filter set the original routes layer exposes:
// owner, run, type, and "has all tags".
func (c *Collector) ListArtifacts(ownerID, runID *string, artifactType *models.ArtifactType, tags []string) []models.Artifact {
	return c.Artifacts.Find(func(a models.Artifact) bool {
		if a.Deleted {
			return false
		}
		if ownerID != nil && a.OwnerID != *ownerID {
			return false
		}
		if runID != nil && a.RunID != *runID {
			return false
		}
		if artifactType != nil && a.ArtifactType != *artifactType {
			return false
		}
		for _, tag := range tags {
			if !contains(a.Tags, tag) {
				return false
			}
		}
		return true
	})
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// GetUserUsage returns the usage row for userID, zero-valued if none
// exists yet.
func (c *Collector) GetUserUsage(userID string) models.ArtifactUsage {
	usage, err := c.Usage.GetByID(userID)
	if err != nil {
		return models.ArtifactUsage{ID: userID, UserID: userID}
	}
	return usage
}
