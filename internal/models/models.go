// Package models defines the JSON-persisted entities of spec.md §3.
package models

import "time"

// Sharing / permission enums, carried from the original Program asset
// model so Program.Sharing round-trips even though sharing enforcement
// itself is an out-of-core concern (§6).
type SharingMode string

const (
	SharingPrivate SharingMode = "private"
	SharingShared  SharingMode = "shared"
	SharingPublic  SharingMode = "public"
)

type AccessType string

const (
	AccessUser  AccessType = "user"
	AccessGroup AccessType = "group"
	AccessOrg   AccessType = "org"
)

type Permission string

const (
	PermissionView Permission = "view"
	PermissionRun  Permission = "run"
	PermissionEdit Permission = "edit"
)

type SharedWith struct {
	Type       AccessType `json:"type"`
	ID         string     `json:"id"`
	Permission Permission `json:"permission"`
}

type DependencySource string

const (
	DependencySourcePyproject    DependencySource = "pyproject"
	DependencySourceRequirements DependencySource = "requirements"
	DependencySourceManual       DependencySource = "manual"
)

type Package struct {
	Name    string   `json:"name"`
	Version string   `json:"version"`
	Extras  []string `json:"extras,omitempty"`
}

type Dependencies struct {
	Source        DependencySource `json:"source"`
	Packages      []Package        `json:"packages"`
	PythonVersion string           `json:"pythonVersion"`
	LockfileHash  string           `json:"lockfileHash,omitempty"`
}

type ResourceProfile struct {
	CPULimit               string `json:"cpuLimit"`
	MemoryLimit            string `json:"memoryLimit"`
	TimeoutSeconds         int    `json:"timeoutSeconds"`
	EphemeralStorageLimit  string `json:"ephemeralStorageLimit,omitempty"`
}

type ImageBuildStatus string

const (
	ImageBuildPending  ImageBuildStatus = "pending"
	ImageBuildBuilding ImageBuildStatus = "building"
	ImageBuildReady    ImageBuildStatus = "ready"
	ImageBuildFailed   ImageBuildStatus = "failed"
)

// Program is the user-supplied code bundle and the unit of build.
type Program struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Entrypoint       string           `json:"entrypoint"`
	ProjectRoot      string           `json:"projectRoot"`
	Dependencies     Dependencies     `json:"dependencies"`
	ResourceProfile  ResourceProfile  `json:"resourceProfile"`
	ImageTag         string           `json:"imageTag,omitempty"`
	ImageBuildStatus ImageBuildStatus `json:"imageBuildStatus"`
	ImageBuildError  string           `json:"imageBuildError,omitempty"`
	Owner            string           `json:"owner"`
	Sharing          SharingMode      `json:"sharing"`
	SharedWith       []SharedWith     `json:"sharedWith"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

type EnvironmentStatus string

const (
	EnvironmentCreating EnvironmentStatus = "creating"
	EnvironmentReady    EnvironmentStatus = "ready"
	EnvironmentStarting EnvironmentStatus = "starting"
	EnvironmentRunning  EnvironmentStatus = "running"
	EnvironmentStopping EnvironmentStatus = "stopping"
	EnvironmentStopped  EnvironmentStatus = "stopped"
	EnvironmentFailed   EnvironmentStatus = "failed"
	EnvironmentDeleting EnvironmentStatus = "deleting"
)

type ResourceLimits struct {
	CPULimit    string `json:"cpuLimit"`
	MemoryLimit string `json:"memoryLimit"`
}

// Environment is a runnable instance bound to a built image.
type Environment struct {
	ID              string            `json:"id"`
	ProgramID       string            `json:"programId"`
	ImageTag        string            `json:"imageTag"`
	Status          EnvironmentStatus `json:"status"`
	ContainerID     string            `json:"containerId,omitempty"`
	ResourceLimits  *ResourceLimits   `json:"resourceLimits,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	StoppedAt       *time.Time        `json:"stoppedAt,omitempty"`
	ErrorMessage    string            `json:"errorMessage,omitempty"`
}

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunStarting  RunStatus = "starting"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status has no outgoing transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// Run is one execution of a Program inside an Environment.
type Run struct {
	ID            string     `json:"id"`
	OwnerID       string     `json:"ownerId"`
	EnvironmentID string     `json:"environmentId"`
	ProgramID     string     `json:"programId"`
	Status        RunStatus  `json:"status"`
	JobName       string     `json:"jobName,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Output        string     `json:"output,omitempty"`
	OutputPath    string     `json:"outputPath,omitempty"`
	CredentialIDs []string   `json:"credentialIds"`
}

// IsTerminal reports whether the run has reached a sink state.
func (r *Run) IsTerminal() bool {
	return r.Status.IsTerminal()
}

// LayerCacheEntry is the content-addressed dependency-layer cache row.
type LayerCacheEntry struct {
	ID            string    `json:"id"`
	CacheKey      string    `json:"cacheKey"`
	ImageTag      string    `json:"imageTag"`
	PythonVersion string    `json:"pythonVersion"`
	PackagesHash  string    `json:"packagesHash"`
	PackageCount  int       `json:"packageCount"`
	SizeBytes     *int64    `json:"sizeBytes,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	LastUsedAt    time.Time `json:"lastUsedAt"`
	UseCount      int       `json:"useCount"`
}

type ArtifactType string

const (
	ArtifactFile      ArtifactType = "file"
	ArtifactDirectory ArtifactType = "directory"
	ArtifactLog       ArtifactType = "log"
	ArtifactOutput    ArtifactType = "output"
)

// Artifact is a stored run output.
type Artifact struct {
	ID           string            `json:"id"`
	RunID        string            `json:"runId"`
	OwnerID      string            `json:"ownerId"`
	Name         string            `json:"name"`
	ArtifactType ArtifactType      `json:"artifactType"`
	SizeBytes    int64             `json:"sizeBytes"`
	StoragePath  string            `json:"storagePath"`
	MimeType     string            `json:"mimeType,omitempty"`
	Checksum     string            `json:"checksum"`
	CreatedAt    time.Time         `json:"createdAt"`
	ExpiresAt    *time.Time        `json:"expiresAt,omitempty"`
	Tags         []string          `json:"tags"`
	Metadata     map[string]string `json:"metadata"`
	Deleted      bool              `json:"deleted,omitempty"`
}

// ArtifactUsage tracks per-user artifact storage consumption. ID = UserID.
type ArtifactUsage struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	TotalBytes    int64     `json:"totalBytes"`
	ArtifactCount int       `json:"artifactCount"`
	LastUpdated   time.Time `json:"lastUpdated"`
}

type CredentialType string

const (
	CredentialAPIKey      CredentialType = "api_key"
	CredentialRegistry    CredentialType = "registry"
	CredentialDatabase    CredentialType = "database"
	CredentialOAuthToken  CredentialType = "oauth_token"
	CredentialSSHKey      CredentialType = "ssh_key"
	CredentialCustom      CredentialType = "custom"
)

// Credential is metadata only; the encrypted secret blob lives outside the
// core (§6).
type Credential struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Type           CredentialType `json:"type"`
	Provider       string         `json:"provider,omitempty"`
	OwnerID        string         `json:"ownerId"`
	Tags           []string       `json:"tags"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
	LastAccessedAt *time.Time     `json:"lastAccessedAt,omitempty"`
	ExpiresAt      *time.Time     `json:"expiresAt,omitempty"`
}

type ResourceType string

const (
	ResourceArtifact    ResourceType = "artifact"
	ResourceRun         ResourceType = "run"
	ResourceEnvironment ResourceType = "environment"
	ResourceLog         ResourceType = "log"
	ResourceLLMMetric   ResourceType = "llm_metric"
)

type RetentionCondition string

const (
	ConditionAgeDays    RetentionCondition = "age_days"
	ConditionStatus     RetentionCondition = "status"
	ConditionSizeBytes  RetentionCondition = "size_bytes"
	ConditionUnusedDays RetentionCondition = "unused_days"
)

// RetentionPolicy is an ordered rule for automatic resource cleanup.
type RetentionPolicy struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	ResourceType    ResourceType       `json:"resourceType"`
	Condition       RetentionCondition `json:"condition"`
	Threshold       int64              `json:"threshold"`
	StatusValue     string             `json:"statusValue,omitempty"`
	Enabled         bool               `json:"enabled"`
	Priority        int                `json:"priority"`
	UserID          *string            `json:"userId,omitempty"`
	CascadeArtifacts bool              `json:"cascadeArtifacts"`
	CascadeLogs      bool              `json:"cascadeLogs"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// LLMUsageMetric records one LLM call's token/latency/cost sample.
type LLMUsageMetric struct {
	ID           string            `json:"id"`
	RunID        string            `json:"runId"`
	ProgramID    string            `json:"programId"`
	UserID       string            `json:"userId"`
	Provider     string            `json:"provider"`
	ModelName    string            `json:"modelName"`
	InputTokens  int64             `json:"inputTokens"`
	OutputTokens int64             `json:"outputTokens"`
	TotalTokens  int64             `json:"totalTokens"`
	CostUSD      float64           `json:"costUsd"`
	LatencyMs    int64             `json:"latencyMs"`
	Success      bool              `json:"success"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Metadata     map[string]string `json:"metadata"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// QuotaUsage tracks per-user rolling counters. ID = UserID.
type QuotaUsage struct {
	ID                string    `json:"id"`
	UserID            string    `json:"userId"`
	RunsToday         int       `json:"runsToday"`
	RunsTodayDate     string    `json:"runsTodayDate"`
	CPUHoursMonth     float64   `json:"cpuHoursMonth"`
	CPUHoursMonthKey  string    `json:"cpuHoursMonthKey"`
	LastUpdated       time.Time `json:"lastUpdated"`
}

// UserQuotas are the limits a QuotaUsage row is checked against. Ownership
// of the user record itself is out of core scope; the executor receives
// this struct from the caller.
type UserQuotas struct {
	MaxConcurrentRuns   int     `json:"maxConcurrentRuns"`
	MaxRunsPerDay       int     `json:"maxRunsPerDay"`
	MaxCPUHoursPerMonth float64 `json:"maxCpuHoursPerMonth"`
	MaxStorageMB        int64   `json:"maxStorageMb"`
}
