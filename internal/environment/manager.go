// Package environment implements the Environment lifecycle state machine,
// grounded on original_source/services/environment.py's EnvironmentService.
package environment

import (
	"time"

	"github.com/google/uuid"

	"github.com/psschwei/mellea-playground-core/internal/apperrors"
	"github.com/psschwei/mellea-playground-core/internal/models"
)

// validTransitions is VALID_TRANSITIONS translated verbatim from the
// Python original.
var validTransitions = map[models.EnvironmentStatus]map[models.EnvironmentStatus]bool{
	models.EnvironmentCreating: {models.EnvironmentReady: true, models.EnvironmentFailed: true},
	models.EnvironmentReady:    {models.EnvironmentStarting: true, models.EnvironmentDeleting: true},
	models.EnvironmentStarting: {models.EnvironmentRunning: true, models.EnvironmentFailed: true},
	models.EnvironmentRunning:  {models.EnvironmentStopping: true, models.EnvironmentFailed: true},
	models.EnvironmentStopping: {models.EnvironmentStopped: true},
	models.EnvironmentStopped:  {models.EnvironmentDeleting: true},
	models.EnvironmentFailed:   {models.EnvironmentDeleting: true},
	models.EnvironmentDeleting: {},
}

func validTransition(current, target models.EnvironmentStatus) bool {
	if current == target {
		return true
	}
	return validTransitions[current][target]
}

// environmentStore is the narrow persistence surface Manager needs.
type environmentStore interface {
	Create(id string, item models.Environment) (models.Environment, error)
	GetByID(id string) (models.Environment, error)
	Update(id string, item models.Environment) (models.Environment, error)
	Delete(id string) error
	ListAll() []models.Environment
	Find(predicate func(models.Environment) bool) []models.Environment
}

// Manager owns Environment CRUD and enforces the state machine on every
// status transition.
type Manager struct {
	Store environmentStore
}

func NewManager(store environmentStore) *Manager {
	return &Manager{Store: store}
}

func (m *Manager) CreateEnvironment(programID, imageTag string, limits *models.ResourceLimits) (models.Environment, error) {
	now := time.Now()
	env := models.Environment{
		ProgramID:      programID,
		ImageTag:       imageTag,
		Status:         models.EnvironmentCreating,
		ResourceLimits: limits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return m.Store.Create(uuid.New().String(), env)
}

func (m *Manager) GetEnvironment(id string) (models.Environment, error) {
	return m.Store.GetByID(id)
}

func (m *Manager) ListEnvironments(programID, status *string) []models.Environment {
	return m.Store.Find(func(e models.Environment) bool {
		if programID != nil && e.ProgramID != *programID {
			return false
		}
		if status != nil && string(e.Status) != *status {
			return false
		}
		return true
	})
}

// UpdateStatus enforces the transition table and the timestamp/field
// invariants from spec.md §3: StartedAt set once on first `running`,
// StoppedAt set once on first `stopped`, ContainerID set on `running`,
// ErrorMessage set on `failed`.
func (m *Manager) UpdateStatus(id string, status models.EnvironmentStatus, errMsg, containerID string) (models.Environment, error) {
	env, err := m.Store.GetByID(id)
	if err != nil {
		return models.Environment{}, err
	}

	if !validTransition(env.Status, status) {
		return models.Environment{}, apperrors.NewInvalidTransitionError(string(env.Status), string(status))
	}

	env.Status = status
	env.UpdatedAt = time.Now()

	if errMsg != "" {
		env.ErrorMessage = errMsg
	}
	if containerID != "" {
		env.ContainerID = containerID
	}

	switch status {
	case models.EnvironmentRunning:
		if env.StartedAt == nil {
			now := time.Now()
			env.StartedAt = &now
		}
	case models.EnvironmentStopped:
		if env.StoppedAt == nil {
			now := time.Now()
			env.StoppedAt = &now
		}
	}

	return m.Store.Update(id, env)
}

func (m *Manager) MarkReady(id string) (models.Environment, error) {
	return m.UpdateStatus(id, models.EnvironmentReady, "", "")
}

func (m *Manager) MarkFailed(id, errMsg string) (models.Environment, error) {
	return m.UpdateStatus(id, models.EnvironmentFailed, errMsg, "")
}

func (m *Manager) MarkRunning(id, containerID string) (models.Environment, error) {
	return m.UpdateStatus(id, models.EnvironmentRunning, "", containerID)
}

func (m *Manager) MarkStopped(id string) (models.Environment, error) {
	return m.UpdateStatus(id, models.EnvironmentStopped, "", "")
}

// StartEnvironment transitions READY -> STARTING. The caller starts the
// actual container and then calls MarkRunning or MarkFailed.
func (m *Manager) StartEnvironment(id string) (models.Environment, error) {
	return m.UpdateStatus(id, models.EnvironmentStarting, "", "")
}

// StopEnvironment transitions RUNNING -> STOPPING. The caller stops the
// actual container and then calls MarkStopped.
func (m *Manager) StopEnvironment(id string) (models.Environment, error) {
	return m.UpdateStatus(id, models.EnvironmentStopping, "", "")
}

// DeleteEnvironment transitions to DELETING then removes the row. Only
// valid from READY, STOPPED, or FAILED per the transition table.
func (m *Manager) DeleteEnvironment(id string) error {
	env, err := m.Store.GetByID(id)
	if err != nil {
		return err
	}
	if !validTransition(env.Status, models.EnvironmentDeleting) {
		return apperrors.NewInvalidTransitionError(string(env.Status), string(models.EnvironmentDeleting))
	}

	env.Status = models.EnvironmentDeleting
	env.UpdatedAt = time.Now()
	if _, err := m.Store.Update(id, env); err != nil {
		return err
	}

	return m.Store.Delete(id)
}
