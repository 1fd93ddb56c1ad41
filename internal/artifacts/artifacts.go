// Package artifacts manages the versioned outputs of tasks: each (job, type, role)
// group keeps an immutable version chain with one current row and at most one
// frozen row.
package artifacts

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jonathan/agent-orchestrator/internal/logging"
	"github.com/jonathan/agent-orchestrator/internal/notify"
	"github.com/jonathan/agent-orchestrator/internal/types"
)

// Store is the persistence the artifact lifecycle needs.
type Store interface {
	CreateArtifactVersion(ctx context.Context, in types.NewArtifact) (*types.Artifact, bool, error)
	GetArtifact(ctx context.Context, id uuid.UUID) (*types.Artifact, error)
	GetArtifactVersion(ctx context.Context, jobID uuid.UUID, artifactType, role string, version int) (*types.Artifact, error)
	ListArtifacts(ctx context.Context, jobID uuid.UUID, currentOnly bool) ([]types.Artifact, error)
	ListArtifactVersions(ctx context.Context, jobID uuid.UUID, artifactType, role string) ([]types.Artifact, error)
	PromoteArtifact(ctx context.Context, id uuid.UUID, to types.ArtifactStatus, actor string,
		check func(target *types.Artifact, group []types.Artifact) error) (*types.Artifact, error)
	AppendAuditLog(ctx context.Context, entry types.AuditLog) error
}

// PermissionChecker decides whether actor may promote an artifact. Returning an
// error denies the promotion and the error is passed to the caller.
type PermissionChecker interface {
	CanPromote(ctx context.Context, actor string, artifact *types.Artifact, to types.ArtifactStatus) error
}

// PermissionFunc adapts a function to PermissionChecker.
type PermissionFunc func(ctx context.Context, actor string, artifact *types.Artifact, to types.ArtifactStatus) error

// CanPromote implements PermissionChecker.
func (f PermissionFunc) CanPromote(ctx context.Context, actor string, artifact *types.Artifact, to types.ArtifactStatus) error {
	return f(ctx, actor, artifact, to)
}

// AllowAll permits every promotion.
type AllowAll struct{}

// CanPromote implements PermissionChecker.
func (AllowAll) CanPromote(context.Context, string, *types.Artifact, types.ArtifactStatus) error {
	return nil
}

// Service enforces the artifact lifecycle.
type Service struct {
	store    Store
	perms    PermissionChecker
	bus      notify.Publisher
	log      zerolog.Logger
	validate *validator.Validate
}

// New creates a Service. A nil checker allows everything and a nil bus discards
// events.
func New(store Store, perms PermissionChecker, bus notify.Publisher, log zerolog.Logger) *Service {
	if perms == nil {
		perms = AllowAll{}
	}
	if bus == nil {
		bus = notify.Nop{}
	}
	return &Service{
		store:    store,
		perms:    perms,
		bus:      bus,
		log:      logging.Component(log, "artifacts"),
		validate: validator.New(),
	}
}

// Create stores a new version of the artifact's group. The previous current version
// is demoted and becomes the parent of the new one. created is false when the same
// task run already stored a version of the group; that version is returned.
func (s *Service) Create(ctx context.Context, in types.NewArtifact) (a *types.Artifact, created bool, err error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, false, &types.ValidationError{Field: "artifact", Message: err.Error()}
	}
	if in.JobID == uuid.Nil || in.TaskID == uuid.Nil {
		return nil, false, &types.ValidationError{Field: "artifact", Message: "task and job are required"}
	}
	if in.Metadata.IsNull() {
		in.Metadata = types.Object(nil)
	}

	a, created, err = s.store.CreateArtifactVersion(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if !created {
		s.log.Debug().Str("artifact_id", a.ID.String()).Msg("artifact already stored for this run")
		return a, false, nil
	}
	s.bus.Publish(notify.Event{
		Type:   notify.ArtifactCreated,
		JobID:  a.JobID,
		TaskID: a.TaskID,
		Status: string(a.Status),
		Data:   map[string]string{"artifact_id": a.ID.String(), "type": a.Type, "role": a.Role},
	})
	s.log.Info().
		Str("job_id", a.JobID.String()).
		Str("task_id", a.TaskID.String()).
		Str("type", a.Type).
		Str("role", a.Role).
		Int("version", a.Version).
		Msg("artifact version created")
	return a, true, nil
}

// allowed lists the one-way promotions.
var allowed = map[types.ArtifactStatus]types.ArtifactStatus{
	types.ArtifactDraft:    types.ArtifactApproved,
	types.ArtifactApproved: types.ArtifactFrozen,
}

// CanTransition reports whether an artifact in status from may be promoted to to.
func CanTransition(from, to types.ArtifactStatus) bool {
	next, ok := allowed[from]
	return ok && next == to
}

// Promote moves an artifact one step along draft -> approved -> frozen. The
// permission check runs first; the status check is repeated under the row lock.
func (s *Service) Promote(ctx context.Context, id uuid.UUID, to types.ArtifactStatus, actor string) (*types.Artifact, error) {
	current, err := s.store.GetArtifact(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(current.Status, to) {
		return nil, illegal(current, to)
	}
	if err := s.perms.CanPromote(ctx, actor, current, to); err != nil {
		return nil, err
	}

	promoted, err := s.store.PromoteArtifact(ctx, id, to, actor, func(target *types.Artifact, group []types.Artifact) error {
		if !CanTransition(target.Status, to) {
			return illegal(target, to)
		}
		if to == types.ArtifactFrozen {
			for _, other := range group {
				if other.Status == types.ArtifactFrozen {
					return &types.ConstraintViolationError{Constraint: "artifacts_one_frozen_idx"}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := s.store.AppendAuditLog(ctx, types.AuditLog{
		JobID:      promoted.JobID,
		EntityType: "artifact",
		EntityID:   promoted.ID,
		Action:     "artifact.promoted",
		Actor:      actor,
		Data: types.Object(map[string]types.Value{
			"from":    types.String(string(current.Status)),
			"to":      types.String(string(to)),
			"type":    types.String(promoted.Type),
			"role":    types.String(promoted.Role),
			"version": types.Int(int64(promoted.Version)),
		}),
	}); err != nil {
		s.log.Warn().Err(err).Str("artifact_id", id.String()).Msg("failed to write audit log")
	}
	s.bus.Publish(notify.Event{
		Type:   notify.ArtifactPromoted,
		JobID:  promoted.JobID,
		TaskID: promoted.TaskID,
		Status: string(to),
		Data:   map[string]string{"artifact_id": promoted.ID.String(), "from": string(current.Status)},
	})
	s.log.Info().
		Str("job_id", promoted.JobID.String()).
		Str("artifact_id", promoted.ID.String()).
		Str("status", string(to)).
		Str("actor", actor).
		Msg("artifact promoted")
	return promoted, nil
}

func illegal(a *types.Artifact, to types.ArtifactStatus) error {
	return &types.IllegalTransitionError{
		Entity: "artifact", ID: a.ID.String(), From: string(a.Status), To: string(to),
	}
}

// Get retrieves an artifact by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*types.Artifact, error) {
	return s.store.GetArtifact(ctx, id)
}

// Versions lists every version of a group, oldest first.
func (s *Service) Versions(ctx context.Context, jobID uuid.UUID, artifactType, role string) ([]types.Artifact, error) {
	return s.store.ListArtifactVersions(ctx, jobID, artifactType, role)
}

// Version retrieves one explicit version of a group.
func (s *Service) Version(ctx context.Context, jobID uuid.UUID, artifactType, role string, version int) (*types.Artifact, error) {
	return s.store.GetArtifactVersion(ctx, jobID, artifactType, role, version)
}

// Current lists the current version of every group of a job.
func (s *Service) Current(ctx context.Context, jobID uuid.UUID) ([]types.Artifact, error) {
	return s.store.ListArtifacts(ctx, jobID, true)
}

// Diff compares the metadata of two versions of the same group.
func (s *Service) Diff(ctx context.Context, fromID, toID uuid.UUID) (*Diff, error) {
	from, err := s.store.GetArtifact(ctx, fromID)
	if err != nil {
		return nil, err
	}
	to, err := s.store.GetArtifact(ctx, toID)
	if err != nil {
		return nil, err
	}
	return Compare(from, to)
}
