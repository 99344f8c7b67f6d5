package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/modelmux/modelmux/pkg/errdefs"
	"github.com/modelmux/modelmux/pkg/keylock"
	"github.com/modelmux/modelmux/pkg/models"
	"github.com/modelmux/modelmux/pkg/store"
)

// Registry is the append-only model catalog. Versions per name are dense and
// start at 1; records are immutable once written.
type Registry struct {
	store store.Store
	locks *keylock.KeyLock // serializes version assignment per model name
}

// New creates a registry backed by s.
func New(s store.Store) *Registry {
	return &Registry{
		store: s,
		locks: keylock.New(),
	}
}

// Register assigns the next version under name and persists the record.
// Concurrent registrations under the same name serialize on a per-name lock,
// so assigned versions are gap-free.
func (r *Registry) Register(ctx context.Context, name, artifactRef, sourceJobID string) (*models.ModelRecord, error) {
	if name == "" {
		return nil, errdefs.Validation("", "model name is required")
	}
	if artifactRef == "" {
		return nil, errdefs.Validation(name, "artifact ref is required")
	}

	var rec *models.ModelRecord
	var err error
	r.locks.With(name, func() {
		var max int
		max, err = r.store.MaxModelVersion(name)
		if err != nil {
			return
		}

		rec = &models.ModelRecord{
			Name:         name,
			Version:      max + 1,
			ArtifactRef:  artifactRef,
			SourceJobID:  sourceJobID,
			RegisteredAt: time.Now(),
		}
		if err = r.store.InsertModelVersion(rec); err == store.ErrDuplicateModelVersion {
			// Another writer on a different registry instance won the version;
			// surface rather than silently retry.
			err = errdefs.Conflict(name, "version %d already registered", rec.Version)
		}
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("model", name).
		Int("version", rec.Version).
		Str("artifact", artifactRef).
		Str("source_job", sourceJobID).
		Msg("Model version registered")
	return rec, nil
}

// Get retrieves one version of a model.
func (r *Registry) Get(ctx context.Context, name string, version int) (*models.ModelRecord, error) {
	rec, err := r.store.GetModelVersion(name, version)
	if err == store.ErrModelNotFound {
		return nil, errdefs.NotFound(name, "model version %d not found", version)
	}
	return rec, err
}

// Latest returns the highest registered version of name.
func (r *Registry) Latest(ctx context.Context, name string) (*models.ModelRecord, error) {
	rec, err := r.store.LatestModelVersion(name)
	if err == store.ErrModelNotFound {
		return nil, errdefs.NotFound(name, "model not found")
	}
	return rec, err
}

// List returns all versions of name, ascending.
func (r *Registry) List(ctx context.Context, name string) ([]*models.ModelRecord, error) {
	recs, err := r.store.ListModelVersions(name)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, errdefs.NotFound(name, "model not found")
	}
	return recs, nil
}
