package models

import (
	"strconv"
	"time"
)

// ModelRecord is one immutable version of a registered model. The logical
// name is shared across versions; versions are strictly increasing per name.
type ModelRecord struct {
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	ArtifactRef  string    `json:"artifact_ref"`
	SourceJobID  string    `json:"source_job_id,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
}

/// Ref returns the name:version reference used by deployments.
func (m *ModelRecord) Ref() ModelRef {
	return ModelRef{Name: m.Name, Version: m.Version}
}

// ModelRef identifies a model version by name and version number.
type ModelRef struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

func (r ModelRef) String() string {
	return r.Name + ":" + strconv.Itoa(r.Version)
}
