package models

import (
	"time"
)

// ProvisioningState represents the provisioning lifecycle of an endpoint or
// deployment.
type ProvisioningState string

const (
	StateCreating  ProvisioningState = "creating"
	StateUpdating  ProvisioningState = "updating"
	StateSucceeded ProvisioningState = "succeeded"
	StateFailed    ProvisioningState = "failed"
	StateDeleting  ProvisioningState = "deleting"
	StateDeleted   ProvisioningState = "deleted"
)

// AuthMode controls how invocation requests to an endpoint are authenticated.
type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeKey  AuthMode = "key"
)

// EndpointSpec is the caller-supplied part of an endpoint.
type EndpointSpec struct {
	Name        string            `json:"name"`
	AuthMode    AuthMode          `json:"auth_mode,omitempty"`
	Description string            `json:"description,omitempty"`
	Tags        map[string]string `json:"tags,omitempty"`
}

// Endpoint is a named entry point for inference traffic. Traffic maps
// deployment name to percentage; percentages sum to at most 100 and the
// unassigned remainder is dropped.
type Endpoint struct {
	Spec      EndpointSpec      `json:"spec"`
	State     ProvisioningState `json:"state"`
	Traffic   map[string]int    `json:"traffic,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DeploymentSpec is the caller-supplied part of a deployment. The bound model
// version is immutable once the deployment exists; changing the model requires
// a new deployment.
type DeploymentSpec struct {
	Name          string   `json:"name"`
	Endpoint      string   `json:"endpoint"`
	Model         ModelRef `json:"model"`
	InstanceType  string   `json:"instance_type,omitempty"`
	InstanceCount int      `json:"instance_count"`
}

// Deployment binds one model version to serving capacity under an endpoint.
type Deployment struct {
	Spec      DeploymentSpec    `json:"spec"`
	State     ProvisioningState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}
