// Package providers defines the provisioning contract between the engine
// and the external binaries that create and destroy environment instances.
//
// A provider is a separate executable resolved by name through the
// Registry. ExecProvider drives it with newline-delimited JSON on
// stdin/stdout: gantry writes one request line, the provider streams log
// lines back, and a final done or error line ends the operation. The
// Request, Response, and Emitter types in this package are shared with
// provider binaries so both sides speak the same wire format.
package providers

import (
	"context"
	"encoding/json"
)

// Provider provisions and destroys environment instances.
type Provider interface {
	// Name returns the provider name, e.g. "localdir".
	Name() string

	// Provision creates the instance for an environment and returns its
	// network address.
	Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResult, error)

	// Destroy tears the instance down. Destroying an instance that no
	// longer exists is not an error.
	Destroy(ctx context.Context, req DestroyRequest) error
}

// ProvisionRequest carries everything a provider needs to create an
// instance.
type ProvisionRequest struct {
	// Environment is the environment name.
	Environment string `json:"environment"`

	// Instance is the generated instance name the provider should use.
	Instance string `json:"instance"`

	// ResourceGroup is the generated resource-group name.
	ResourceGroup string `json:"resource_group"`

	// Labels are propagated to the provisioned resources.
	Labels map[string]string `json:"labels,omitempty"`

	// Config is the provider block from the manifest, passed through
	// uninterpreted.
	Config json.RawMessage `json:"config,omitempty"`
}

// ProvisionResult is what a successful provision returns.
type ProvisionResult struct {
	// Address is the network address the instance is reachable on.
	Address string `json:"address"`

	// Metadata carries provider-specific details about the instance.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// DestroyRequest identifies the instance to tear down.
type DestroyRequest struct {
	// Environment is the environment name.
	Environment string `json:"environment"`

	// Instance is the generated instance name.
	Instance string `json:"instance"`

	// ResourceGroup is the generated resource-group name.
	ResourceGroup string `json:"resource_group"`

	// Address is the instance address recorded at provision time, empty
	// if provisioning never completed.
	Address string `json:"address,omitempty"`

	// Config is the provider block from the manifest, passed through
	// uninterpreted.
	Config json.RawMessage `json:"config,omitempty"`
}
