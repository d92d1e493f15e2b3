package scan

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Scan type values accepted on a trigger.
const (
	ScanTypeFull           = "full"
	ScanTypeIncremental    = "incremental"
	ScanTypeDependencyOnly = "dependency-only"
)

// anonymousKey is the admission key for triggers without a user identity.
const anonymousKey = "anonymous"

var validate = validator.New(validator.WithRequiredStructEnabled())

// TriggerEvent is the payload that starts a scan run, whether from the API
// or the scheduler.
type TriggerEvent struct {
	RepoURL  string            `json:"repoUrl" validate:"required,url"`
	Branch   string            `json:"branch,omitempty"`
	ScanType string            `json:"scanType,omitempty" validate:"omitempty,oneof=full incremental dependency-only"`
	UserID   string            `json:"userId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ApplyDefaults sets default values for unset fields.
func (e *TriggerEvent) ApplyDefaults() {
	if e.Branch == "" {
		e.Branch = "main"
	}
	if e.ScanType == "" {
		e.ScanType = ScanTypeFull
	}
}

// Validate checks the trigger before any run exists. Malformed triggers are
// rejected here, never retried.
func (e *TriggerEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid scan trigger: %w", err)
	}
	return nil
}

// Key returns the rate-limit admission key for this trigger.
func (e *TriggerEvent) Key() string {
	if e.UserID != "" {
		return e.UserID
	}
	return anonymousKey
}
