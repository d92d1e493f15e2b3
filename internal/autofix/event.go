// Package autofix defines the automated remediation saga: look up similar
// historical fixes, generate a patch, create a fix branch, and open a pull
// request. Each step depends on the prior step's output.
package autofix

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// systemKey is the admission key for triggers without a user identity.
const systemKey = "system"

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is the payload that starts an auto-fix run, typically emitted for a
// qualifying finding of a completed scan.
type Event struct {
	CVEID                  string    `json:"cveId" validate:"required"`
	VulnerabilityName      string    `json:"vulnerabilityName" validate:"required"`
	Description            string    `json:"description,omitempty"`
	VulnerableCodeSnippet  string    `json:"vulnerableCodeSnippet" validate:"required"`
	VulnerabilitySignature []float32 `json:"vulnerabilitySignature" validate:"required,min=1"`
	RepoOwner              string    `json:"repoOwner" validate:"required"`
	RepoName               string    `json:"repoName" validate:"required"`
	BaseSHA                string    `json:"baseSha" validate:"required"`
	BaseBranch             string    `json:"baseBranch,omitempty"`
	UserID                 string    `json:"userId,omitempty"`
}

// ApplyDefaults sets default values for unset fields.
func (e *Event) ApplyDefaults() {
	if e.BaseBranch == "" {
		e.BaseBranch = "main"
	}
}

// Validate checks the trigger before any run exists.
func (e *Event) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid auto-fix trigger: %w", err)
	}
	return nil
}

// Key returns the rate-limit admission key for this trigger.
func (e *Event) Key() string {
	if e.UserID != "" {
		return e.UserID
	}
	return systemKey
}
