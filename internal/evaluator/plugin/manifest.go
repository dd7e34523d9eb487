// Package plugin loads third-party evaluators and runs them out of
// process. A plugin is a subprocess speaking MCP over stdio; each
// evaluator it declares becomes a mesh participant whose calls are
// bounded by the manifest's sandbox limits.
package plugin

import (
	"fmt"
	"strings"
)

// Evaluator timeout bounds from the manifest contract.
const (
	MinEvaluatorTimeoutSeconds = 1
	MaxEvaluatorTimeoutSeconds = 30
)

// EvaluatorSpec declares one evaluator exposed by a plugin.
type EvaluatorSpec struct {
	Name           string `json:"name"`
	Priority       int    `json:"priority"`       // [1,10], orders violations in the aggregate
	TimeoutSeconds int    `json:"timeoutSeconds"` // [1,30]
	Trigger        string `json:"trigger,omitempty"` // policy DSL; empty runs on every request
}

// Sandbox caps a plugin's runtime.
type Sandbox struct {
	MemoryMB       int      `json:"memory"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	NetworkAccess  bool     `json:"networkAccess"`
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// Manifest describes a plugin: identity, declared evaluators, and the
// sandbox it must run under.
type Manifest struct {
	ID          string          `json:"id"`
	Version     string          `json:"version"`
	Evaluators  []EvaluatorSpec `json:"evaluators"`
	Sandbox     Sandbox         `json:"sandbox"`
	Permissions []string        `json:"permissions,omitempty"`
}

// Validate enforces the manifest contract before any code runs.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("plugin: manifest id is required")
	}
	if strings.TrimSpace(m.Version) == "" {
		return fmt.Errorf("plugin: manifest version is required")
	}
	if len(m.Evaluators) == 0 {
		return fmt.Errorf("plugin: manifest must declare at least one evaluator")
	}
	for i, e := range m.Evaluators {
		if strings.TrimSpace(e.Name) == "" {
			return fmt.Errorf("plugin: evaluators[%d].name is required", i)
		}
		if e.Priority < 1 || e.Priority > 10 {
			return fmt.Errorf("plugin: evaluators[%d].priority must be in [1,10] (got %d)", i, e.Priority)
		}
		if e.TimeoutSeconds < MinEvaluatorTimeoutSeconds || e.TimeoutSeconds > MaxEvaluatorTimeoutSeconds {
			return fmt.Errorf("plugin: evaluators[%d].timeoutSeconds must be in [%d,%d] (got %d)",
				i, MinEvaluatorTimeoutSeconds, MaxEvaluatorTimeoutSeconds, e.TimeoutSeconds)
		}
	}
	if m.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("plugin: sandbox.memory must be positive")
	}
	if !m.Sandbox.NetworkAccess && len(m.Sandbox.AllowedDomains) > 0 {
		return fmt.Errorf("plugin: allowedDomains set but networkAccess is false")
	}
	return nil
}
