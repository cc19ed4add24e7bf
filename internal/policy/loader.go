package policy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// LoadFile reads and compiles a policy document from a JSON file.
// Returns a *LoadError if the file does not exist, is not a .json file,
// or does not parse.
func LoadFile(path string) (*Engine, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("policy file not found: %w", err)}
	}
	if filepath.Ext(path) != ".json" {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("policy file must be JSON")}
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("invalid JSON: %w", err)}
	}
	return NewEngine(doc), nil
}

// FromDocument compiles a policy from an in-process document map.
// Returns a *LoadError if the map does not have the document shape.
func FromDocument(doc map[string]any) (*Engine, error) {
	if doc == nil {
		return nil, &LoadError{Err: fmt.Errorf("policy must be a mapping")}
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	var parsed Document
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &LoadError{Err: fmt.Errorf("invalid document shape: %w", err)}
	}
	return NewEngine(parsed), nil
}

// DefaultDocument returns the built-in policy used when no custom policy
// is configured or the configured one fails to load: compliance flags
// escalate, high risk escalates, low-risk/high-confidence/low-cost
// auto-approves, everything else requires a human.
func DefaultDocument() Document {
	return Document{
		Version:     "2.0.0",
		Description: "Default decision-gate policy with heuristic rules",
		Rules: []Rule{
			{
				ID:          "compliance-flag",
				Description: "Force escalation when compliance flags are present",
				When:        map[string]any{"exists": []any{"{{compliance_flags}}"}},
				Then:        Outcome{Result: ResultForceEscalation, Reason: "Compliance flag present"},
			},
			{
				ID:          "high-risk",
				Description: "Force escalation for high risk scores",
				When:        map[string]any{"gte": []any{"{{risk_score}}", 0.8}},
				Then:        Outcome{Result: ResultForceEscalation, Reason: "High risk score"},
			},
			{
				ID:          "auto-approve-low-risk",
				Description: "Auto approve low risk, high confidence, low cost",
				When: map[string]any{"all": []any{
					map[string]any{"lte": []any{"{{risk_score}}", 0.2}},
					map[string]any{"gte": []any{"{{confidence_score}}", 0.8}},
					map[string]any{"any": []any{
						map[string]any{"missing": []any{"{{estimated_cost}}"}},
						map[string]any{"lte": []any{"{{estimated_cost}}", 500.0}},
					}},
				}},
				Then: Outcome{Result: ResultAutoApprove, Reason: "Low risk with high confidence"},
			},
		},
		Default: Outcome{Result: ResultRequireHuman, Reason: "Default: requires human review"},
	}
}

// Source owns the compiled policy engine for the process. The engine is
// read-mostly: handlers call Engine() on every evaluation, and an
// explicit admin Reload() swaps in a freshly compiled instance. A load
// failure never leaves the process without an engine — the built-in
// default takes over and the failure is logged.
type Source struct {
	path   string // optional custom policy file; empty means built-in default
	logger *slog.Logger

	mu     sync.RWMutex
	engine *Engine
}

// NewSource creates a policy source. The engine is built lazily on
// first use.
func NewSource(path string, logger *slog.Logger) *Source {
	return &Source{path: path, logger: logger}
}

// Engine returns the cached engine, building it on first call.
func (s *Source) Engine() *Engine {
	s.mu.RLock()
	eng := s.engine
	s.mu.RUnlock()
	if eng != nil {
		return eng
	}
	return s.Reload()
}

// Reload compiles a fresh engine from the configured path (or the
// built-in default) and makes it the cached instance. If the configured
// file fails to load, the default policy is used instead; Reload never
// fails.
func (s *Source) Reload() *Engine {
	eng := s.build()
	s.mu.Lock()
	s.engine = eng
	s.mu.Unlock()
	return eng
}

func (s *Source) build() *Engine {
	if s.path != "" {
		eng, err := LoadFile(s.path)
		if err == nil {
			s.logger.Info("policy loaded", "path", s.path, "version", eng.Version(), "rules", eng.RuleCount())
			return eng
		}
		s.logger.Warn("policy load failed, using built-in default", "path", s.path, "error", err)
	}
	return NewEngine(DefaultDocument())
}
