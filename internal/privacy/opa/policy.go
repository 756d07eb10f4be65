// Package opa evaluates user supplied rego policies as an extra privacy
// exclusion source.
package opa

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// DecisionQuery is the rego query evaluated for every observation.
const DecisionQuery = "data.ktrack.privacy.decision"

// Decision is the document a policy must produce under DecisionQuery.
type Decision struct {
	Exclude bool   `json:"exclude"`
	Reason  string `json:"reason"`
}

// Policy wraps a prepared rego query loaded from a directory of .rego files.
type Policy struct {
	policyDir string
	logger    zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
	files int
}

// Load parses and prepares every .rego file in policyDir.
func Load(policyDir string, logger zerolog.Logger) (*Policy, error) {
	p := &Policy{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "privacy-policy").Logger(),
	}

	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Reload re-reads the policy directory. The previous query stays active on failure.
func (p *Policy) Reload() error {
	opts, count, err := p.loadModules()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	r := rego.New(append([]func(*rego.Rego){rego.Query(DecisionQuery)}, opts...)...)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare privacy query: %w", err)
	}

	p.mu.Lock()
	p.query = query
	p.files = count
	p.mu.Unlock()

	p.logger.Info().Str("policy_dir", p.policyDir).Int("files", count).Msg("Privacy policies loaded")
	return nil
}

func (p *Policy) loadModules() ([]func(*rego.Rego), int, error) {
	files, err := filepath.Glob(filepath.Join(p.policyDir, "*.rego"))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, 0, fmt.Errorf("no policy files found in %s", p.policyDir)
	}

	opts := make([]func(*rego.Rego), 0, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		p.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")

		opts = append(opts, rego.Module(file, string(content)))
	}

	return opts, len(files), nil
}

// Files returns the number of loaded policy files.
func (p *Policy) Files() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.files
}

// Evaluate runs the decision query. An undefined decision means "not excluded".
func (p *Policy) Evaluate(ctx context.Context, app, title string) (bool, string, error) {
	p.mu.RLock()
	query := p.query
	p.mu.RUnlock()

	start := time.Now()
	input := map[string]interface{}{
		"app":   app,
		"title": title,
	}

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, "", fmt.Errorf("privacy query evaluation failed: %w", err)
	}
	p.logger.Debug().Dur("duration", time.Since(start)).Msg("Privacy query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, "", nil
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return false, "", fmt.Errorf("failed to marshal privacy decision: %w", err)
	}

	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return false, "", fmt.Errorf("failed to unmarshal privacy decision: %w", err)
	}
	return d.Exclude, d.Reason, nil
}
