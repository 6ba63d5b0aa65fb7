package opa

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"
)

// DecisionQuery is the rule every policy set must define.
const DecisionQuery = "data.lunameter.admin.decision"

//go:embed policies/*.rego
var builtinPolicies embed.FS

// Config holds engine configuration
type Config struct {
	// PolicyDir overrides the built-in policies when set.
	PolicyDir string
	// Data is exposed to policies under data.lunameter.
	Data map[string]interface{}
}

// Decision is the result of evaluating the decision rule.
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason"`
}

// Engine wraps the OPA rego engine for operator authorization
type Engine struct {
	config Config
	logger zerolog.Logger

	mu      sync.RWMutex
	query   rego.PreparedEvalQuery
	modules map[string]*ast.Module
}

// NewEngine creates a new OPA engine
func NewEngine(config Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		config: config,
		logger: logger.With().Str("component", "opa").Logger(),
	}

	if err := e.Reload(); err != nil {
		return nil, err
	}

	source := "builtin"
	if config.PolicyDir != "" {
		source = config.PolicyDir
	}
	e.logger.Info().Str("policy_source", source).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies parses every .rego file from the policy directory, or the
// built-in set when no directory is configured.
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	var (
		files  []string
		source fs.FS
	)
	if e.config.PolicyDir != "" {
		source = os.DirFS(e.config.PolicyDir)
		matches, err := fs.Glob(source, "*.rego")
		if err != nil {
			return nil, fmt.Errorf("failed to glob policy files: %w", err)
		}
		files = matches
	} else {
		sub, err := fs.Sub(builtinPolicies, "policies")
		if err != nil {
			return nil, err
		}
		source = sub
		matches, err := fs.Glob(source, "*.rego")
		if err != nil {
			return nil, err
		}
		files = matches
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.config.PolicyDir)
	}
	sort.Strings(files)

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := fs.ReadFile(source, file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", filepath.Base(file)).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// prepare compiles the decision query against modules
func (e *Engine) prepare(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){
		rego.Query(DecisionQuery),
		rego.Store(inmem.NewFromObject(map[string]interface{}{
			"lunameter": e.data(),
		})),
	}
	for _, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare decision query: %w", err)
	}
	return query, nil
}

// data returns the configured data in a JSON-compatible shape.
func (e *Engine) data() map[string]interface{} {
	if e.config.Data == nil {
		return map[string]interface{}{}
	}
	raw, err := json.Marshal(e.config.Data)
	if err != nil {
		return map[string]interface{}{}
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return map[string]interface{}{}
	}
	return data
}

// Evaluate runs the decision query for input
func (e *Engine) Evaluate(ctx context.Context, input map[string]interface{}) (*Decision, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.query
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("decision query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Decision query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, fmt.Errorf("no results from decision query")
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal decision: %w", err)
	}

	var decision Decision
	if err := json.Unmarshal(resultBytes, &decision); err != nil {
		return nil, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	return &decision, nil
}

// Reload reloads all policies. On failure the previous policies stay in effect.
func (e *Engine) Reload() error {
	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	query, err := e.prepare(modules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.modules = modules
	e.query = query
	e.mu.Unlock()

	e.logger.Info().Int("modules", len(modules)).Msg("OPA policies loaded")
	return nil
}

// Modules returns the names of the loaded policy files.
func (e *Engine) Modules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
