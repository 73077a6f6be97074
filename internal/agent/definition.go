package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/goccy/go-yaml"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/acto-org/acto/internal/common/fileutil"
	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
)

// Reloads re-read the whole directory; the cache keeps files that did not
// change from being parsed and validated again.
var definitionCache = fileutil.NewCache[Definition]("agent_definition", 0, 12*time.Hour)

// Definition derives a custom agent from a builtin base. Files are YAML, one
// definition per file. A definition whose type matches a builtin shadows it,
// which is how deployments override a builtin's guidance or default model.
type Definition struct {
	Type         string `yaml:"type" json:"type"`
	Base         string `yaml:"base" json:"base"`
	Description  string `yaml:"description" json:"description,omitempty"`
	Model        string `yaml:"model" json:"model,omitempty"`
	SystemPrompt string `yaml:"systemPrompt" json:"systemPrompt,omitempty"`
}

var defaultDefinition = Definition{
	Base: core.GeneralAgentType,
}

var definitionSchema = &jsonschema.Schema{
	Type:     "object",
	Required: []string{"type"},
	Properties: map[string]*jsonschema.Schema{
		"type": {Type: "string", Description: "Agent type name tasks refer to"},
		"base": {
			Type:        "string",
			Enum:        []any{"general", "report", "data_retrieval", "code_execution", "spreadsheet"},
			Description: "Builtin agent this definition derives from (default: general)",
		},
		"description":  {Type: "string", Description: "Shown in agent listings"},
		"model":        {Type: "string", Description: "Default model as provider/model for tasks that do not pin one"},
		"systemPrompt": {Type: "string", Description: "Extra system guidance prepended to the base agent's prompt"},
	},
}

var (
	definitionResolveOnce sync.Once
	definitionResolved    *jsonschema.Resolved
	definitionResolveErr  error
)

func resolvedDefinitionSchema() (*jsonschema.Resolved, error) {
	definitionResolveOnce.Do(func() {
		definitionResolved, definitionResolveErr = definitionSchema.Resolve(nil)
	})
	return definitionResolved, definitionResolveErr
}

// LoadDefinition reads and validates one YAML definition file.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	resolved, err := resolvedDefinitionSchema()
	if err != nil {
		return Definition{}, err
	}
	if err := resolved.Validate(raw); err != nil {
		return Definition{}, fmt.Errorf("invalid definition %s: %w", path, err)
	}

	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if err := mergo.Merge(&def, defaultDefinition); err != nil {
		return Definition{}, fmt.Errorf("failed to apply defaults to %s: %w", path, err)
	}
	if def.Type == "" {
		return Definition{}, fmt.Errorf("definition %s has an empty type", path)
	}
	return def, nil
}

// LoadDir loads every YAML definition in dir, skipping files that fail to
// parse or validate. A missing directory is treated as empty. The returned
// error joins the per-file failures; definitions from healthy files are
// still returned.
func LoadDir(ctx context.Context, dir string) ([]Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read agents dir %s: %w", dir, err)
	}

	var (
		defs []Definition
		errs []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !fileutil.IsYAMLFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		def, err := definitionCache.LoadLatest(path, func() (Definition, error) {
			return LoadDefinition(path)
		})
		if err != nil {
			logger.Warn(ctx, "Skipping agent definition", "file", entry.Name(), "err", err)
			errs = append(errs, err)
			continue
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Type < defs[j].Type })
	return defs, errors.Join(errs...)
}

// customAgent wraps a builtin with the overrides of a definition.
type customAgent struct {
	def  Definition
	base Agent
}

func (c *customAgent) Type() string { return c.def.Type }

func (c *customAgent) Description() string {
	if c.def.Description != "" {
		return c.def.Description
	}
	return c.base.Description()
}

func (c *customAgent) Run(ctx context.Context, req *Request) (*Result, error) {
	forwarded := *req
	if c.def.SystemPrompt != "" {
		forwarded.Instructions = c.def.SystemPrompt
	}
	if c.def.Model != "" && req.Task.Model == "" {
		task := *req.Task
		task.Model = c.def.Model
		forwarded.Task = &task
	}
	return c.base.Run(ctx, &forwarded)
}
