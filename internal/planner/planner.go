// Package planner converts a root prompt into a validated task graph through
// a structured-output LLM call. Invalid plans are retried with a corrective
// follow-up message; once the retry budget is spent the planner degrades to a
// single general task carrying the root prompt, so action creation never
// fails on planner trouble.
package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/acto-org/acto/internal/common/logger"
	"github.com/acto-org/acto/internal/core"
	"github.com/acto-org/acto/internal/llm"
	"github.com/acto-org/acto/internal/store"
)

const (
	defaultMaxTasks   = 8
	defaultMaxRetries = 2
	defaultCacheSize  = 128
	defaultCacheTTL   = 10 * time.Minute

	planTemperature = 0.2
)

const defaultSystemPrompt = `You are the planning component of an action orchestration system.
Decompose the user's goal into the smallest set of tasks that together achieve it.

Rules:
- Each task is a self-contained instruction for a single agent.
- Use dependencies to order tasks; a task may only depend on tasks listed before it.
- Tasks without a dependency relationship run concurrently.
- Prefer a few substantial tasks over many trivial ones.`

// PlannedTask is one node of a generated plan. Dependencies are indices into
// the plan, each strictly less than the task's own position, which keeps any
// accepted plan acyclic by construction.
type PlannedTask struct {
	Prompt       string `json:"prompt"`
	AgentType    string `json:"agent_type"`
	Dependencies []int  `json:"dependencies"`
	Model        string `json:"model,omitempty"`
}

// AgentTypesFunc reports the agent types a plan may reference. It is wired to
// the agent registry by the caller; using a function keeps this package free
// of an agent dependency.
type AgentTypesFunc func() []string

// Options tune the planner. Unset fields fall back to the code defaults;
// MaxRetries may be zero to disable corrective retries.
type Options struct {
	Model        string
	MaxTasks     int
	MaxRetries   int
	SystemPrompt string
	CacheSize    int
	CacheTTL     time.Duration
}

// Planner produces validated task graphs, recovery plans for failed tasks,
// and action titles.
type Planner struct {
	registry   *llm.Registry
	agentTypes AgentTypesFunc
	model      string
	maxTasks   int
	maxRetries int
	sysPrompt  string
	cache      *expirable.LRU[string, []PlannedTask]
}

// New returns a planner backed by the model registry.
func New(registry *llm.Registry, agentTypes AgentTypesFunc, opts Options) *Planner {
	if opts.MaxTasks <= 0 {
		opts.MaxTasks = defaultMaxTasks
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = defaultCacheTTL
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	return &Planner{
		registry:   registry,
		agentTypes: agentTypes,
		model:      opts.Model,
		maxTasks:   opts.MaxTasks,
		maxRetries: opts.MaxRetries,
		sysPrompt:  opts.SystemPrompt,
		cache:      expirable.NewLRU[string, []PlannedTask](opts.CacheSize, nil, opts.CacheTTL),
	}
}

// Plan turns the root prompt into a validated plan. Identical inputs are
// served from the plan cache while the entry is fresh. When existing tasks
// are given they are passed to the model as re-plan context.
func (p *Planner) Plan(ctx context.Context, rootPrompt string, existingTasks []*core.Task) ([]PlannedTask, error) {
	if strings.TrimSpace(rootPrompt) == "" {
		return nil, fmt.Errorf("root prompt is empty")
	}

	key := planCacheKey(rootPrompt, existingTasks)
	if cached, ok := p.cache.Get(key); ok {
		logger.Debug(ctx, "Plan cache hit")
		return clonePlan(cached), nil
	}

	plan, err := p.generate(ctx, rootPrompt, existingTasks)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		logger.Warn(ctx, "Planning failed, using single-task fallback", "err", err)
		return []PlannedTask{{Prompt: rootPrompt, AgentType: core.GeneralAgentType}}, nil
	}

	p.cache.Add(key, clonePlan(plan))
	return plan, nil
}

// generate runs the structured-output call with corrective retries. Provider
// errors retry the unchanged conversation; rejected plans append the model's
// reply plus a correction so the next attempt can repair it.
func (p *Planner) generate(ctx context.Context, rootPrompt string, existingTasks []*core.Task) ([]PlannedTask, error) {
	types := p.agentTypes()
	temp := planTemperature
	req := &llm.Request{
		Model:       p.model,
		System:      p.planSystemPrompt(types),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: planUserPrompt(rootPrompt, existingTasks)}},
		Temperature: &temp,
		JSONSchema:  planSchema(types),
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err := p.registry.Complete(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		plan, err := p.parsePlan(resp.Content, types)
		if err == nil {
			return plan, nil
		}
		lastErr = err
		logger.Debug(ctx, "Plan rejected", "attempt", attempt+1, "err", err)
		req.Messages = append(req.Messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: correctionPrompt(err)},
		)
	}
	return nil, fmt.Errorf("plan rejected after %d attempts: %w", p.maxRetries+1, lastErr)
}

// GenerateTitle asks the model for a short action title. It never fails;
// errors fall back to a truncation of the prompt.
func (p *Planner) GenerateTitle(ctx context.Context, prompt string) string {
	return p.registry.GenerateTitle(ctx, prompt)
}

// ToTaskSpecs materialises a plan as store task specs, assigning ids and
// resolving index dependencies to those ids. Spec order matches plan order so
// the executor's admission order follows the plan.
func ToTaskSpecs(plan []PlannedTask) []store.TaskSpec {
	ids := make([]string, len(plan))
	for i := range plan {
		ids[i] = uuid.NewString()
	}
	specs := make([]store.TaskSpec, len(plan))
	for i, t := range plan {
		deps := make([]string, 0, len(t.Dependencies))
		for _, d := range t.Dependencies {
			deps = append(deps, ids[d])
		}
		specs[i] = store.TaskSpec{
			ID:           ids[i],
			Prompt:       t.Prompt,
			AgentType:    t.AgentType,
			Model:        t.Model,
			Dependencies: deps,
		}
	}
	return specs
}

func (p *Planner) planSystemPrompt(agentTypes []string) string {
	var b strings.Builder
	b.WriteString(p.sysPrompt)
	b.WriteString("\n\nAvailable agent types: ")
	b.WriteString(strings.Join(agentTypes, ", "))
	b.WriteString(".\nProduce at most ")
	b.WriteString(strconv.Itoa(p.maxTasks))
	b.WriteString(" tasks.")
	return b.String()
}

func planUserPrompt(rootPrompt string, existingTasks []*core.Task) string {
	if len(existingTasks) == 0 {
		return rootPrompt
	}
	type taskContext struct {
		Prompt    string `json:"prompt"`
		AgentType string `json:"agent_type"`
		Status    string `json:"status"`
		Summary   string `json:"summary,omitempty"`
	}
	snapshot := make([]taskContext, 0, len(existingTasks))
	for _, t := range existingTasks {
		snapshot = append(snapshot, taskContext{
			Prompt:    t.Prompt,
			AgentType: t.AgentType,
			Status:    t.Status.String(),
			Summary:   t.OutputSummary,
		})
	}
	encoded, _ := json.MarshalIndent(snapshot, "", "  ")
	return fmt.Sprintf("%s\n\nThe action already has these tasks:\n%s\n\nPlan the remaining work; do not repeat completed tasks.", rootPrompt, encoded)
}

func correctionPrompt(cause error) string {
	return fmt.Sprintf("That plan was rejected: %v. Output a valid plan as a single JSON object matching the schema. Dependencies must be indices of earlier tasks only.", cause)
}

func (p *Planner) parsePlan(content string, agentTypes []string) ([]PlannedTask, error) {
	var decoded struct {
		Tasks []PlannedTask `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(stripFences(content)), &decoded); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := validatePlan(decoded.Tasks, agentTypes, p.maxTasks); err != nil {
		return nil, err
	}
	return decoded.Tasks, nil
}

// validatePlan checks a plan in the documented order: non-empty list,
// non-empty prompts, agent types (unknown ones fall back to the general
// agent), dependency indices, then the task count cap.
func validatePlan(plan []PlannedTask, agentTypes []string, maxTasks int) error {
	if len(plan) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	known := make(map[string]struct{}, len(agentTypes))
	for _, t := range agentTypes {
		known[t] = struct{}{}
	}
	for i := range plan {
		if strings.TrimSpace(plan[i].Prompt) == "" {
			return fmt.Errorf("task %d has an empty prompt", i)
		}
		if _, ok := known[plan[i].AgentType]; !ok {
			plan[i].AgentType = core.GeneralAgentType
		}
		for _, d := range plan[i].Dependencies {
			if d < 0 || d >= i {
				return fmt.Errorf("task %d depends on index %d; dependencies must reference earlier tasks", i, d)
			}
		}
	}
	if len(plan) > maxTasks {
		return fmt.Errorf("plan has %d tasks, limit is %d", len(plan), maxTasks)
	}
	return nil
}

// stripFences removes a surrounding markdown code fence, which some models
// emit even when asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func planSchema(agentTypes []string) *jsonschema.Schema {
	typeEnum := make([]any, 0, len(agentTypes))
	for _, t := range agentTypes {
		typeEnum = append(typeEnum, t)
	}
	taskSchema := &jsonschema.Schema{
		Type:     "object",
		Required: []string{"prompt", "agent_type", "dependencies"},
		Properties: map[string]*jsonschema.Schema{
			"prompt":     {Type: "string", Description: "Self-contained instruction for the agent executing this task"},
			"agent_type": {Type: "string", Enum: typeEnum, Description: "Agent that executes this task"},
			"dependencies": {
				Type:        "array",
				Items:       &jsonschema.Schema{Type: "integer"},
				Description: "Indices of earlier tasks whose outputs this task needs",
			},
			"model": {Type: "string", Description: "Optional model override as provider/model"},
		},
	}
	return &jsonschema.Schema{
		Type:     "object",
		Required: []string{"tasks"},
		Properties: map[string]*jsonschema.Schema{
			"tasks": {Type: "array", Items: taskSchema, Description: "Tasks in execution order"},
		},
	}
}

func planCacheKey(rootPrompt string, existingTasks []*core.Task) string {
	h := sha256.New()
	h.Write([]byte(rootPrompt))
	for _, t := range existingTasks {
		h.Write([]byte{0})
		h.Write([]byte(t.ID))
		h.Write([]byte{0})
		h.Write([]byte(t.Prompt))
		h.Write([]byte{0})
		h.Write([]byte(t.Status.String()))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func clonePlan(plan []PlannedTask) []PlannedTask {
	out := make([]PlannedTask, len(plan))
	for i, t := range plan {
		out[i] = t
		out[i].Dependencies = append([]int(nil), t.Dependencies...)
	}
	return out
}
