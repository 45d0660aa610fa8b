// Package config provides pipeline graph, stage and process configuration.
package config

import (
	"fmt"
	"sort"
)

// Edge is the outgoing label a stage returns after processing.
type Edge string

const (
	// EdgeNext follows a transform stage's single successor.
	EdgeNext Edge = "next"
	// EdgeApprove follows the gate's approve successor.
	EdgeApprove Edge = "approve"
	// EdgeRevise follows the gate's revise successor (the one cycle edge).
	EdgeRevise Edge = "revise"
	// EdgeTerminal signals the run produced its terminal output.
	EdgeTerminal Edge = "terminal"
	// EdgeNone signals a re-entry guard consumed the transcript without forwarding.
	EdgeNone Edge = "none"
)

// StageKind classifies a stage's routing shape.
type StageKind string

const (
	StageTransform StageKind = "transform" // one successor
	StageGate      StageKind = "gate"      // approve + revise successors
	StageArtifact  StageKind = "artifact"  // terminal sink
)

// EdgeLimit caps traversals of one directed edge within a run.
type EdgeLimit struct {
	From     string `json:"from"`
	To       string `json:"to"`
	MaxCount int    `json:"max_count"`
}

// StageConfig is the declarative stage configuration.
type StageConfig struct {
	// Identity
	Name        string    `json:"name"`         // Unique stage id
	DisplayName string    `json:"display_name"` // Tag used in event previews
	Kind        StageKind `json:"kind"`
	Order       int       `json:"order"` // Listing order, not execution order

	// Capability
	InstructionKey  string `json:"instruction_key"`  // Instruction file stem
	ModelRole       string `json:"model_role"`       // Capability selector
	SearchGrounding bool   `json:"search_grounding"` // Request web search on this stage only

	// Routing
	Next        string `json:"next,omitempty"`         // transform successor
	ApproveNext string `json:"approve_next,omitempty"` // gate approve successor
	ReviseNext  string `json:"revise_next,omitempty"`  // gate revise successor

	// Re-entry guard: perform no work when the latest directive is a final approval.
	SkipWhenApproved bool `json:"skip_when_approved"`

	// Bounds
	TimeoutSeconds int `json:"timeout_seconds"`
}

// Validate validates the stage configuration in isolation.
func (c *StageConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("StageConfig.Name is required")
	}
	if c.DisplayName == "" {
		c.DisplayName = c.Name
	}
	if c.Kind == "" {
		c.Kind = StageTransform
	}
	switch c.Kind {
	case StageTransform:
		if c.Next == "" {
			return fmt.Errorf("stage '%s' is a transform stage but has no next", c.Name)
		}
	case StageGate:
		if c.ApproveNext == "" || c.ReviseNext == "" {
			return fmt.Errorf("gate stage '%s' requires approve_next and revise_next", c.Name)
		}
	case StageArtifact:
		if c.Next != "" || c.ApproveNext != "" || c.ReviseNext != "" {
			return fmt.Errorf("artifact stage '%s' must not have successors", c.Name)
		}
	default:
		return fmt.Errorf("stage '%s' has unknown kind '%s'", c.Name, c.Kind)
	}
	return nil
}

// Successors returns the stage's outgoing targets keyed by edge.
func (c *StageConfig) Successors() map[Edge]string {
	switch c.Kind {
	case StageGate:
		return map[Edge]string{EdgeApprove: c.ApproveNext, EdgeRevise: c.ReviseNext}
	case StageTransform:
		return map[Edge]string{EdgeNext: c.Next}
	default:
		return map[Edge]string{}
	}
}

// PipelineConfig is the static stage graph.
type PipelineConfig struct {
	Name       string         `json:"name"` // Pipeline name for logging/metrics
	Stages     []*StageConfig `json:"stages"`
	EntryStage string         `json:"entry_stage"`

	// Global Configuration
	MaxReviewCycles       int         `json:"max_review_cycles"`
	MaxStageHops          int         `json:"max_stage_hops"`
	EdgeLimits            []EdgeLimit `json:"edge_limits,omitempty"`
	DefaultTimeoutSeconds int         `json:"default_timeout_seconds"`

	// Computed at validation time (internal)
	byName     map[string]*StageConfig
	gate       string
	artifact   string
	linearized []string
}

// NewPipelineConfig creates a new pipeline config with defaults.
func NewPipelineConfig(name string) *PipelineConfig {
	return &PipelineConfig{
		Name:                  name,
		Stages:                make([]*StageConfig, 0),
		MaxReviewCycles:       3,
		DefaultTimeoutSeconds: 300,
	}
}

// AddStage adds a stage to the pipeline.
func (p *PipelineConfig) AddStage(stage *StageConfig) error {
	if err := stage.Validate(); err != nil {
		return err
	}
	p.Stages = append(p.Stages, stage)
	return nil
}

// Validate validates the graph shape and computes lookups.
//
// The graph must have exactly one gate and one artifact sink, every target must
// exist, the graph without the revise edge must be acyclic with every stage
// reachable from the entry, and the revise edge must close exactly one cycle.
func (p *PipelineConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("PipelineConfig.Name is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("pipeline '%s' has no stages", p.Name)
	}
	if p.MaxReviewCycles < 1 {
		return fmt.Errorf("pipeline '%s' max_review_cycles must be >= 1, got %d", p.Name, p.MaxReviewCycles)
	}

	sort.SliceStable(p.Stages, func(i, j int) bool {
		return p.Stages[i].Order < p.Stages[j].Order
	})

	p.byName = make(map[string]*StageConfig, len(p.Stages))
	p.gate, p.artifact = "", ""
	for _, stage := range p.Stages {
		if err := stage.Validate(); err != nil {
			return err
		}
		if stage.TimeoutSeconds == 0 {
			stage.TimeoutSeconds = p.DefaultTimeoutSeconds
		}
		if _, dup := p.byName[stage.Name]; dup {
			return fmt.Errorf("duplicate stage name: %s", stage.Name)
		}
		p.byName[stage.Name] = stage

		switch stage.Kind {
		case StageGate:
			if p.gate != "" {
				return fmt.Errorf("pipeline '%s' has more than one gate stage", p.Name)
			}
			p.gate = stage.Name
		case StageArtifact:
			if p.artifact != "" {
				return fmt.Errorf("pipeline '%s' has more than one artifact stage", p.Name)
			}
			p.artifact = stage.Name
		}
	}
	if p.gate == "" {
		return fmt.Errorf("pipeline '%s' has no gate stage", p.Name)
	}
	if p.artifact == "" {
		return fmt.Errorf("pipeline '%s' has no artifact stage", p.Name)
	}

	if p.EntryStage == "" {
		p.EntryStage = p.Stages[0].Name
	}
	if _, ok := p.byName[p.EntryStage]; !ok {
		return fmt.Errorf("entry stage '%s' not found", p.EntryStage)
	}

	for _, stage := range p.Stages {
		for edge, target := range stage.Successors() {
			if _, ok := p.byName[target]; !ok {
				return fmt.Errorf("stage '%s' %s edge routes to unknown target '%s'", stage.Name, edge, target)
			}
		}
	}
	for _, limit := range p.EdgeLimits {
		if _, ok := p.byName[limit.From]; !ok {
			return fmt.Errorf("edge limit references unknown stage '%s'", limit.From)
		}
		if _, ok := p.byName[limit.To]; !ok {
			return fmt.Errorf("edge limit references unknown stage '%s'", limit.To)
		}
	}

	if err := p.validateForwardDAG(); err != nil {
		return err
	}
	return p.validateCycle()
}

// validateForwardDAG runs Kahn's algorithm over the graph without the revise
// edge, rejecting cycles and stages unreachable from the entry.
func (p *PipelineConfig) validateForwardDAG() error {
	inDegree := make(map[string]int, len(p.Stages))
	adjacency := make(map[string][]string, len(p.Stages))
	for _, stage := range p.Stages {
		for edge, target := range stage.Successors() {
			if edge == EdgeRevise {
				continue
			}
			adjacency[stage.Name] = append(adjacency[stage.Name], target)
			inDegree[target]++
		}
	}

	queue := make([]string, 0)
	for _, stage := range p.Stages {
		if inDegree[stage.Name] == 0 {
			queue = append(queue, stage.Name)
		}
	}
	order := make([]string, 0, len(p.Stages))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		order = append(order, current)
		for _, dependent := range adjacency[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}
	if len(order) != len(p.Stages) {
		cycleNodes := []string{}
		for _, stage := range p.Stages {
			if inDegree[stage.Name] > 0 {
				cycleNodes = append(cycleNodes, stage.Name)
			}
		}
		return fmt.Errorf("forward cycle detected involving stages: %v", cycleNodes)
	}

	reachable := p.reachableFrom(p.EntryStage, false)
	for _, stage := range p.Stages {
		if !reachable[stage.Name] {
			return fmt.Errorf("stage '%s' is not reachable from entry '%s'", stage.Name, p.EntryStage)
		}
	}
	if order[0] != p.EntryStage {
		return fmt.Errorf("entry stage '%s' has incoming forward edges", p.EntryStage)
	}
	p.linearized = order
	return nil
}

// validateCycle checks the revise edge points back at a forward ancestor of the gate.
func (p *PipelineConfig) validateCycle() error {
	gate := p.byName[p.gate]
	target := gate.ReviseNext
	if target == p.gate {
		return fmt.Errorf("gate '%s' cannot revise into itself", p.gate)
	}
	if !p.reachableFrom(target, false)[p.gate] {
		return fmt.Errorf("revise target '%s' does not lead back to gate '%s'", target, p.gate)
	}
	if p.reachableFrom(gate.ApproveNext, true)[p.gate] {
		return fmt.Errorf("approve target '%s' must not lead back to gate '%s'", gate.ApproveNext, p.gate)
	}
	return nil
}

func (p *PipelineConfig) reachableFrom(start string, withRevise bool) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		stage, ok := p.byName[current]
		if !ok {
			continue
		}
		for edge, target := range stage.Successors() {
			if edge == EdgeRevise && !withRevise {
				continue
			}
			if !seen[target] {
				seen[target] = true
				stack = append(stack, target)
			}
		}
	}
	return seen
}

// GetStage gets a stage config by name.
func (p *PipelineConfig) GetStage(name string) *StageConfig {
	if p.byName != nil {
		return p.byName[name]
	}
	for _, stage := range p.Stages {
		if stage.Name == name {
			return stage
		}
	}
	return nil
}

// Successor resolves the target of a labeled edge.
// Terminal and none edges have no successor.
func (p *PipelineConfig) Successor(stage string, edge Edge) (string, error) {
	cfg := p.GetStage(stage)
	if cfg == nil {
		return "", fmt.Errorf("unknown stage '%s'", stage)
	}
	target, ok := cfg.Successors()[edge]
	if !ok {
		return "", fmt.Errorf("stage '%s' (%s) has no '%s' edge", stage, cfg.Kind, edge)
	}
	return target, nil
}

// GateStage returns the name of the quality gate.
func (p *PipelineConfig) GateStage() string { return p.gate }

// ArtifactStage returns the name of the terminal sink.
func (p *PipelineConfig) ArtifactStage() string { return p.artifact }

// GetEdgeLimit returns the traversal cap for an edge, 0 meaning unlimited.
func (p *PipelineConfig) GetEdgeLimit(from, to string) int {
	for _, limit := range p.EdgeLimits {
		if limit.From == from && limit.To == to {
			return limit.MaxCount
		}
	}
	return 0
}

// GetStageOrder returns stage names in forward topological order,
// falling back to listing order before validation.
func (p *PipelineConfig) GetStageOrder() []string {
	if len(p.linearized) == len(p.Stages) {
		return append([]string(nil), p.linearized...)
	}
	order := make([]string, len(p.Stages))
	for i, stage := range p.Stages {
		order[i] = stage.Name
	}
	return order
}

// HopBound returns the maximum number of stage visits a run may make.
// Defaults to one full pass plus one revision pass per extra review cycle.
func (p *PipelineConfig) HopBound() int {
	if p.MaxStageHops > 0 {
		return p.MaxStageHops
	}
	return len(p.Stages) * (p.MaxReviewCycles + 1)
}
