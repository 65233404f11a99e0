package convoflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/petrijr/convoflow/pkg/api"
)

// YAML schema for workflow definitions:
//
//	name: onboarding
//	initial_step: greeting
//	steps:
//	  - name: greeting
//	    agent: companion
//	    required: true
//	    next_step: discovery
//	    completion_criteria:
//	      type: agent_signal
//	  - name: discovery
//	    agent: companion
//	    next_step: brain_dump
//	    completion_criteria:
//	      type: agent_signal_memory
//	      params:
//	        min_facts: 3
//	        category: personal
//
// required defaults to true when omitted; an omitted next_step marks the
// terminal step.

type yamlWorkflow struct {
	Name        string     `yaml:"name"`
	InitialStep string     `yaml:"initial_step"`
	Steps       []yamlStep `yaml:"steps"`
}

type yamlStep struct {
	Name     string           `yaml:"name"`
	Agent    string           `yaml:"agent"`
	Required *bool            `yaml:"required"`
	Next     string           `yaml:"next_step"`
	Criteria api.CriteriaSpec `yaml:"completion_criteria"`
}

// ParseWorkflowYAML parses a workflow definition from YAML and validates
// its step graph.
func ParseWorkflowYAML(data []byte) (api.WorkflowDefinition, error) {
	var raw yamlWorkflow
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("parse workflow yaml: %w", err)
	}

	def := api.WorkflowDefinition{
		Name:        raw.Name,
		InitialStep: raw.InitialStep,
		Steps:       make([]api.StepDefinition, 0, len(raw.Steps)),
	}
	for _, s := range raw.Steps {
		required := true
		if s.Required != nil {
			required = *s.Required
		}
		def.Steps = append(def.Steps, api.StepDefinition{
			Name:     s.Name,
			Agent:    s.Agent,
			Required: required,
			Criteria: s.Criteria,
			Next:     s.Next,
		})
	}

	if err := def.Validate(); err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("workflow %q: %w", raw.Name, err)
	}
	return def, nil
}

// LoadWorkflowFile reads and parses a workflow definition from a YAML
// file.
func LoadWorkflowFile(path string) (api.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.WorkflowDefinition{}, fmt.Errorf("read workflow file: %w", err)
	}
	return ParseWorkflowYAML(data)
}

// RegisterWorkflowYAML parses a YAML definition and registers it on the
// engine in one call.
func RegisterWorkflowYAML(eng Engine, data []byte) (api.WorkflowDefinition, error) {
	def, err := ParseWorkflowYAML(data)
	if err != nil {
		return api.WorkflowDefinition{}, err
	}
	if err := eng.RegisterWorkflow(def); err != nil {
		return api.WorkflowDefinition{}, err
	}
	return def, nil
}

// DefaultOnboardingWorkflow returns the built-in four-step onboarding
// definition: greeting, discovery, brain_dump, setup_complete.
func DefaultOnboardingWorkflow() api.WorkflowDefinition {
	return api.WorkflowDefinition{
		Name:        "onboarding",
		InitialStep: "greeting",
		Steps: []api.StepDefinition{
			{
				Name:     "greeting",
				Agent:    "companion",
				Required: true,
				Criteria: api.CriteriaSpec{Kind: "agent_signal"},
				Next:     "discovery",
			},
			{
				Name:     "discovery",
				Agent:    "companion",
				Required: true,
				Criteria: api.CriteriaSpec{
					Kind: "agent_signal_memory",
					Params: map[string]any{
						"min_facts": 3,
						"category":  "personal",
					},
				},
				Next: "brain_dump",
			},
			{
				Name:     "brain_dump",
				Agent:    "companion",
				Required: true,
				Criteria: api.CriteriaSpec{
					Kind: "agent_signal_records",
					Params: map[string]any{
						"min_items":  1,
						"collection": "inbox_items",
					},
				},
				Next: "setup_complete",
			},
			{
				Name:     "setup_complete",
				Agent:    "companion",
				Required: true,
				Criteria: api.CriteriaSpec{Kind: "auto"},
			},
		},
	}
}
