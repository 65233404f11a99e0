package convoflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const onboardingYAML = `
name: onboarding
initial_step: greeting
steps:
  - name: greeting
    agent: companion
    next_step: discovery
    completion_criteria:
      type: agent_signal
  - name: discovery
    agent: companion
    required: true
    next_step: brain_dump
    completion_criteria:
      type: agent_signal_memory
      params:
        min_facts: 3
        category: personal
  - name: brain_dump
    agent: companion
    required: false
    next_step: setup_complete
    completion_criteria:
      type: agent_signal_records
      params:
        min_items: 1
        collection: inbox_items
  - name: setup_complete
    agent: companion
    completion_criteria:
      type: auto
`

func TestParseWorkflowYAML(t *testing.T) {
	def, err := ParseWorkflowYAML([]byte(onboardingYAML))
	require.NoError(t, err)

	assert.Equal(t, "onboarding", def.Name)
	assert.Equal(t, "greeting", def.InitialStep)
	require.Len(t, def.Steps, 4)

	greeting, ok := def.Step("greeting")
	require.True(t, ok)
	assert.True(t, greeting.Required, "required defaults to true")
	assert.Equal(t, "discovery", greeting.Next)
	assert.Equal(t, "agent_signal", greeting.Criteria.Kind)

	discovery, _ := def.Step("discovery")
	assert.Equal(t, "agent_signal_memory", discovery.Criteria.Kind)
	assert.Equal(t, 3, discovery.Criteria.Params["min_facts"])
	assert.Equal(t, "personal", discovery.Criteria.Params["category"])

	brainDump, _ := def.Step("brain_dump")
	assert.False(t, brainDump.Required)

	terminal, _ := def.Step("setup_complete")
	assert.Empty(t, terminal.Next)
}

func TestParseWorkflowYAMLRejectsBrokenGraph(t *testing.T) {
	cases := map[string]string{
		"unknown next step": `
name: broken
initial_step: a
steps:
  - name: a
    agent: x
    next_step: ghost
`,
		"unknown initial step": `
name: broken
initial_step: ghost
steps:
  - name: a
    agent: x
`,
		"duplicate step names": `
name: broken
initial_step: a
steps:
  - name: a
    agent: x
  - name: a
    agent: y
`,
		"no steps": `
name: broken
initial_step: a
`,
		"not yaml": `{{{`,
	}

	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseWorkflowYAML([]byte(src))
			assert.Error(t, err)
		})
	}
}

func TestRegisterWorkflowYAML(t *testing.T) {
	eng := NewInMemoryEngine(Options{})

	def, err := RegisterWorkflowYAML(eng, []byte(onboardingYAML))
	require.NoError(t, err)
	assert.Equal(t, "onboarding", def.Name)

	got, ok := eng.Definition("onboarding")
	require.True(t, ok)
	assert.Equal(t, def.InitialStep, got.InitialStep)
}

func TestDefaultOnboardingWorkflow(t *testing.T) {
	def := DefaultOnboardingWorkflow()
	require.NoError(t, def.Validate())
	assert.Equal(t, "greeting", def.InitialStep)

	terminal, ok := def.Step("setup_complete")
	require.True(t, ok)
	assert.Empty(t, terminal.Next)
	assert.Equal(t, "auto", terminal.Criteria.Kind)
}
