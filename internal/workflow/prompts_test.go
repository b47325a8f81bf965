package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/codeloop/internal/config"
)

func TestNewPrompts_Overrides(t *testing.T) {
	p := NewPrompts(config.PromptsConfig{RequirementAnalysis: "split: ${{ input_text }}"})

	out, err := p.requirementAnalysis("build a cli")
	require.NoError(t, err)
	assert.Equal(t, "split: build a cli", out)
	assert.Equal(t, defaultGenCodePrompt, p.GenCode)
}

func TestSystemPrompt(t *testing.T) {
	out, err := DefaultPrompts().SystemPrompt(config.CodeConfig{CodeType: "go", InstallTool: "go get"})
	require.NoError(t, err)
	assert.Contains(t, out, "You are a go code generation assistant")
	assert.Contains(t, out, "installed with go get")
	assert.NotContains(t, out, "${{")
}

func TestGenCodePrompt(t *testing.T) {
	p := DefaultPrompts()

	plain, err := p.genCode(genCodeInput{InstallTool: "pip", Requirements: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Contains(t, plain, "User requirements:\n\t1) a\n\t2) b")
	assert.NotContains(t, plain, "Remarks:")
	assert.NotContains(t, plain, "excerpts")

	onlyReason, err := p.genCode(genCodeInput{Reason: "r"})
	require.NoError(t, err)
	assert.NotContains(t, onlyReason, "Remarks:", "remarks need both reason and solution")

	full, err := p.genCode(genCodeInput{
		Reason:         "r",
		Solution:       "s",
		KnowledgeRefer: map[string][]string{"a": {"k1"}},
		WebRefer:       map[string][]string{"a": {"w1"}},
	})
	require.NoError(t, err)
	assert.Contains(t, full, "Avoid this problem: r")
	assert.Contains(t, full, "Knowledge base excerpts:")
	assert.Contains(t, full, "Web search excerpts:")
}

func TestRegenCodePrompt(t *testing.T) {
	p := DefaultPrompts()

	clean, err := p.regenCode(regenCodeInput{RanResult: " 42 ", ActualResult: "41\n"})
	require.NoError(t, err)
	assert.Contains(t, clean, "Expected result:\n42")
	assert.Contains(t, clean, "Actual result:\n41")
	assert.Contains(t, clean, "\t1) why the expected and actual results differ;\n\t2) how to fix it.")

	failed, err := p.regenCode(regenCodeInput{CodeError: "boom"})
	require.NoError(t, err)
	assert.Contains(t, failed, "The run failed with:\n\tboom")
	assert.Contains(t, failed, "\t3) how to fix it.")
}
