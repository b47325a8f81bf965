package workflow

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/tags"
)

// Prompts holds the templates sent to the model. Templates reference
// variables as ${{ name }}.
type Prompts struct {
	System              string
	RequirementAnalysis string
	GenCode             string
	RegenCode           string

	interp *expressions.Interpolator
}

const defaultSystemPrompt = `You are a ${{ code_type }} code generation assistant running on ${{ platform }}. You can:
1. Reject input that is not a ${{ code_type }} coding request by answering exactly: [Not a coding request, please try again!] and stop.
2. Otherwise, following the user's instructions, do any of the following, alone or in order:
    2.1 Analyse the coding request.
    2.2 Decide whether third-party dependencies must be installed with ${{ install_tool }}.
    2.3 Write ${{ code_type }} code that implements the request.
    2.4 Write ${{ code_type }} test code for the generated code.
    2.5 Give the output the test code prints when run. If the user specified an expected output, make the test print exactly that and nothing else.`

const defaultRequirementAnalysisPrompt = `The user's input is: ${{ input_text }}
Analyse it, complete the request where it is underspecified, break it into concrete requirements and answer in this format:
<requirements>
    <requirement>[requirement 1]</requirement>
    <requirement>[requirement 2]</requirement>
    <requirement>[requirement 3]</requirement>
    ...
</requirements>

Where:
    <requirements></requirements> wraps the list of requirements
    <requirement></requirement> wraps one requirement`

const defaultGenCodePrompt = `User requirements:${{ requirements }}
${{ knowledge_refer }}${{ web_refer }}
Instructions:
    1. State the output expected from running the implementation.
    2. Decide whether third-party libraries are needed. If they are, give the ${{ install_tool }} command that installs them.
    3. Unless the user says otherwise, the code must run on ${{ platform }}.
    4. When reference excerpts are present, use them to implement the requirements.
    5. Put the test code in its own file. It must exercise the generated code.
${{ remark }}
Output format:
    1. Expected result: <ran_result>[output of running the test]</ran_result>
    2. Dependencies: <install_command>[dependency install command]</install_command>
    3. Implementation: <gen_code>[code implementing the requirements]</gen_code>
    4. Test code: <test_code>[test code]</test_code>
    5. Implementation file name: <code_file>[file the implementation is saved to]</code_file>
    6. Test file name: <test_file>[file the test code is saved to]</test_file>

Notes:
    1. <ran_result></ran_result> is what the test prints when run. Use the user's expected result when one was given.
    2. <install_command></install_command> installs third-party libraries. Omit it when none are needed.
    3. <gen_code></gen_code> is the implementation of the analysed requirements.
    4. <test_code></test_code> is a separate file that runs the implementation.
    5. <code_file></code_file> is the implementation file name, prefixed with the project folder layout when the user gave one.
    6. <test_file></test_file> is the test file name, prefixed with the project folder layout when the user gave one.`

const defaultRegenCodePrompt = `These requirements:
${{ requirements }}

were implemented with this code:
${{ gen_code }}

and run with this test code:
${{ test_code }}

Expected result:
${{ ran_result }}

Actual result:
${{ actual_result }}

${{ error_msg }}

Answer the following:
${{ intent_msg }}

Output format:
    <reason>[cause of the problem]</reason>
    <solution>[how to fix it]</solution>
Where:
    <reason></reason> explains why the problem happened
    <solution></solution> describes the fix`

// DefaultPrompts returns the built-in templates.
func DefaultPrompts() Prompts {
	return Prompts{
		System:              defaultSystemPrompt,
		RequirementAnalysis: defaultRequirementAnalysisPrompt,
		GenCode:             defaultGenCodePrompt,
		RegenCode:           defaultRegenCodePrompt,
		interp:              expressions.NewInterpolator(false),
	}
}

// NewPrompts returns the built-in templates with any non-empty overrides
// from cfg applied.
func NewPrompts(cfg config.PromptsConfig) Prompts {
	p := DefaultPrompts()
	if cfg.System != "" {
		p.System = cfg.System
	}
	if cfg.RequirementAnalysis != "" {
		p.RequirementAnalysis = cfg.RequirementAnalysis
	}
	if cfg.GenCode != "" {
		p.GenCode = cfg.GenCode
	}
	if cfg.RegenCode != "" {
		p.RegenCode = cfg.RegenCode
	}
	return p
}

func (p Prompts) render(tmpl string, vars map[string]any) (string, error) {
	interp := p.interp
	if interp == nil {
		interp = expressions.NewInterpolator(false)
	}
	if _, ok := vars["platform"]; !ok {
		vars["platform"] = runtime.GOOS
	}
	return interp.Render(tmpl, vars)
}

// SystemPrompt renders the system prompt for the configured toolchain.
func (p Prompts) SystemPrompt(code config.CodeConfig) (string, error) {
	return p.render(p.System, map[string]any{
		"code_type":    code.CodeType,
		"install_tool": code.InstallTool,
	})
}

func (p Prompts) requirementAnalysis(input string) (string, error) {
	return p.render(p.RequirementAnalysis, map[string]any{"input_text": input})
}

// genCodeInput is everything a generation pass is told.
type genCodeInput struct {
	InstallTool    string
	Requirements   []string
	KnowledgeRefer map[string][]string
	WebRefer       map[string][]string
	Reason         string
	Solution       string
}

func (p Prompts) genCode(in genCodeInput) (string, error) {
	var knowledge, web, remark string
	if in.Reason != "" && in.Solution != "" {
		remark = "\tRemarks:\n" +
			"\t\t1) Avoid this problem: " + in.Reason + "\n" +
			"\t\t2) Follow this guidance: " + in.Solution + "\n"
	}
	if len(in.KnowledgeRefer) > 0 {
		knowledge = "\n\tKnowledge base excerpts:" + tags.FormatSearchRefer(in.KnowledgeRefer) + "\n"
	}
	if len(in.WebRefer) > 0 {
		web = "\n\tWeb search excerpts:" + tags.FormatSearchRefer(in.WebRefer) + "\n"
	}
	return p.render(p.GenCode, map[string]any{
		"install_tool":    in.InstallTool,
		"requirements":    numbered(in.Requirements, "\n\t"),
		"knowledge_refer": knowledge,
		"web_refer":       web,
		"remark":          remark,
	})
}

// regenCodeInput describes a failed attempt.
type regenCodeInput struct {
	Requirements []string
	GenCode      string
	TestCode     string
	RanResult    string
	ActualResult string
	CodeError    string
}

func (p Prompts) regenCode(in regenCodeInput) (string, error) {
	var errorMsg string
	questions := []string{"why the expected and actual results differ;"}
	if e := strings.TrimSpace(in.CodeError); e != "" {
		errorMsg = "The run failed with:\n\t" + e
		questions = append(questions, "why the failure above happened;")
	}
	questions = append(questions, "how to fix it.")

	intent := make([]string, len(questions))
	for i, q := range questions {
		intent[i] = fmt.Sprintf("\t%d) %s", i+1, q)
	}
	return p.render(p.RegenCode, map[string]any{
		"requirements":  numbered(in.Requirements, "\n\t"),
		"gen_code":      strings.TrimSpace(in.GenCode),
		"test_code":     strings.TrimSpace(in.TestCode),
		"ran_result":    strings.TrimSpace(in.RanResult),
		"actual_result": strings.TrimSpace(in.ActualResult),
		"error_msg":     errorMsg,
		"intent_msg":    strings.Join(intent, "\n"),
	})
}

// numbered renders items as "1) a", "2) b", each preceded by sep.
func numbered(items []string, sep string) string {
	var b strings.Builder
	for i, item := range items {
		fmt.Fprintf(&b, "%s%d) %s", sep, i+1, item)
	}
	return b.String()
}
