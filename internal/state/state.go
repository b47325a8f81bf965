// Package state defines the record threaded through every phase graph.
package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/codeloop/internal/graph"
)

// ActionState is the terminal disposition of a run.
type ActionState string

const (
	ActionSuccess ActionState = "success"
	ActionFail    ActionState = "fail"
	ActionVerify  ActionState = "verify"
)

// Label returns the human-readable disposition used in reports.
func (a ActionState) Label() string {
	switch a {
	case ActionSuccess:
		return "SUCCESS"
	case ActionFail:
		return "FAIL"
	case ActionVerify:
		return "VERIFY"
	default:
		return strings.ToUpper(string(a))
	}
}

// GlobalSetting holds the run-wide options resolved during setup.
type GlobalSetting struct {
	EnableKnowledge bool   `json:"enable_knowledge"`
	EnableWeb       bool   `json:"enable_web"`
	MaxRetry        int    `json:"max_retry"`
	ProjectPath     string `json:"project_path"`
}

// DataSource records the knowledge workspace and the files indexed into it.
type DataSource struct {
	Workspace string   `json:"workspace"`
	FilePaths []string `json:"file_paths"`
}

// GenResult is one generation attempt.
type GenResult struct {
	RequirementAnalysis []string            `json:"requirement_analysis"`
	InstallCommand      string              `json:"install_command"`
	GenCode             string              `json:"gen_code"`
	TestCode            string              `json:"test_code"`
	CodeFile            string              `json:"code_file"`
	TestFile            string              `json:"test_file"`
	RanResult           string              `json:"ran_result"`
	ActualResult        string              `json:"actual_result"`
	CodeError           string              `json:"code_error"`
	KnowledgeRefer      map[string][]string `json:"knowledge_refer"`
	WebRefer            map[string][]string `json:"web_refer"`
	IsSuccess           bool                `json:"is_success"`
}

// NewGenResult returns an empty attempt; attempts count as successful until run.
func NewGenResult() GenResult {
	return GenResult{IsSuccess: true}
}

// Remedy is the fix-cycle feedback carried into the next generation pass.
type Remedy struct {
	Reason   string `json:"reason"`
	Solution string `json:"solution"`
}

// Empty reports whether there is no feedback to carry.
func (r Remedy) Empty() bool {
	return r.Reason == "" && r.Solution == ""
}

// State is the record threaded through every phase graph.
type State struct {
	Prompt        string        `json:"prompt"`
	Aggregate     []Partial     `json:"aggregate"`
	ActionState   ActionState   `json:"action_state"`
	GlobalSetting GlobalSetting `json:"global_setting"`
	DataSource    DataSource    `json:"data_source"`
	GenResult     GenResult     `json:"gen_result"`
	GenStates     []GenResult   `json:"gen_states"`
	Remedy        Remedy        `json:"remedy"`
}

// Partial is an enrichment contribution gathered on the aggregate field
// before the barrier folds it into the current GenResult.
type Partial struct {
	Source         string              `json:"source"`
	KnowledgeRefer map[string][]string `json:"knowledge_refer,omitempty"`
	WebRefer       map[string][]string `json:"web_refer,omitempty"`
}

// New returns a fresh state for prompt with the given options.
func New(prompt string, setting GlobalSetting) State {
	return State{
		Prompt:        prompt,
		ActionState:   ActionSuccess,
		GlobalSetting: setting,
		GenResult:     NewGenResult(),
	}
}

// Field names accepted in graph updates.
const (
	FieldPrompt        = "prompt"
	FieldAggregate     = "aggregate"
	FieldActionState   = "action_state"
	FieldGlobalSetting = "global_setting"
	FieldDataSource    = "data_source"
	FieldGenResult     = "gen_result"
	FieldGenStates     = "gen_states"
	FieldRemedy        = "remedy"
)

// Fields is the reducer schema shared by every phase graph: aggregate and
// gen_states append, every other field is replaced.
var Fields = graph.MustStateSchema(
	graph.ReplaceField(FieldPrompt, func(dst *State, src State) { dst.Prompt = src.Prompt }),
	graph.AppendField(FieldAggregate,
		func(dst *State, src State) { dst.Aggregate = append(dst.Aggregate, src.Aggregate...) },
		func(dst *State) { dst.Aggregate = nil }),
	graph.ReplaceField(FieldActionState, func(dst *State, src State) { dst.ActionState = src.ActionState }),
	graph.ReplaceField(FieldGlobalSetting, func(dst *State, src State) { dst.GlobalSetting = src.GlobalSetting }),
	graph.ReplaceField(FieldDataSource, func(dst *State, src State) { dst.DataSource = src.DataSource }),
	graph.ReplaceField(FieldGenResult, func(dst *State, src State) { dst.GenResult = src.GenResult }),
	graph.AppendField(FieldGenStates,
		func(dst *State, src State) { dst.GenStates = append(dst.GenStates, src.GenStates...) },
		func(dst *State) { dst.GenStates = nil }),
	graph.ReplaceField(FieldRemedy, func(dst *State, src State) { dst.Remedy = src.Remedy }),
)

// Map returns the state as a JSON-shaped map for expression engines.
func (s State) Map() (map[string]any, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	return out, nil
}

// JSON returns the indented JSON encoding of the state.
func (s State) JSON() string {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// Clone returns a deep copy of g.
func (g GenResult) Clone() GenResult {
	out := g
	out.RequirementAnalysis = append([]string(nil), g.RequirementAnalysis...)
	out.KnowledgeRefer = cloneRefer(g.KnowledgeRefer)
	out.WebRefer = cloneRefer(g.WebRefer)
	return out
}

func cloneRefer(m map[string][]string) map[string][]string {
	if m == nil {
		return nil
	}
	out := make(map[string][]string, len(m))
	for k, v := range m {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// Absorb folds aggregate contributions into g. Non-empty reference maps
// replace g's maps; empty ones leave them untouched.
func (g GenResult) Absorb(parts []Partial) GenResult {
	out := g.Clone()
	for _, p := range parts {
		if len(p.KnowledgeRefer) > 0 {
			out.KnowledgeRefer = cloneRefer(p.KnowledgeRefer)
		}
		if len(p.WebRefer) > 0 {
			out.WebRefer = cloneRefer(p.WebRefer)
		}
	}
	return out
}
