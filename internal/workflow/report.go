package workflow

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"strings"

	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/internal/tags"
)

const subjectPromptLimit = 20

var reportTemplate = template.Must(template.New("report").Parse(`{{define "box"}}<div style="border: 1px dashed black;white-space: pre-wrap;margin: 0; padding: 15px;">{{.}}</div>{{end -}}
<h2>Requirement analysis:</h2>
<div style="border: 1px dashed black;white-space: pre-wrap;margin: 0; padding: 15px;">
<h3>User request:</h3>
{{template "box" .Prompt}}
<h3>Requirements:</h3>
{{template "box" .Requirements}}
{{- if .KnowledgeRefer}}
<h3>Knowledge base excerpts</h3>
{{template "box" .KnowledgeRefer}}
{{- end}}
{{- if .WebRefer}}
<h3>Web search excerpts</h3>
{{template "box" .WebRefer}}
{{- end}}
</div>
<h2>Code generation and tests:</h2>
<div style="border: 1px dashed black;white-space: pre-wrap;margin: 0; padding: 15px;">
<h3>Generated code [{{.CodeFile}}]:</h3>
{{template "box" .GenCode}}
<h3>Test code [{{.TestFile}}]:</h3>
{{template "box" .TestCode}}
</div>
<h2>Results:</h2>
<div style="border: 1px dashed black;white-space: pre-wrap;margin: 0; padding: 15px;">
<h3>Expected result:</h3>
{{template "box" .RanResult}}
<h3>Actual result:</h3>
{{template "box" .ActualResult}}
{{- if .CodeError}}
<h3>Error</h3>
{{template "box" .CodeError}}
{{- end}}
</div>
{{- if .Attempts}}
<h2>Attempt history:</h2>
<div style="border: 1px dashed black;white-space: pre-wrap;margin: 0; padding: 15px;">
{{- range .Attempts}}
<h3>Attempt {{.N}} [{{.CodeFile}}]:</h3>
{{template "box" .GenCode}}
{{- if .ActualResult}}
<h4>Actual result</h4>
{{template "box" .ActualResult}}
{{- end}}
{{- if .CodeError}}
<h4>Error</h4>
{{template "box" .CodeError}}
{{- end}}
{{- end}}
</div>
{{- end}}
<h2>Final state:</h2>
{{template "box" .StateJSON}}
`))

type reportData struct {
	Prompt         string
	Requirements   string
	KnowledgeRefer string
	WebRefer       string
	CodeFile       string
	TestFile       string
	GenCode        string
	TestCode       string
	RanResult      string
	ActualResult   string
	CodeError      string
	Attempts       []attemptView
	StateJSON      string
}

// attemptView is one entry of gen_states as shown in the report.
type attemptView struct {
	N            int
	CodeFile     string
	GenCode      string
	ActualResult string
	CodeError    string
}

// Subject returns the report subject: the disposition label and the first
// characters of the prompt.
func Subject(st state.State) string {
	prompt := []rune(st.Prompt)
	short := string(prompt)
	if len(prompt) > subjectPromptLimit {
		short = string(prompt[:subjectPromptLimit]) + "..."
	}
	return fmt.Sprintf("[%s] Request: [%s] run result", st.ActionState.Label(), short)
}

// Report renders the HTML run report. Every value is escaped.
func Report(st state.State, stateJSON string) (string, error) {
	g := st.GenResult
	reqs := make([]string, len(g.RequirementAnalysis))
	for i, r := range g.RequirementAnalysis {
		reqs[i] = fmt.Sprintf("%d)%s", i+1, r)
	}
	data := reportData{
		Prompt:       st.Prompt,
		Requirements: strings.Join(reqs, "\n"),
		CodeFile:     g.CodeFile,
		TestFile:     g.TestFile,
		GenCode:      g.GenCode,
		TestCode:     g.TestCode,
		RanResult:    g.RanResult,
		ActualResult: g.ActualResult,
		CodeError:    g.CodeError,
		StateJSON:    stateJSON,
	}
	for i, a := range st.GenStates {
		data.Attempts = append(data.Attempts, attemptView{
			N:            i + 1,
			CodeFile:     a.CodeFile,
			GenCode:      a.GenCode,
			ActualResult: a.ActualResult,
			CodeError:    a.CodeError,
		})
	}
	if len(g.KnowledgeRefer) > 0 {
		data.KnowledgeRefer = tags.FormatSearchRefer(g.KnowledgeRefer)
	}
	if len(g.WebRefer) > 0 {
		data.WebRefer = tags.FormatSearchRefer(g.WebRefer)
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	return buf.String(), nil
}

func prettyJSON(v any, fallback string) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fallback
	}
	return string(b)
}
