package workflow

import (
	"context"
	"strings"
	"sync"

	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/knowledge"
	"github.com/rendis/codeloop/internal/runner"
	"github.com/rendis/codeloop/internal/websearch"
	"github.com/rendis/codeloop/pkg/schema"
)

const requirementReply = `<requirements>
<requirement>print the answer</requirement>
<requirement>keep it short</requirement>
</requirements>`

func genReply(expected string) string {
	return "<ran_result>" + expected + "</ran_result>\n" +
		"<gen_code>def answer():\n    return 42\n</gen_code>\n" +
		"<test_code>from main import answer\nprint(answer())\n</test_code>\n" +
		"<code_file>main.py</code_file>\n<test_file>test_main.py\n</test_file>"
}

const fixReply = "<reason>wrong value</reason><solution>return the right value</solution>"

// fakeAgent answers by prompt kind and records every prompt.
type fakeAgent struct {
	mu           sync.Mutex
	prompts      []string
	requirements []string // replayed in order, last one repeats
	gen          string
	fix          string
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{requirements: []string{requirementReply}, gen: genReply("42"), fix: fixReply}
}

func (a *fakeAgent) Ask(_ context.Context, prompt string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	switch {
	case strings.Contains(prompt, "<requirements>"):
		reply := a.requirements[0]
		if len(a.requirements) > 1 {
			a.requirements = a.requirements[1:]
		}
		return reply, nil
	case strings.Contains(prompt, "<reason>"):
		return a.fix, nil
	default:
		return a.gen, nil
	}
}

func (a *fakeAgent) promptsContaining(s string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, p := range a.prompts {
		if strings.Contains(p, s) {
			out = append(out, p)
		}
	}
	return out
}

// fakeRunner returns results in order; the last one repeats.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	results  []runner.Result
}

func (r *fakeRunner) Run(_ context.Context, command string) (runner.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, command)
	if len(r.results) == 0 {
		return runner.Result{}, nil
	}
	res := r.results[0]
	if len(r.results) > 1 {
		r.results = r.results[1:]
	}
	return res, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commands)
}

type fakeVectors struct {
	mu          sync.Mutex
	collections []string
	deleted     []string
	indexed     map[string][]lcschema.Document
	hits        []knowledge.Hit
	searches    int
	closed      bool
}

func (v *fakeVectors) Collections() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.collections...), nil
}

func (v *fakeVectors) DeleteCollection(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, name)
	return nil
}

func (v *fakeVectors) LoadFile(_ context.Context, path, fileType string, _, _ int) ([]lcschema.Document, error) {
	if !knowledge.Loadable(fileType) {
		return nil, knowledge.UnloadableError(path, fileType)
	}
	return []lcschema.Document{{PageContent: "chunk of " + path, Metadata: map[string]any{"source": path}}}, nil
}

func (v *fakeVectors) Index(_ context.Context, docs []lcschema.Document, collection string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.indexed == nil {
		v.indexed = map[string][]lcschema.Document{}
	}
	v.indexed[collection] = append(v.indexed[collection], docs...)
	return nil
}

func (v *fakeVectors) Search(_ context.Context, collection, _ string, _, topN int) ([]knowledge.Hit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.searches++
	for _, c := range v.collections {
		if c == collection {
			hits := v.hits
			if topN > 0 && len(hits) > topN {
				hits = hits[:topN]
			}
			return hits, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "collection %s not found", collection)
}

func (v *fakeVectors) Close() error {
	v.closed = true
	return nil
}

type fakeWeb struct {
	results []websearch.Result
	err     error
}

func (w *fakeWeb) Search(context.Context, string) ([]websearch.Result, error) {
	return w.results, w.err
}

type fakeMailer struct {
	subject string
	body    string
	err     error
	calls   int
}

func (m *fakeMailer) Send(_ context.Context, subject, body string) error {
	m.calls++
	m.subject, m.body = subject, body
	return m.err
}

type fakeNotifier struct {
	calls int
	err   error
}

func (n *fakeNotifier) Notify(context.Context) error {
	n.calls++
	return n.err
}

func testConfig() *config.Config {
	return &config.Config{
		Code: config.CodeConfig{
			CodeType:       "python",
			InstallTool:    "pip",
			RunningCommand: "python -W ignore",
		},
		VectorStore: config.VectorStoreConfig{ChunkSize: 200, ChunkOverlap: 20, TopK: 10, RerankTopN: 2},
		PoolSize:    2,
	}
}
