package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/expressions"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/runner"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/internal/tags"
	"github.com/rendis/codeloop/internal/websearch"
	"github.com/rendis/codeloop/pkg/schema"
)

// Execution step names.
const (
	StepInsertFileContent   = "insert_file_content"
	StepRequirementAnalysis = "requirement_analysis"
	StepSearchKnowledge     = "search_knowledge"
	StepSearchWeb           = "search_web"
	StepRealizeRequirements = "realize_requirements"
	StepWriteCodeToFile     = "write_code_to_file"
	StepActionCode          = "action_code"
	StepErrorHandle         = "error_handle"
)

// Aggregate sources.
const (
	SourceKnowledge = "knowledge"
	SourceWeb       = "web"
)

const (
	defaultRunningCommand = "python -W ignore"
	defaultRetryDelay     = 500 * time.Millisecond
	maxRetryDelay         = 10 * time.Second
	defaultPathTimeout    = 5 * time.Second
)

var fileNameNoise = regexp.MustCompile(`[\n\t\r\f\v]`)

// Execution drives the generate, test and fix loop.
type Execution struct {
	cfg      *config.Config
	deps     *Deps
	maxRetry int

	// RetryDelay is the first backoff delay when a model answer is missing
	// its tags.
	RetryDelay time.Duration
}

// NewExecution creates the execution phase for a run allowed maxRetry
// generation attempts.
func NewExecution(cfg *config.Config, deps *Deps, maxRetry int) *Execution {
	if maxRetry < 1 {
		maxRetry = 1
	}
	if deps.Prompts.interp == nil {
		deps.Prompts = DefaultPrompts()
	}
	return &Execution{cfg: cfg, deps: deps, maxRetry: maxRetry, RetryDelay: defaultRetryDelay}
}

// Graph declares:
//
//	start -[paths in prompt?]-> insert_file_content | requirement_analysis
//	insert_file_content -> requirement_analysis
//	requirement_analysis -> search_knowledge, search_web
//	search_knowledge, search_web -> realize_requirements (barrier)
//	realize_requirements -> write_code_to_file -> action_code
//	action_code -[done?]-> end | error_handle
//	error_handle -> realize_requirements
//
// The attempt counter is reset by the entry router, so a compiled plan can
// be run more than once.
func (e *Execution) Graph() *graph.Graph[state.State] {
	l := &loop{Execution: e, attempt: 1}
	tagRetry := graph.RetryPolicy{
		MaxAttempts: e.maxRetry,
		Backoff:     graph.BackoffExponential,
		Delay:       e.RetryDelay,
		MaxDelay:    maxRetryDelay,
		RetryOn:     graph.RetryOnCodes(schema.ErrCodeExtraTag),
	}

	return graph.New(ExecutionGraph, state.Fields).
		AddStep(StepInsertFileContent, l.insertFileContent).
		AddStep(StepRequirementAnalysis, l.requirementAnalysis, graph.WithRetry(tagRetry)).
		AddStep(StepSearchKnowledge, l.searchKnowledge).
		AddStep(StepSearchWeb, l.searchWeb).
		AddStep(StepRealizeRequirements, l.realizeRequirements, graph.AsBarrier(), graph.WithRetry(tagRetry)).
		AddStep(StepWriteCodeToFile, l.writeCodeToFile).
		AddStep(StepActionCode, l.actionCode).
		AddStep(StepErrorHandle, l.errorHandle).
		AddConditionalEdge(graph.Start, graph.Predicate(l.isReadFile),
			map[string]string{graph.KeyTrue: StepInsertFileContent, graph.KeyFalse: StepRequirementAnalysis}).
		AddEdge(StepInsertFileContent, StepRequirementAnalysis).
		AddEdge(StepRequirementAnalysis, StepSearchKnowledge).
		AddEdge(StepRequirementAnalysis, StepSearchWeb).
		AddEdge(StepSearchKnowledge, StepRealizeRequirements).
		AddEdge(StepSearchWeb, StepRealizeRequirements).
		AddEdge(StepRealizeRequirements, StepWriteCodeToFile).
		AddEdge(StepWriteCodeToFile, StepActionCode).
		AddConditionalEdge(StepActionCode, graph.Predicate(l.isRegenCode),
			map[string]string{graph.KeyTrue: graph.End, graph.KeyFalse: StepErrorHandle}).
		AddEdge(StepErrorHandle, StepRealizeRequirements)
}

// loop is the per-run state of one execution graph. isReadFile resets
// attempt to 1 and only isRegenCode advances it.
type loop struct {
	*Execution
	attempt int
}

// isReadFile routes the start of a run and opens its first attempt.
func (l *loop) isReadFile(_ context.Context, st state.State) (bool, error) {
	l.attempt = 1
	return tags.HasPaths(st.Prompt), nil
}

// insertFileContent appends the content of every file the prompt names.
// Missing files are reported and skipped; unreadable ones still take a
// number.
func (l *loop) insertFileContent(_ context.Context, st state.State) (graph.Update[state.State], error) {
	c := l.deps.console()
	prompt := st.Prompt
	index := 1
	for _, candidate := range tags.ExtractPaths(st.Prompt) {
		path, _ := tags.ResolveFile(candidate, l.pathTimeout())
		if _, err := os.Stat(path); err != nil {
			c.Printf(" => File [%s] does not exist, skipped...\n", path)
			continue
		}
		content, err := os.ReadFile(path)
		if err == nil {
			prompt += fmt.Sprintf("\n\nFile content (inside <file_content></file_content>):\n\t(%d)%s:\n\n<file_content>\n%s\n</file_content>",
				index, path, content)
		} else {
			l.deps.logger().Warn("reading prompt file failed", "path", path, "error", err)
		}
		index++
	}
	c.Println("prompt:", prompt)
	return graph.Set(state.State{Prompt: prompt}, state.FieldPrompt), nil
}

func (l *loop) pathTimeout() time.Duration {
	if l.cfg != nil && l.cfg.Code.PathTimeout > 0 {
		return l.cfg.Code.PathTimeout
	}
	return defaultPathTimeout
}

func (l *loop) requirementAnalysis(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	c := l.deps.console()
	c.Rule("=")
	c.Printf(" -> Analysing requirements for: [%s] ...\n", st.Prompt)

	prompt, err := l.deps.Prompts.requirementAnalysis(st.Prompt)
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	reply, err := l.deps.Agent.Ask(ctx, prompt)
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	reqs := tags.Extract(reply, tags.Requirement)
	if len(reqs) == 0 {
		return graph.Update[state.State]{}, schema.NewErrorf(schema.ErrCodeExtraTag,
			"no <%s> tags in requirement analysis answer", tags.Requirement).
			WithDetails(map[string]any{"answer": reply})
	}
	for i := range reqs {
		reqs[i] = strings.TrimSpace(reqs[i])
	}

	c.Println(" -> Requirement analysis done:")
	c.Println(strings.TrimPrefix(numbered(reqs, "\n\t"), "\n"))

	gen := st.GenResult.Clone()
	gen.RequirementAnalysis = reqs
	return graph.Set(state.State{GenResult: gen}, state.FieldGenResult), nil
}

// selectWorkspace returns the workspace to search, or "" when knowledge
// search is off. Without a workspace from setup the operator picks one.
func (l *loop) selectWorkspace(st state.State) (string, error) {
	if !st.GlobalSetting.EnableKnowledge || l.deps.Vectors == nil {
		return "", nil
	}
	if st.DataSource.Workspace != "" {
		return st.DataSource.Workspace, nil
	}
	collections, err := l.deps.Vectors.Collections()
	if err != nil {
		return "", err
	}

	c := l.deps.console()
	c.Rule("-")
	c.Println(" * Knowledge workspaces:")
	for i, name := range collections {
		c.Printf("\t%d) %s\n", i+1, name)
	}
	c.Rule("-")

	for {
		var answer string
		if c.Interactive() {
			if answer, err = c.Ask(" * Workspace to search: "); err != nil {
				return "", err
			}
		} else if l.cfg != nil {
			answer = l.cfg.Mutual.Workspace
		}
		name := Capitalize(answer)
		if name != "" && slices.Contains(collections, name) {
			c.Printf(" * Searching workspace [%s]...\n", name)
			return name, nil
		}
		c.Printf(" * Workspace [%s] does not exist, try again...\n", name)
		if !c.Interactive() {
			l.deps.logger().Warn("configured workspace not found, knowledge search skipped", "workspace", name)
			return "", nil
		}
	}
}

func (l *loop) searchKnowledge(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	workspace, err := l.selectWorkspace(st)
	if err != nil || workspace == "" {
		return graph.Skip[state.State](), err
	}

	c := l.deps.console()
	c.Rule("=")
	c.Println(" -> Searching the knowledge base...")

	k, topN := 10, 2
	if l.cfg != nil {
		k, topN = l.cfg.VectorStore.TopK, l.cfg.VectorStore.RerankTopN
	}
	refer := make(map[string][]string, len(st.GenResult.RequirementAnalysis))
	for i, req := range st.GenResult.RequirementAnalysis {
		c.Printf("\t-> %d) %s\n", i+1, req)
		hits, err := l.deps.Vectors.Search(ctx, workspace, req, k, topN)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				break
			}
			return graph.Update[state.State]{}, err
		}
		contents := make([]string, 0, len(hits))
		for j, h := range hits {
			contents = append(contents, h.Content)
			c.Printf("\t\t%d.%d) %s\n", i+1, j+1, h.Content)
		}
		refer[req] = contents
	}

	return graph.Set(state.State{Aggregate: []state.Partial{{Source: SourceKnowledge, KnowledgeRefer: refer}}},
		state.FieldAggregate), nil
}

// searchWeb looks every requirement up on the web. A failing query is
// reported and the others still run.
func (l *loop) searchWeb(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	if !st.GlobalSetting.EnableWeb || l.deps.Web == nil {
		return graph.Skip[state.State](), nil
	}

	c := l.deps.console()
	c.Rule("=")
	c.Println(" -> Searching the web...")

	limit := 200
	if l.cfg != nil {
		limit = l.cfg.VectorStore.ChunkSize
	}
	refer := make(map[string][]string, len(st.GenResult.RequirementAnalysis))
	for i, req := range st.GenResult.RequirementAnalysis {
		c.Printf("\t-> %d) %s\n", i+1, req)
		results, err := l.deps.Web.Search(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return graph.Update[state.State]{}, ctx.Err()
			}
			c.Printf("\t* Web search failed: %v\n", err)
			continue
		}
		contents := make([]string, 0, len(results))
		for j, r := range results {
			snippet := websearch.Truncate(r.Content, limit)
			contents = append(contents, snippet)
			c.Printf("\t\t%d.%d) %s\n", i+1, j+1, snippet)
		}
		refer[req] = contents
	}

	return graph.Set(state.State{Aggregate: []state.Partial{{Source: SourceWeb, WebRefer: refer}}},
		state.FieldAggregate), nil
}

// realizeRequirements folds the gathered references into the current
// attempt, asks for code and clears the aggregate and the fix feedback.
func (l *loop) realizeRequirements(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	c := l.deps.console()
	banner(c, fmt.Sprintf("== Attempt %d: code generation started ", l.attempt))

	gen := st.GenResult.Absorb(st.Aggregate)
	installTool := ""
	if l.cfg != nil {
		installTool = l.cfg.Code.InstallTool
	}
	prompt, err := l.deps.Prompts.genCode(genCodeInput{
		InstallTool:    installTool,
		Requirements:   gen.RequirementAnalysis,
		KnowledgeRefer: gen.KnowledgeRefer,
		WebRefer:       gen.WebRefer,
		Reason:         st.Remedy.Reason,
		Solution:       st.Remedy.Solution,
	})
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	c.Printf("=> Code generation prompt (%d characters):\n%s\n", len([]rune(prompt)), prompt)

	reply, err := l.deps.Agent.Ask(ctx, prompt)
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	gen = applyGenTags(gen, reply)
	// Files cannot be written without both names, so a missing one is retried as EXTRA_TAG.
	if gen.CodeFile == "" || gen.TestFile == "" {
		return graph.Update[state.State]{}, schema.NewErrorf(schema.ErrCodeExtraTag,
			"code generation answer lacks <%s> or <%s>", tags.CodeFile, tags.TestFile).
			WithDetails(map[string]any{"answer": reply})
	}

	return graph.Set(state.State{GenResult: gen}, state.FieldGenResult, state.FieldRemedy).
		Clearing(state.FieldAggregate), nil
}

// applyGenTags copies every tag present in reply onto gen. File names lose
// any embedded line breaks and tabs.
func applyGenTags(gen state.GenResult, reply string) state.GenResult {
	tags.Assign(reply, tags.RanResult, &gen.RanResult)
	tags.Assign(reply, tags.InstallCommand, &gen.InstallCommand)
	tags.Assign(reply, tags.GenCode, &gen.GenCode)
	tags.Assign(reply, tags.TestCode, &gen.TestCode)
	if tags.Assign(reply, tags.CodeFile, &gen.CodeFile) {
		gen.CodeFile = strings.TrimSpace(fileNameNoise.ReplaceAllString(gen.CodeFile, ""))
	}
	if tags.Assign(reply, tags.TestFile, &gen.TestFile) {
		gen.TestFile = strings.TrimSpace(fileNameNoise.ReplaceAllString(gen.TestFile, ""))
	}
	return gen
}

// writeCodeToFile writes the code and test files under the project path.
// From the second attempt on, files from the previous attempt are first
// moved into v_<attempt>_<uuid>.
func (l *loop) writeCodeToFile(_ context.Context, st state.State) (graph.Update[state.State], error) {
	project := st.GlobalSetting.ProjectPath
	if err := os.MkdirAll(project, 0o755); err != nil {
		return graph.Update[state.State]{}, ioError("create project directory", project, err)
	}

	gen := st.GenResult.Clone()
	codeFile := underProject(project, gen.CodeFile)
	testFile := underProject(project, gen.TestFile)

	if l.attempt > 1 {
		backup := filepath.Join(project, fmt.Sprintf("v_%d_%s", l.attempt, uuid.NewString()))
		if err := os.MkdirAll(backup, 0o755); err != nil {
			return graph.Update[state.State]{}, ioError("create backup directory", backup, err)
		}
		for _, f := range []string{codeFile, testFile} {
			if err := moveInto(f, backup); err != nil {
				return graph.Update[state.State]{}, err
			}
		}
	}

	c := l.deps.console()
	c.Rule("=")
	var err error
	c.Printf("-> Writing generated code to [%s]...\n", codeFile)
	if gen.CodeFile, err = writeFile(codeFile, gen.GenCode); err != nil {
		return graph.Update[state.State]{}, err
	}
	c.Printf("-> Writing test code to [%s]...\n", testFile)
	if gen.TestFile, err = writeFile(testFile, gen.TestCode); err != nil {
		return graph.Update[state.State]{}, err
	}
	c.Println("-> Files written")
	return graph.Set(state.State{GenResult: gen}, state.FieldGenResult), nil
}

func underProject(project, name string) string {
	if filepath.IsAbs(name) {
		return filepath.Clean(name)
	}
	return filepath.Join(project, name)
}

func moveInto(path, dir string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	dst := filepath.Join(dir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return ioError("back up", path, err)
	}
	return nil
}

func writeFile(path, content string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", ioError("create directory for", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", ioError("write", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func ioError(op, path string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExecution, "%s %s", op, path).WithCause(err)
}

// actionCode installs dependencies, runs the test file and records the
// attempt. On the last allowed attempt a failure settles the disposition:
// FAIL when the run wrote to stderr, VERIFY for a clean mismatch.
func (l *loop) actionCode(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	c := l.deps.console()
	c.Rule("=")
	gen := st.GenResult.Clone()
	run := runner.In(l.deps.Runner, st.GlobalSetting.ProjectPath)

	if cmd := strings.TrimSpace(gen.InstallCommand); cmd != "" {
		c.Printf(" => Installing dependencies: [%s]\n", cmd)
		res, err := run.Run(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return graph.Update[state.State]{}, ctx.Err()
			}
			l.deps.logger().WarnContext(ctx, "install command failed to start", "command", cmd, "error", err)
		}
		c.Println(" => Command finished:\n", res.Stdout)
		c.Rule("-")
	}

	command := l.runningCommand() + " " + shellQuote(gen.TestFile)
	c.Printf(" => Running tests: [%s]\n", command)
	res, err := run.Run(ctx, command)
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	c.Println(" => Command finished:\n", strings.TrimSpace(res.Stdout))
	c.Rule("-")
	c.Println(" => Expected result:\n", strings.TrimSpace(gen.RanResult))

	success, err := l.deps.Verifier.Verify(ctx, expressions.Outcome{
		Expected: gen.RanResult,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		ExitCode: res.ExitCode,
	})
	if err != nil {
		return graph.Update[state.State]{}, err
	}

	disposition := st.ActionState
	if !success && l.attempt >= st.GlobalSetting.MaxRetry {
		disposition = state.ActionVerify
		if res.Stderr != "" {
			disposition = state.ActionFail
		}
	}
	banner(c, fmt.Sprintf("== Attempt %d: code generation finished ", l.attempt))

	gen.IsSuccess = success
	gen.CodeError = res.Stderr
	gen.ActualResult = res.Stdout
	return graph.Set(state.State{
		GenResult:   gen,
		GenStates:   []state.GenResult{gen.Clone()},
		ActionState: disposition,
	}, state.FieldGenResult, state.FieldGenStates, state.FieldActionState), nil
}

func (l *loop) runningCommand() string {
	if l.cfg != nil && strings.TrimSpace(l.cfg.Code.RunningCommand) != "" {
		return l.cfg.Code.RunningCommand
	}
	return defaultRunningCommand
}

// isRegenCode reports whether the loop is done: the attempt passed, or it
// was the last one allowed. Otherwise it opens the next attempt.
func (l *loop) isRegenCode(_ context.Context, st state.State) (bool, error) {
	if st.GenResult.IsSuccess {
		return true, nil
	}
	if l.attempt >= st.GlobalSetting.MaxRetry {
		return true, nil
	}
	l.attempt++
	return false, nil
}

// errorHandle asks the model why the attempt failed and how to fix it, and
// resets the attempt's generated fields for the next pass.
func (l *loop) errorHandle(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	c := l.deps.console()
	c.Rule("=")

	gen := st.GenResult.Clone()
	prompt, err := l.deps.Prompts.regenCode(regenCodeInput{
		Requirements: gen.RequirementAnalysis,
		GenCode:      gen.GenCode,
		TestCode:     gen.TestCode,
		RanResult:    gen.RanResult,
		ActualResult: gen.ActualResult,
		CodeError:    gen.CodeError,
	})
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	c.Printf("Fix prompt (%d characters):\n%s\n", len([]rune(prompt)), prompt)

	reply, err := l.deps.Agent.Ask(ctx, prompt)
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	reason, _ := tags.Join(reply, tags.Reason)
	solution, _ := tags.Join(reply, tags.Solution)
	c.Println("reason:", reason)
	c.Println("solution:", solution)
	c.Rule("=")

	gen.InstallCommand = ""
	gen.GenCode = ""
	gen.TestCode = ""
	gen.RanResult = ""
	gen.ActualResult = ""
	gen.CodeError = ""
	return graph.Set(state.State{
		GenResult: gen,
		Remedy:    state.Remedy{Reason: reason, Solution: solution},
	}, state.FieldGenResult, state.FieldRemedy), nil
}

func banner(c *Console, text string) {
	pad := ruleWidth - len([]rune(text))
	if pad < 0 {
		pad = 0
	}
	c.Println(text + strings.Repeat("=", pad))
}

// shellQuote quotes path for /bin/sh when it holds characters the shell
// would interpret.
func shellQuote(path string) string {
	if path == "" || !strings.ContainsAny(path, " \t\n'\"\\$`&|;<>()*?[]#~!{}") {
		return path
	}
	return "'" + strings.ReplaceAll(path, "'", `'\''`) + "'"
}
