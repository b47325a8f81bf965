package workflow

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	lcschema "github.com/tmc/langchaingo/schema"

	"github.com/rendis/codeloop/internal/config"
	"github.com/rendis/codeloop/internal/graph"
	"github.com/rendis/codeloop/internal/knowledge"
	"github.com/rendis/codeloop/internal/state"
	"github.com/rendis/codeloop/pkg/schema"
)

// Setup step names.
const (
	StepPrintGlobalSetting = "print_global_setting"
	StepEditGlobalSetting  = "edit_global_setting"
	StepIsSettingKnowledge = "is_setting_knowledge"
	StepEditWorkspace      = "edit_workspace"
	StepAddDataToVector    = "add_data_to_vector"
)

// exitSentinel ends file entry in add_data_to_vector.
const exitSentinel = "exit()"

// Workspace edit modes offered when the chosen workspace already exists.
const (
	modeReplace     = "1"
	modeIncremental = "2"
	modeReselect    = "3"
)

// Setup resolves the run's global options and, when knowledge search is on,
// the knowledge workspace and its files.
type Setup struct {
	cfg  *config.Config
	deps *Deps
}

// NewSetup creates the setup phase.
func NewSetup(cfg *config.Config, deps *Deps) *Setup {
	return &Setup{cfg: cfg, deps: deps}
}

// Graph declares:
//
//	start -> print_global_setting
//	print_global_setting -[edit?]-> edit_global_setting | is_setting_knowledge
//	is_setting_knowledge -[vector?]-> edit_workspace | end
//	edit_global_setting  -[vector?]-> edit_workspace | end
//	edit_workspace -> add_data_to_vector -> end
func (s *Setup) Graph() *graph.Graph[state.State] {
	isVector := graph.Predicate(s.isSettingVector)
	vectorPaths := map[string]string{graph.KeyTrue: StepEditWorkspace, graph.KeyFalse: graph.End}

	return graph.New(SetupGraph, state.Fields).
		AddStep(StepPrintGlobalSetting, s.printGlobalSetting).
		AddStep(StepEditGlobalSetting, s.editGlobalSetting).
		AddStep(StepIsSettingKnowledge, s.isSettingKnowledge).
		AddStep(StepEditWorkspace, s.editWorkspace).
		AddStep(StepAddDataToVector, s.addDataToVector).
		AddEdge(graph.Start, StepPrintGlobalSetting).
		AddConditionalEdge(StepPrintGlobalSetting, graph.Predicate(s.isGlobalSetting),
			map[string]string{graph.KeyTrue: StepEditGlobalSetting, graph.KeyFalse: StepIsSettingKnowledge}).
		AddConditionalEdge(StepIsSettingKnowledge, isVector, vectorPaths).
		AddConditionalEdge(StepEditGlobalSetting, isVector, vectorPaths).
		AddEdge(StepEditWorkspace, StepAddDataToVector).
		AddEdge(StepAddDataToVector, graph.End)
}

func (s *Setup) printGlobalSetting(_ context.Context, st state.State) (graph.Update[state.State], error) {
	c := s.deps.console()
	c.Rule("=")
	c.Heading("[Current global settings]")
	c.SettingsTable(st.GlobalSetting.Options())
	c.Rule("=")
	return graph.Skip[state.State](), nil
}

func (s *Setup) isGlobalSetting(_ context.Context, _ state.State) (bool, error) {
	c := s.deps.console()
	edit, err := c.Confirm("Edit global settings? [Y/N] (Enter means N): ")
	if err != nil {
		return false, err
	}
	if edit {
		c.Println("* Editing global settings...")
	} else {
		c.Println("* Keeping global settings...")
	}
	c.Rule("=")
	return edit, nil
}

// editGlobalSetting asks for every option in turn. Invalid values are asked
// again; a setting that fails the configured rules restarts the round.
func (s *Setup) editGlobalSetting(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	c := s.deps.console()
	for {
		setting := st.GlobalSetting
		for i, opt := range setting.Options() {
			for {
				raw, err := c.Ask(fmt.Sprintf("%d) %s (current: %s; Enter keeps it): ", i+1, opt.Description, opt.Default))
				if err != nil {
					return graph.Update[state.State]{}, err
				}
				next, err := setting.With(opt.Name, raw)
				if err == nil {
					setting = next
					break
				}
				c.Printf("* %v\n", err)
			}
		}
		if err := s.checkRules(ctx, setting); err != nil {
			c.Printf("* %v\n", err)
			if !c.Interactive() {
				return graph.Update[state.State]{}, err
			}
			continue
		}
		c.Rule("=")
		return graph.Set(state.State{GlobalSetting: setting}, state.FieldGlobalSetting), nil
	}
}

func (s *Setup) checkRules(ctx context.Context, setting state.GlobalSetting) error {
	if err := setting.Validate(); err != nil {
		return err
	}
	if s.deps.Rules == nil || s.cfg == nil || len(s.cfg.SettingRules) == 0 {
		return nil
	}
	data := map[string]any{
		"setting": map[string]any{
			"enable_knowledge": setting.EnableKnowledge,
			"enable_web":       setting.EnableWeb,
			"max_retry":        setting.MaxRetry,
			"project_path":     setting.ProjectPath,
		},
	}
	return s.deps.Rules.CheckRules(ctx, s.cfg.SettingRules, data)
}

// isSettingKnowledge is the junction between the two routers; it changes
// nothing.
func (s *Setup) isSettingKnowledge(_ context.Context, _ state.State) (graph.Update[state.State], error) {
	return graph.Skip[state.State](), nil
}

// isSettingVector decides whether the knowledge workspace is edited. With no
// workspaces yet there is nothing to search, so one must be created.
func (s *Setup) isSettingVector(_ context.Context, st state.State) (bool, error) {
	if !st.GlobalSetting.EnableKnowledge {
		return false, nil
	}
	if s.deps.Vectors == nil {
		s.deps.logger().Warn("knowledge search enabled but no vector store configured")
		return false, nil
	}
	c := s.deps.console()
	if !c.Interactive() {
		return s.cfg != nil && s.cfg.Mutual.Workspace != "" && len(s.cfg.Mutual.FilePaths) > 0, nil
	}
	collections, err := s.deps.Vectors.Collections()
	if err != nil {
		return false, err
	}
	if len(collections) == 0 {
		c.Println("* The knowledge base has no workspaces yet. Create one and upload files...")
		return true, nil
	}
	for {
		answer, err := c.Ask("* Edit the existing knowledge workspaces? [Y/N]: ")
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "y":
			c.Println("* Editing the knowledge base...")
			return true, nil
		case "n":
			c.Println("* Knowledge workspaces unchanged, setup complete...")
			return false, nil
		}
		c.Println("* Invalid answer, only Y or N is accepted (case-insensitive)...")
	}
}

// editWorkspace selects or creates the workspace files are added to. When
// it already exists the operator picks full replace, incremental insert or
// another workspace.
func (s *Setup) editWorkspace(_ context.Context, st state.State) (graph.Update[state.State], error) {
	c := s.deps.console()
	collections, err := s.deps.Vectors.Collections()
	if err != nil {
		return graph.Update[state.State]{}, err
	}

	if !c.Interactive() {
		name := Capitalize(s.cfg.Mutual.Workspace)
		if slices.Contains(collections, name) {
			if err := s.deps.Vectors.DeleteCollection(name); err != nil {
				return graph.Update[state.State]{}, err
			}
		}
		c.Printf("* Using workspace [%s], mode [full replace]\n", name)
		return s.workspaceUpdate(st, name), nil
	}

	if len(collections) > 0 {
		c.Println("** Existing workspaces:")
		for i, name := range collections {
			c.Printf("%d) %s\n", i+1, name)
		}
	}

	name, err := s.askWorkspaceName(c, "[Select/create] knowledge workspace [letters only, e.g. my_workspace]: ")
	if err != nil {
		return graph.Update[state.State]{}, err
	}
	mode := "create and upload"
	for slices.Contains(collections, name) {
		c.Rule("-")
		c.Printf("* Workspace [%s] already exists, choose a mode:\n", name)
		c.Println("[1] Full replace (new files replace the workspace content)")
		c.Println("[2] Incremental insert (files are appended; avoid duplicates, they hurt retrieval)")
		c.Println("[3] Choose another workspace")
		choice, err := c.Ask("* Mode number: ")
		if err != nil {
			return graph.Update[state.State]{}, err
		}
		switch choice {
		case modeReplace:
			if err := s.deps.Vectors.DeleteCollection(name); err != nil {
				return graph.Update[state.State]{}, err
			}
			mode = "full replace"
		case modeIncremental:
			mode = "incremental insert"
		case modeReselect:
			if name, err = s.askWorkspaceName(c, "Workspace name [existing or new]: "); err != nil {
				return graph.Update[state.State]{}, err
			}
			continue
		default:
			c.Printf("* %v\n", schema.NewErrorf(schema.ErrCodeSelectMode, "unknown mode %q, expected 1, 2 or 3", choice))
			continue
		}
		break
	}

	verb := "Created"
	if slices.Contains(collections, name) {
		verb = "Selected"
	}
	c.Rule("-")
	c.Printf("* %s workspace [%s], mode [%s]\n", verb, name, mode)
	c.Rule("-")
	return s.workspaceUpdate(st, name), nil
}

func (s *Setup) askWorkspaceName(c *Console, prompt string) (string, error) {
	for {
		name, err := c.Ask(prompt)
		if err != nil {
			return "", err
		}
		if name != "" {
			return Capitalize(name), nil
		}
	}
}

func (s *Setup) workspaceUpdate(st state.State, name string) graph.Update[state.State] {
	ds := st.DataSource
	ds.Workspace = name
	return graph.Set(state.State{DataSource: ds}, state.FieldDataSource)
}

// addDataToVector collects files until the exit sentinel, chunks them and
// indexes them into the selected workspace. Re-entered files replace their
// earlier chunks; unloadable files are reported and skipped.
func (s *Setup) addDataToVector(ctx context.Context, st state.State) (graph.Update[state.State], error) {
	c := s.deps.console()
	b := newBatch(s.deps.Vectors, s.chunking())

	if c.Interactive() {
		for {
			input, err := c.Ask(fmt.Sprintf("Enter a file or folder to add, %s to save and finish: ", exitSentinel))
			if err != nil {
				return graph.Update[state.State]{}, err
			}
			if strings.EqualFold(input, exitSentinel) {
				break
			}
			if err := b.addPath(ctx, c, input, s.filter()); err != nil {
				return graph.Update[state.State]{}, err
			}
		}
	} else {
		for _, p := range s.cfg.Mutual.FilePaths {
			if err := b.addPath(ctx, c, p, s.filter()); err != nil {
				return graph.Update[state.State]{}, err
			}
		}
	}

	start := time.Now()
	c.Println("* Writing files to the knowledge base...")
	if err := s.deps.Vectors.Index(ctx, b.docs(), st.DataSource.Workspace); err != nil {
		return graph.Update[state.State]{}, err
	}
	c.Printf("* Knowledge base updated in %s\n", time.Since(start).Round(time.Millisecond))

	ds := st.DataSource
	ds.FilePaths = b.paths
	return graph.Set(state.State{DataSource: ds}, state.FieldDataSource), nil
}

func (s *Setup) chunking() chunking {
	if s.cfg == nil {
		return chunking{size: knowledge.DefaultChunkSize, overlap: knowledge.DefaultChunkOverlap}
	}
	return chunking{size: s.cfg.VectorStore.ChunkSize, overlap: s.cfg.VectorStore.ChunkOverlap}
}

func (s *Setup) filter() knowledge.Filter {
	if s.cfg == nil {
		return knowledge.Filter{}
	}
	return knowledge.Filter{Include: s.cfg.VectorStore.Include, Exclude: s.cfg.VectorStore.Exclude}
}

type chunking struct {
	size    int
	overlap int
}

// batch accumulates chunked files keyed by path, in entry order.
type batch struct {
	store  knowledge.VectorStore
	chunks chunking
	paths  []string
	byPath map[string][]lcschema.Document
	total  int
}

func newBatch(store knowledge.VectorStore, chunks chunking) *batch {
	return &batch{store: store, chunks: chunks, byPath: make(map[string][]lcschema.Document)}
}

func (b *batch) addPath(ctx context.Context, c *Console, path string, filter knowledge.Filter) error {
	if _, err := os.Stat(path); err != nil {
		c.Println("* That file or folder does not exist, try again...")
		return nil
	}
	files, err := knowledge.IterFiles(path, filter)
	if err != nil {
		return err
	}
	b.total += len(files)
	for _, f := range files {
		if _, seen := b.byPath[f.Path]; seen {
			b.paths = slices.DeleteFunc(b.paths, func(p string) bool { return p == f.Path })
			delete(b.byPath, f.Path)
			b.total--
			c.Printf("* File [%s] entered again, updating its content...\n", f.Path)
		}
		docs, err := b.store.LoadFile(ctx, f.Path, f.FileType, b.chunks.size, b.chunks.overlap)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeUnloadable) {
				c.Printf("File %s skipped: %v\n", f.Path, err)
				continue
			}
			return err
		}
		b.byPath[f.Path] = docs
		b.paths = append(b.paths, f.Path)
		c.Printf("[%d/%d] added %s\n", len(b.paths), b.total, f.Path)
	}
	return nil
}

func (b *batch) docs() []lcschema.Document {
	var out []lcschema.Document
	for _, p := range b.paths {
		out = append(out, b.byPath[p]...)
	}
	return out
}
