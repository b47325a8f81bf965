package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rendis/codeloop/pkg/schema"
)

// Option describes one editable global setting.
type Option struct {
	Name        string
	Description string
	Default     string
}

// Global setting option names.
const (
	OptEnableKnowledge = "enable_knowledge"
	OptEnableWeb       = "enable_web"
	OptMaxRetry        = "max_retry"
	OptProjectPath     = "project_path"
)

// Options lists the editable settings in display order, with the current
// values of g as defaults.
func (g GlobalSetting) Options() []Option {
	return []Option{
		{OptEnableKnowledge, "Enable knowledge base search [true/false]", strconv.FormatBool(g.EnableKnowledge)},
		{OptEnableWeb, "Enable web search [true/false]", strconv.FormatBool(g.EnableWeb)},
		{OptMaxRetry, "Max code generation attempts [>0]", strconv.Itoa(g.MaxRetry)},
		{OptProjectPath, "Directory generated code is written to", g.ProjectPath},
	}
}

// DefaultGlobalSetting returns the defaults: searches disabled, three
// attempts, and a fresh project directory under the working directory.
func DefaultGlobalSetting() GlobalSetting {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}
	return GlobalSetting{
		MaxRetry:    3,
		ProjectPath: filepath.Join(cwd, "pj_"+uuid.NewString()),
	}
}

// With returns a copy of g with the named option parsed from raw. An empty
// raw value keeps the current value.
func (g GlobalSetting) With(name, raw string) (GlobalSetting, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return g, nil
	}
	switch name {
	case OptEnableKnowledge:
		v, err := parseBool(raw)
		if err != nil {
			return g, settingError(name, raw, err)
		}
		g.EnableKnowledge = v
	case OptEnableWeb:
		v, err := parseBool(raw)
		if err != nil {
			return g, settingError(name, raw, err)
		}
		g.EnableWeb = v
	case OptMaxRetry:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return g, settingError(name, raw, err)
		}
		if v < 1 {
			return g, settingError(name, raw, fmt.Errorf("must be greater than 0"))
		}
		g.MaxRetry = v
	case OptProjectPath:
		g.ProjectPath = raw
	default:
		return g, schema.NewErrorf(schema.ErrCodeGlobalSetting, "unknown setting %q", name)
	}
	return g, nil
}

// Validate checks the structural invariants of the setting.
func (g GlobalSetting) Validate() error {
	if g.MaxRetry < 1 {
		return schema.NewErrorf(schema.ErrCodeGlobalSetting, "max_retry must be greater than 0, got %d", g.MaxRetry)
	}
	if strings.TrimSpace(g.ProjectPath) == "" {
		return schema.NewError(schema.ErrCodeGlobalSetting, "project_path is empty")
	}
	return nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(raw) {
	case "y", "yes", "on":
		return true, nil
	case "n", "no", "off":
		return false, nil
	}
	return strconv.ParseBool(raw)
}

func settingError(name, raw string, cause error) error {
	return schema.NewErrorf(schema.ErrCodeGlobalSetting, "invalid value %q for %s", raw, name).
		WithCause(cause).
		WithDetails(map[string]any{"option": name})
}
