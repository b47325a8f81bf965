package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rendis/codeloop/pkg/schema"
)

// EnvPrefix prefixes environment overrides. A double underscore separates
// nesting levels: CODELOOP_LLM__API_KEY sets llm.api_key.
const EnvPrefix = "CODELOOP_"

const (
	schemaURL         = "https://codeloop.dev/schemas/config.json"
	maxConfigFileSize = 1024 * 1024
)

//go:embed defaults.yaml
var defaultsYAML []byte

//go:embed schema.json
var schemaJSON []byte

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func configSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			compileErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			compileErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(schemaURL)
	})
	return compiledSchema, compileErr
}

// Load resolves the configuration. An empty path uses DefaultPath; a missing
// file at the default path is not an error, a missing explicit file is.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	content, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse config file %s", path).WithCause(err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read config file %s", path).WithCause(err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode config").WithCause(err)
	}
	cfg.Mail.To = splitList(cfg.Mail.To)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	cfg.VectorStore.Path = ExpandHome(cfg.VectorStore.Path)
	cfg.Store.DBPath = ExpandHome(cfg.Store.DBPath)
	return &cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxConfigFileSize {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxConfigFileSize)
	}
	return data, nil
}

// splitList expands comma-separated entries, which is how list values
// arrive from the environment.
func splitList(in []string) []string {
	if len(in) == 0 {
		return in
	}
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// envKey maps CODELOOP_VECTOR_STORE__CHUNK_SIZE to vector_store.chunk_size.
func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate checks cfg against the embedded JSON Schema.
func Validate(cfg *Config) error {
	sch, err := configSchema()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize config").WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize config").WithCause(err)
	}
	if err := sch.Validate(doc); err != nil {
		return toLoopError(err)
	}
	return nil
}

// toLoopError flattens schema validation failures into one VALIDATION_ERROR
// listing each failing location.
func toLoopError(err error) error {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
	}
	var issues schema.Issues
	collectLeaves(ve, message.NewPrinter(language.English), &issues)
	le, ok := issues.Err("invalid config").(*schema.LoopError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, "invalid config").WithCause(err)
	}
	return le.WithCause(err)
}

func collectLeaves(ve *jsonschema.ValidationError, p *message.Printer, out *schema.Issues) {
	if len(ve.Causes) == 0 {
		out.Add("/"+strings.Join(ve.InstanceLocation, "/"), ve.ErrorKind.LocalizedString(p))
		return
	}
	for _, c := range ve.Causes {
		collectLeaves(c, p, out)
	}
}
