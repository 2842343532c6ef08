// Package enrichment implements the pre-call augmentation capability. Each
// provider call is preceded by regenerating a set of derived data/action
// commands from user-defined enrichment definitions, stored as YAML files in
// a directory. Parsed definitions are cached with a short TTL so repeated
// calls within a session do not re-read the directory.
package enrichment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/badibam/assistant-sub001/core"
	"github.com/badibam/assistant-sub001/internal/util"
	"github.com/badibam/assistant-sub001/logging"
)

// Definition is one enrichment: a command template regenerated before every
// provider call. Kind selects which command list it feeds.
type Definition struct {
	Name      string         `yaml:"name"`
	Kind      string         `yaml:"kind"` // "data" or "action"
	Resource  string         `yaml:"resource"`
	Operation string         `yaml:"operation"`
	Params    map[string]any `yaml:"params"`

	// SessionTypes restricts the definition to the listed session types.
	// Empty means all types.
	SessionTypes []string `yaml:"session_types"`
}

// Validate checks structural constraints of a parsed definition.
func (d Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("enrichment without name")
	}
	if d.Kind != "data" && d.Kind != "action" {
		return fmt.Errorf("enrichment %s: kind must be data or action, got %q", d.Name, d.Kind)
	}
	if d.Resource == "" || d.Operation == "" {
		return fmt.Errorf("enrichment %s: resource and operation are required", d.Name)
	}
	return nil
}

func (d Definition) appliesTo(t core.SessionType) bool {
	if len(d.SessionTypes) == 0 {
		return true
	}
	for _, st := range d.SessionTypes {
		if strings.EqualFold(st, string(t)) {
			return true
		}
	}
	return false
}

const cacheKey = "definitions"

// Options configures a Loader.
type Options struct {
	// CacheTTL bounds how long parsed definitions are reused before the
	// directory is re-read.
	CacheTTL time.Duration

	// Logger receives load traces. Defaults to NoOp.
	Logger logging.Logger
}

// Loader implements core.EnrichmentLoader over a directory of YAML files.
type Loader struct {
	dir    string
	cache  *gocache.Cache
	logger logging.Logger
}

// NewLoader creates a loader reading definitions from dir.
func NewLoader(dir string, optFns ...func(o *Options)) *Loader {
	opts := Options{
		CacheTTL: 30 * time.Second,
		Logger:   logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Loader{
		dir:    dir,
		cache:  gocache.New(opts.CacheTTL, 2*opts.CacheTTL),
		logger: opts.Logger,
	}
}

// LoadAndExecute implements core.EnrichmentLoader: load the definitions that
// apply to the session context and regenerate their derived commands.
func (l *Loader) LoadAndExecute(ctx context.Context, prompt core.PromptContext) (core.EnrichmentResult, error) {
	if err := ctx.Err(); err != nil {
		return core.EnrichmentResult{}, err
	}

	defs, err := l.definitions()
	if err != nil {
		return core.EnrichmentResult{}, err
	}

	state := map[string]any{
		"session_id":   prompt.SessionID,
		"session_type": string(prompt.SessionType),
	}

	var res core.EnrichmentResult
	for _, d := range defs {
		if !d.appliesTo(prompt.SessionType) {
			continue
		}
		params, err := renderParams(d.Params, state)
		if err != nil {
			return core.EnrichmentResult{}, fmt.Errorf("enrichment %s: %w", d.Name, err)
		}
		cmd := core.Command{Resource: d.Resource, Operation: d.Operation, Params: params}
		if d.Kind == "data" {
			res.DataCommands = append(res.DataCommands, cmd)
		} else {
			res.ActionCommands = append(res.ActionCommands, cmd)
		}
	}
	l.logger.Debug("enrichments executed",
		"session_id", prompt.SessionID,
		"data_commands", len(res.DataCommands),
		"action_commands", len(res.ActionCommands))
	return res, nil
}

// renderParams expands template markers in string parameter values against
// the session state, leaving other value types untouched.
func renderParams(params map[string]any, state map[string]any) (map[string]any, error) {
	if len(params) == 0 {
		return params, nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		rendered, err := util.RenderTemplate(s, state)
		if err != nil {
			return nil, fmt.Errorf("param %s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

// Invalidate drops the cached definitions; the next call re-reads the
// directory.
func (l *Loader) Invalidate() { l.cache.Delete(cacheKey) }

func (l *Loader) definitions() ([]Definition, error) {
	if cached, ok := l.cache.Get(cacheKey); ok {
		return cached.([]Definition), nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read enrichment dir: %w", err)
	}

	var defs []Definition
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.dir, name))
		if err != nil {
			return nil, fmt.Errorf("read enrichment %s: %w", name, err)
		}
		var fileDefs []Definition
		if err := yaml.Unmarshal(data, &fileDefs); err != nil {
			return nil, fmt.Errorf("parse enrichment %s: %w", name, err)
		}
		for _, d := range fileDefs {
			if err := d.Validate(); err != nil {
				return nil, fmt.Errorf("enrichment %s: %w", name, err)
			}
			defs = append(defs, d)
		}
	}

	l.cache.Set(cacheKey, defs, gocache.DefaultExpiration)
	return defs, nil
}
