package gate

import (
	"fmt"
	"sync"

	"github.com/gobwas/glob"
	"github.com/google/cel-go/cel"

	"github.com/franklinbaldo/egregora-sub010/pkg/pii"
)

// mediaRules holds compiled media_url globs. An empty allowlist allows
// everything not denied.
type mediaRules struct {
	allow []glob.Glob
	deny  []glob.Glob
}

func compileMediaRules(allow, deny []string) (*mediaRules, error) {
	m := &mediaRules{}
	for _, p := range allow {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: media_allowlist %q: %w", ErrInvalidPolicy, p, err)
		}
		m.allow = append(m.allow, g)
	}
	for _, p := range deny {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: media_denylist %q: %w", ErrInvalidPolicy, p, err)
		}
		m.deny = append(m.deny, g)
	}
	return m, nil
}

func (m *mediaRules) active() bool {
	return len(m.allow) > 0 || len(m.deny) > 0
}

// allowed reports whether url passes. Rows without media always pass.
func (m *mediaRules) allowed(url string) bool {
	if url == "" {
		return true
	}
	for _, g := range m.deny {
		if g.Match(url) {
			return false
		}
	}
	if len(m.allow) == 0 {
		return true
	}
	for _, g := range m.allow {
		if g.Match(url) {
			return true
		}
	}
	return false
}

// filterCache compiles DropWhen expressions once per distinct expression.
type filterCache struct {
	env *cel.Env
	mu  sync.RWMutex
	prg map[string]cel.Program
}

func newFilterCache() (*filterCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("pii", cel.MapType(cel.StringType, cel.BoolType)),
		cel.Variable("text", cel.StringType),
		cel.Variable("media_type", cel.StringType),
		cel.Variable("source", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("gate: create CEL environment: %w", err)
	}
	return &filterCache{env: env, prg: make(map[string]cel.Program)}, nil
}

type dropFilter struct {
	prg cel.Program
}

// compile returns nil for an empty expression.
func (c *filterCache) compile(expr string) (*dropFilter, error) {
	if expr == "" {
		return nil, nil
	}
	c.mu.RLock()
	prg, ok := c.prg[expr]
	c.mu.RUnlock()
	if ok {
		return &dropFilter{prg: prg}, nil
	}

	ast, iss := c.env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: drop_when: %w", ErrInvalidPolicy, iss.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: drop_when must be a boolean expression, got %s", ErrInvalidPolicy, ast.OutputType())
	}
	prg, err := c.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("%w: drop_when: %w", ErrInvalidPolicy, err)
	}

	c.mu.Lock()
	c.prg[expr] = prg
	c.mu.Unlock()
	return &dropFilter{prg: prg}, nil
}

func (f *dropFilter) eval(flags pii.Flags, text, mediaType, source string) (bool, error) {
	found := make(map[string]bool, len(flags))
	for name, v := range flags {
		found[name] = v.Matched
	}
	out, _, err := f.prg.Eval(map[string]any{
		"pii":        found,
		"text":       text,
		"media_type": mediaType,
		"source":     source,
	})
	if err != nil {
		return false, err
	}
	hit, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("drop_when returned %T", out.Value())
	}
	return hit, nil
}
