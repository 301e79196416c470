package engine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/mod/semver"

	"github.com/petrijr/dagflow/internal/graph"
	"github.com/petrijr/dagflow/pkg/api"
)

// DefaultTemplateVersion is assigned to templates registered without one.
const DefaultTemplateVersion = "v1.0.0"

// registeredTemplate is a validated template plus its compiled context schema.
type registeredTemplate struct {
	tpl    api.TaskTemplate
	schema *gojsonschema.Schema
}

type templateRegistry struct {
	mu     sync.RWMutex
	byName map[string]map[string]registeredTemplate
}

func newTemplateRegistry() *templateRegistry {
	return &templateRegistry{
		byName: make(map[string]map[string]registeredTemplate),
	}
}

// NormalizeVersion accepts "1.2.3" or "v1.2.3" and returns the canonical
// semver form. Empty maps to DefaultTemplateVersion.
func NormalizeVersion(v string) (string, error) {
	if v == "" {
		return DefaultTemplateVersion, nil
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: version %q is not valid semver", api.ErrInvalidTemplate, v)
	}
	return semver.Canonical(v), nil
}

// ValidateTemplate checks the structure of a template: a name, at least one
// step, unique step names, known dependencies and an acyclic graph.
func ValidateTemplate(tpl api.TaskTemplate) error {
	if tpl.Name == "" {
		return fmt.Errorf("%w: template name is required", api.ErrInvalidTemplate)
	}
	if len(tpl.Steps) == 0 {
		return fmt.Errorf("%w: template %q has no steps", api.ErrInvalidTemplate, tpl.Name)
	}

	g := graph.New()
	for _, st := range tpl.Steps {
		if st.Name == "" {
			return fmt.Errorf("%w: template %q has a step without a name", api.ErrInvalidTemplate, tpl.Name)
		}
		if st.Handler == "" {
			return fmt.Errorf("%w: step %q has no handler", api.ErrInvalidTemplate, st.Name)
		}
		if st.RetryLimit < 0 {
			return fmt.Errorf("%w: step %q has a negative retry limit", api.ErrInvalidTemplate, st.Name)
		}
		if g.Has(st.Name) {
			return fmt.Errorf("%w: duplicate step %q", api.ErrInvalidTemplate, st.Name)
		}
		if err := g.AddStep(st.Name); err != nil {
			return fmt.Errorf("%w: %v", api.ErrInvalidTemplate, err)
		}
	}
	for _, st := range tpl.Steps {
		for _, dep := range st.DependsOn {
			if !g.Has(dep) {
				return fmt.Errorf("%w: step %q depends on unknown step %q", api.ErrInvalidTemplate, st.Name, dep)
			}
			if err := g.AddEdge(dep, st.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

func compileContextSchema(tpl api.TaskTemplate) (*gojsonschema.Schema, error) {
	if len(tpl.ContextSchema) == 0 {
		return nil, nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tpl.ContextSchema))
	if err != nil {
		return nil, fmt.Errorf("%w: context schema of %q: %v", api.ErrInvalidTemplate, tpl.Name, err)
	}
	return schema, nil
}

func (r *templateRegistry) Register(tpl api.TaskTemplate) error {
	if err := ValidateTemplate(tpl); err != nil {
		return err
	}
	version, err := NormalizeVersion(tpl.Version)
	if err != nil {
		return err
	}
	tpl.Version = version
	schema, err := compileContextSchema(tpl)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.byName[tpl.Name]
	if versions == nil {
		versions = make(map[string]registeredTemplate)
		r.byName[tpl.Name] = versions
	}
	if _, exists := versions[version]; exists {
		return fmt.Errorf("template %q version %q already registered", tpl.Name, version)
	}
	versions[version] = registeredTemplate{tpl: tpl, schema: schema}
	return nil
}

func (r *templateRegistry) Get(name, version string) (registeredTemplate, error) {
	v, err := NormalizeVersion(version)
	if err != nil {
		return registeredTemplate{}, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	if versions == nil {
		return registeredTemplate{}, fmt.Errorf("%w: %s", api.ErrTemplateNotFound, name)
	}
	rt, ok := versions[v]
	if !ok {
		return registeredTemplate{}, fmt.Errorf("%w: %s@%s", api.ErrTemplateNotFound, name, v)
	}
	return rt, nil
}

// Latest returns the highest semver version registered under name.
func (r *templateRegistry) Latest(name string) (registeredTemplate, error) {
	versions := r.Versions(name)
	if len(versions) == 0 {
		return registeredTemplate{}, fmt.Errorf("%w: %s", api.ErrTemplateNotFound, name)
	}
	return r.Get(name, versions[len(versions)-1])
}

// Versions returns the registered versions of name in ascending semver order.
func (r *templateRegistry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.byName[name]
	out := make([]string, 0, len(versions))
	for v := range versions {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return semver.Compare(out[i], out[j]) < 0 })
	return out
}

// validateContext checks a task context against the template's schema.
func (rt registeredTemplate) validateContext(taskContext map[string]any) error {
	if rt.schema == nil {
		return nil
	}
	doc := taskContext
	if doc == nil {
		doc = map[string]any{}
	}
	result, err := rt.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate task context: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("task context does not match schema of %q: %s", rt.tpl.Name, strings.Join(msgs, "; "))
}
