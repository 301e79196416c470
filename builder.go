package dagflow

import "fmt"

// TemplateBuilder provides a fluent API to define task templates.
//
// Example:
//
//	flow := dagflow.NewTemplate("order").
//		Version("1.2.0").
//		Step("validate", "validate-order").
//		Step("reserve", "reserve-stock", dagflow.DependsOn("validate")).
//		Step("charge", "charge-card", dagflow.DependsOn("validate"), dagflow.RetryLimit(5)).
//		Step("ship", "ship-order", dagflow.DependsOn("reserve", "charge"))
//
//	flow.MustRegister(eng)
type TemplateBuilder struct {
	tpl TaskTemplate
}

// NewTemplate starts a new template definition with the given name.
func NewTemplate(name string) *TemplateBuilder {
	return &TemplateBuilder{tpl: TaskTemplate{Name: name}}
}

// Name returns the template name.
func (b *TemplateBuilder) Name() string {
	return b.tpl.Name
}

// Version sets the semver version of the template.
func (b *TemplateBuilder) Version(v string) *TemplateBuilder {
	b.tpl.Version = v
	return b
}

// Namespace sets the template namespace.
func (b *TemplateBuilder) Namespace(ns string) *TemplateBuilder {
	b.tpl.Namespace = ns
	return b
}

// Description sets a human readable description.
func (b *TemplateBuilder) Description(d string) *TemplateBuilder {
	b.tpl.Description = d
	return b
}

// ContextSchema sets the JSON schema every submitted task context must match.
func (b *TemplateBuilder) ContextSchema(schema map[string]any) *TemplateBuilder {
	b.tpl.ContextSchema = schema
	return b
}

// Step appends a step executed by the named handler. Steps are retryable
// with the default retry limit unless an option says otherwise.
func (b *TemplateBuilder) Step(name, handler string, opts ...StepOption) *TemplateBuilder {
	if name == "" {
		panic("dagflow: step name must not be empty")
	}
	if handler == "" {
		panic(fmt.Sprintf("dagflow: step %q has no handler", name))
	}
	st := StepTemplate{Name: name, Handler: handler, Retryable: true}
	for _, opt := range opts {
		opt(&st)
	}
	b.tpl.Steps = append(b.tpl.Steps, st)
	return b
}

// Template returns a copy of the template built so far.
func (b *TemplateBuilder) Template() TaskTemplate {
	tpl := b.tpl
	tpl.Steps = append([]StepTemplate(nil), b.tpl.Steps...)
	return tpl
}

// Register registers the built template with the given engine.
func (b *TemplateBuilder) Register(eng Engine) error {
	return eng.RegisterTemplate(b.Template())
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *TemplateBuilder) MustRegister(eng Engine) {
	if err := b.Register(eng); err != nil {
		panic(err)
	}
}
