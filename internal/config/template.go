package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/dagflow/internal/engine"
	"github.com/petrijr/dagflow/pkg/api"
)

// SupportedSchemaMajor is the template schemaVersion major this build reads.
const SupportedSchemaMajor = "v1"

//go:embed template_schema_v1.json
var templateSchemaBytes []byte

var (
	templateSchema     *gojsonschema.Schema
	templateSchemaOnce sync.Once
	templateSchemaErr  error
)

func loadTemplateSchema() (*gojsonschema.Schema, error) {
	templateSchemaOnce.Do(func() {
		templateSchema, templateSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(templateSchemaBytes))
		if templateSchemaErr != nil {
			templateSchemaErr = fmt.Errorf("compile embedded template schema: %w", templateSchemaErr)
		}
	})
	return templateSchema, templateSchemaErr
}

type templateFile struct {
	SchemaVersion string         `yaml:"schemaVersion"`
	Name          string         `yaml:"name"`
	Namespace     string         `yaml:"namespace"`
	Version       string         `yaml:"version"`
	Description   string         `yaml:"description"`
	ContextSchema map[string]any `yaml:"context_schema"`
	Steps         []stepFile     `yaml:"steps"`
}

type stepFile struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Handler     string         `yaml:"handler"`
	DependsOn   []string       `yaml:"depends_on"`
	Retryable   *bool          `yaml:"retryable"`
	RetryLimit  int            `yaml:"retry_limit"`
	Config      map[string]any `yaml:"config"`
}

// ValidateTemplateSchema checks a YAML template document against the
// embedded JSON schema.
func ValidateTemplateSchema(doc []byte) error {
	schema, err := loadTemplateSchema()
	if err != nil {
		return err
	}
	var data any
	if err := yaml.Unmarshal(doc, &data); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	if data == nil {
		return fmt.Errorf("%w: empty document", api.ErrInvalidTemplate)
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(data))
	if err != nil {
		return fmt.Errorf("validate template: %w", err)
	}
	if result.Valid() {
		return nil
	}
	var b strings.Builder
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" || field == "(root)" {
			field = desc.Context().String()
		}
		fmt.Fprintf(&b, "\n  - %s: %s", field, desc.Description())
	}
	return fmt.Errorf("%w: schema validation failed:%s", api.ErrInvalidTemplate, b.String())
}

// ParseTemplate reads one YAML template: schema validation, strict decoding,
// schemaVersion check, then structural validation (unknown dependency,
// duplicate step, cycle). Steps are retryable unless they say otherwise.
func ParseTemplate(doc []byte, hint string) (api.TaskTemplate, error) {
	wrap := func(err error) error {
		if hint == "" {
			return err
		}
		return fmt.Errorf("template %s: %w", hint, err)
	}

	if err := ValidateTemplateSchema(doc); err != nil {
		return api.TaskTemplate{}, wrap(err)
	}

	var tf templateFile
	dec := yaml.NewDecoder(bytes.NewReader(doc))
	dec.KnownFields(true)
	if err := dec.Decode(&tf); err != nil {
		return api.TaskTemplate{}, wrap(fmt.Errorf("parse template: %w", err))
	}

	sv := tf.SchemaVersion
	if !strings.HasPrefix(sv, "v") {
		sv = "v" + sv
	}
	if !semver.IsValid(sv) {
		return api.TaskTemplate{}, wrap(fmt.Errorf("%w: schemaVersion %q is not valid semver", api.ErrInvalidTemplate, tf.SchemaVersion))
	}
	if semver.Major(sv) != SupportedSchemaMajor {
		return api.TaskTemplate{}, wrap(fmt.Errorf("%w: schemaVersion %q is not supported (want %s)", api.ErrInvalidTemplate, tf.SchemaVersion, SupportedSchemaMajor))
	}

	version, err := engine.NormalizeVersion(tf.Version)
	if err != nil {
		return api.TaskTemplate{}, wrap(err)
	}

	tpl := api.TaskTemplate{
		Name:          tf.Name,
		Namespace:     tf.Namespace,
		Version:       version,
		Description:   tf.Description,
		ContextSchema: tf.ContextSchema,
	}
	for _, s := range tf.Steps {
		retryable := true
		if s.Retryable != nil {
			retryable = *s.Retryable
		}
		tpl.Steps = append(tpl.Steps, api.StepTemplate{
			Name:        s.Name,
			Description: s.Description,
			Handler:     s.Handler,
			DependsOn:   s.DependsOn,
			Retryable:   retryable,
			RetryLimit:  s.RetryLimit,
			Config:      s.Config,
		})
	}

	if err := engine.ValidateTemplate(tpl); err != nil {
		return api.TaskTemplate{}, wrap(err)
	}
	return tpl, nil
}

// LoadTemplate reads and parses a template file.
func LoadTemplate(path string) (api.TaskTemplate, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return api.TaskTemplate{}, fmt.Errorf("read template %s: %w", path, err)
	}
	return ParseTemplate(doc, path)
}

// LoadTemplates loads every template listed in the config.
func (c *Config) LoadTemplates() ([]api.TaskTemplate, error) {
	out := make([]api.TaskTemplate, 0, len(c.Templates))
	for _, p := range c.Templates {
		tpl, err := LoadTemplate(p)
		if err != nil {
			return nil, err
		}
		out = append(out, tpl)
	}
	return out, nil
}
