package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/dagflow/internal/config"
	"github.com/petrijr/dagflow/pkg/api"
)

var (
	runTemplates   []string
	runContext     string
	runContextFile string
	runVersion     string
	runOutput      string
)

var runCmd = &cobra.Command{
	Use:   "run NAME",
	Short: "Submit a task and run it to completion in this process",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if runOutput != "yaml" && runOutput != "json" {
			return usageError{fmt.Errorf("unknown output format %q", runOutput)}
		}
		taskContext, err := parseTaskContext(runContext, runContextFile)
		if err != nil {
			return usageError{err}
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx, cfg, newLogger(cfg), runtimeOptions{})
		if err != nil {
			return err
		}
		defer func() { _ = rt.Close(context.Background()) }()

		tpls, err := loadAllTemplates(cfg, runTemplates)
		if err != nil {
			return err
		}
		if err := rt.registerTemplates(tpls); err != nil {
			return err
		}

		view, runErr := submitAndRun(ctx, rt.engine, args[0], runVersion, taskContext)
		if view != nil {
			if err := writeReport(cmd.OutOrStdout(), runOutput, newTaskReport(view)); err != nil {
				return err
			}
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().StringSliceVarP(&runTemplates, "template", "t", nil, "Template file to load in addition to the config (repeatable)")
	runCmd.Flags().StringVar(&runContext, "context", "", "Task context as inline JSON or YAML")
	runCmd.Flags().StringVar(&runContextFile, "context-file", "", "Read the task context from a JSON or YAML file")
	runCmd.Flags().StringVar(&runVersion, "version", "", "Template version to run (default: latest)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "yaml", "Report format (yaml, json)")
}

func submitAndRun(ctx context.Context, eng api.Engine, name, version string, taskContext map[string]any) (*api.TaskView, error) {
	var (
		id  string
		err error
	)
	if version == "" {
		id, err = eng.Submit(ctx, name, taskContext)
	} else {
		id, err = eng.SubmitVersion(ctx, name, version, taskContext)
	}
	if err != nil {
		return nil, err
	}
	return eng.Run(ctx, id)
}

// loadAllTemplates loads the config's templates followed by extra files.
func loadAllTemplates(cfg *config.Config, extra []string) ([]api.TaskTemplate, error) {
	tpls, err := cfg.LoadTemplates()
	if err != nil {
		return nil, err
	}
	for _, path := range extra {
		tpl, err := config.LoadTemplate(path)
		if err != nil {
			return nil, err
		}
		tpls = append(tpls, tpl)
	}
	return tpls, nil
}

// parseTaskContext decodes an inline document or a file. JSON is accepted
// as a subset of YAML.
func parseTaskContext(inline, path string) (map[string]any, error) {
	if inline != "" && path != "" {
		return nil, fmt.Errorf("--context and --context-file are mutually exclusive")
	}
	data := []byte(inline)
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("read task context: %w", err)
		}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse task context: %w", err)
	}
	return out, nil
}

type taskReport struct {
	ID        string       `yaml:"id" json:"id"`
	Name      string       `yaml:"name" json:"name"`
	Namespace string       `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Version   string       `yaml:"version" json:"version"`
	State     api.State    `yaml:"state" json:"state"`
	Steps     []stepReport `yaml:"steps" json:"steps"`
}

type stepReport struct {
	Name      string         `yaml:"name" json:"name"`
	State     api.State      `yaml:"state" json:"state"`
	Attempts  int            `yaml:"attempts" json:"attempts"`
	LastError string         `yaml:"last_error,omitempty" json:"last_error,omitempty"`
	Results   map[string]any `yaml:"results,omitempty" json:"results,omitempty"`
}

func newTaskReport(view *api.TaskView) taskReport {
	r := taskReport{
		ID:        view.Task.ID,
		Name:      view.Task.Name,
		Namespace: view.Task.Namespace,
		Version:   view.Task.Version,
		State:     view.Task.State,
		Steps:     make([]stepReport, 0, len(view.Steps)),
	}
	for _, st := range view.Steps {
		r.Steps = append(r.Steps, stepReport{
			Name:      st.Name,
			State:     st.State,
			Attempts:  st.Attempts,
			LastError: st.LastError,
			Results:   st.Results,
		})
	}
	return r
}

func writeReport(out io.Writer, format string, v any) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
