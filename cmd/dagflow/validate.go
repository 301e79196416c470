package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/petrijr/dagflow/internal/config"
	"github.com/petrijr/dagflow/internal/handlers"
	"github.com/petrijr/dagflow/pkg/api"
)

var validateCmd = &cobra.Command{
	Use:   "validate [template.yaml...]",
	Short: "Validate task templates",
	Long: "Validate checks each template against the template schema, its step graph for\n" +
		"cycles and unknown dependencies, and its handlers against the built-in set.\n" +
		"Without arguments the templates listed in the config are validated.",
	RunE: func(cmd *cobra.Command, args []string) error {
		paths := args
		if len(paths) == 0 {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			paths = cfg.Templates
		}
		if len(paths) == 0 {
			return usageError{errors.New("no templates given and none listed in the config")}
		}
		return validateTemplates(cmd.OutOrStdout(), handlers.NewRegistry(), paths)
	},
}

// validateTemplates reports one line per file and fails if any file is invalid.
func validateTemplates(out io.Writer, reg *api.HandlerRegistry, paths []string) error {
	var errs []error
	for _, path := range paths {
		tpl, err := config.LoadTemplate(path)
		if err == nil {
			err = checkHandlers(reg, tpl)
		}
		if err != nil {
			fmt.Fprintf(out, "FAIL %s: %v\n", path, err)
			errs = append(errs, err)
			continue
		}
		fmt.Fprintf(out, "ok   %s: %s@%s (%d steps)\n", path, tpl.Name, tpl.Version, len(tpl.Steps))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d templates invalid", len(errs), len(paths))
	}
	return nil
}

func checkHandlers(reg *api.HandlerRegistry, tpl api.TaskTemplate) error {
	for _, st := range tpl.Steps {
		if _, err := reg.Lookup(st.Handler); err != nil {
			return fmt.Errorf("step %q: %w", st.Name, err)
		}
	}
	return nil
}
