// Package handlers provides the step handlers dagflow ships with.
//
//   - passthrough returns its config, plus the results of its parents
//   - exec runs a command and fails the step on a non-zero exit
//   - sleep waits for a duration, honouring cancellation
package handlers

import (
	"context"
	"fmt"
	"maps"
	"time"

	"github.com/petrijr/dagflow/pkg/api"
)

const (
	Passthrough = "passthrough"
	Exec        = "exec"
	Sleep       = "sleep"
)

// Register adds every built-in handler to reg.
func Register(reg *api.HandlerRegistry) error {
	for name, h := range map[string]api.StepHandler{
		Passthrough: api.HandlerFunc(passthrough),
		Exec:        NewExecHandler(),
		Sleep:       api.HandlerFunc(sleep),
	} {
		if err := reg.Register(name, h); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in handlers.
func NewRegistry() *api.HandlerRegistry {
	reg := api.NewHandlerRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

func passthrough(ctx context.Context, sc api.StepContext) (map[string]any, error) {
	out := maps.Clone(sc.Config)
	if out == nil {
		out = make(map[string]any)
	}
	if len(sc.ParentResults) > 0 {
		parents := make(map[string]any, len(sc.ParentResults))
		for name, res := range sc.ParentResults {
			parents[name] = res
		}
		out["parents"] = parents
	}
	return out, nil
}

func sleep(ctx context.Context, sc api.StepContext) (map[string]any, error) {
	d, err := durationParam(sc.Config, "duration")
	if err != nil {
		return nil, api.Permanent(err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return map[string]any{"slept": d.String()}, nil
	}
}

func stringParam(cfg map[string]any, key string) (string, bool, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", true, fmt.Errorf("parameter %q must be a string, got %T", key, v)
	}
	return s, true, nil
}

func stringSliceParam(cfg map[string]any, key string) ([]string, error) {
	v, ok := cfg[key]
	if !ok || v == nil {
		return nil, nil
	}
	switch vs := v.(type) {
	case []string:
		return vs, nil
	case []any:
		out := make([]string, 0, len(vs))
		for i, item := range vs {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("parameter %q[%d] must be a string, got %T", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("parameter %q must be a list of strings, got %T", key, v)
	}
}

func durationParam(cfg map[string]any, key string) (time.Duration, error) {
	switch v := cfg[key].(type) {
	case nil:
		return 0, fmt.Errorf("parameter %q is required", key)
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parameter %q: %w", key, err)
		}
		return d, nil
	case time.Duration:
		return v, nil
	default:
		return 0, fmt.Errorf("parameter %q must be a duration string, got %T", key, v)
	}
}
