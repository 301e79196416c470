package dagflow

// StepOption configures a step added with TemplateBuilder.Step.
type StepOption func(*StepTemplate)

// DependsOn declares the steps that must finish before this one may run.
func DependsOn(steps ...string) StepOption {
	return func(st *StepTemplate) {
		st.DependsOn = append(st.DependsOn, steps...)
	}
}

// RetryLimit caps how many attempts a failing step gets before the task is
// blocked. Zero means api.DefaultRetryLimit.
func RetryLimit(n int) StepOption {
	return func(st *StepTemplate) {
		st.Retryable = true
		st.RetryLimit = n
	}
}

// NoRetry makes the first failure of a step final.
func NoRetry() StepOption {
	return func(st *StepTemplate) {
		st.Retryable = false
	}
}

// WithConfig passes static parameters to the step handler through
// StepContext.Config.
func WithConfig(cfg map[string]any) StepOption {
	return func(st *StepTemplate) {
		if st.Config == nil {
			st.Config = make(map[string]any, len(cfg))
		}
		for k, v := range cfg {
			st.Config[k] = v
		}
	}
}

// Describe sets the step description.
func Describe(d string) StepOption {
	return func(st *StepTemplate) {
		st.Description = d
	}
}
