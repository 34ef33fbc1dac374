package health

// Status is the outcome of a single check
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarning Status = "warning"
	StatusFailed  Status = "failed"
)

// HealthCheck is the result of one diagnostic
type HealthCheck struct {
	Name    string                 `json:"name"`
	Status  Status                 `json:"status"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResult aggregates all checks of a run
type HealthResult struct {
	Status Status        `json:"status"`
	Checks []HealthCheck `json:"checks"`
}

// Summarize folds checks into a result whose status is the worst one seen
func Summarize(checks []HealthCheck) HealthResult {
	result := HealthResult{Status: StatusOK, Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case StatusFailed:
			result.Status = StatusFailed
		case StatusWarning:
			if result.Status == StatusOK {
				result.Status = StatusWarning
			}
		}
	}
	return result
}

// ExitCode maps a result to the process exit code: 0 ok, 1 warnings, 2 failures
func (r HealthResult) ExitCode() int {
	switch r.Status {
	case StatusFailed:
		return 2
	case StatusWarning:
		return 1
	}
	return 0
}
