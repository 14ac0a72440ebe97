package model

import (
	"errors"
	"strings"
)

// DependencyRequirement maps a job to one upstream job that must have
// completed successfully within the given window for the dependent job
// to run. The table is static configuration, read-only at runtime.
type DependencyRequirement struct {
	JobName             string `json:"job_name"              db:"job_name"`
	DependsOn           string `json:"depends_on"            db:"depends_on"`
	RequiredWithinHours int    `json:"required_within_hours" db:"required_within_hours"`
}

// Validate validates the DependencyRequirement fields.
func (d *DependencyRequirement) Validate() error {
	if strings.TrimSpace(d.JobName) == "" {
		return errors.New("job name is required")
	}
	if strings.TrimSpace(d.DependsOn) == "" {
		return errors.New("depends_on is required")
	}
	if d.JobName == d.DependsOn {
		return errors.New("job cannot depend on itself")
	}
	if d.RequiredWithinHours <= 0 {
		return errors.New("required_within_hours must be positive")
	}
	return nil
}
