package config

import (
	"strings"
	"time"
)

// PipelineConfig contains tenant and job tuning configuration shared by
// every pipeline stage.
type PipelineConfig struct {
	// Tenants is the comma-delimited list of tenant ids the pipeline
	// syncs. Jobs are registered for every (tenant, data type) pair.
	Tenants []string `env:"PIPELINE_TENANTS" envDefault:"tenant-default"`

	// BronzeTimeout bounds one bronze extraction run.
	BronzeTimeout time.Duration `env:"PIPELINE_BRONZE_TIMEOUT" envDefault:"10m"`

	// SilverTimeout bounds one silver transformation run.
	SilverTimeout time.Duration `env:"PIPELINE_SILVER_TIMEOUT" envDefault:"15m"`

	// BreakerThreshold is the consecutive-failure count that opens a
	// job's circuit breaker.
	BreakerThreshold int `env:"PIPELINE_BREAKER_THRESHOLD" envDefault:"3"`

	// BreakerCooldown is how long an open breaker rejects runs before
	// admitting a half-open trial.
	BreakerCooldown time.Duration `env:"PIPELINE_BREAKER_COOLDOWN" envDefault:"30m"`

	// StalenessThreshold is the gap since a job's own last success after
	// which unmet dependencies stop blocking it.
	StalenessThreshold time.Duration `env:"PIPELINE_STALENESS_THRESHOLD" envDefault:"24h"`

	// SilverReadConcurrency bounds parallel raw-object reads per silver run.
	SilverReadConcurrency int `env:"PIPELINE_SILVER_READ_CONCURRENCY" envDefault:"4"`
}

// Sanitize applies guardrails to pipeline configuration values.
func (p *PipelineConfig) Sanitize() {
	tenants := make([]string, 0, len(p.Tenants))
	for _, tenant := range p.Tenants {
		if trimmed := strings.TrimSpace(tenant); trimmed != "" {
			tenants = append(tenants, trimmed)
		}
	}
	p.Tenants = tenants

	if p.BronzeTimeout < time.Second {
		p.BronzeTimeout = time.Second
	}
	if p.SilverTimeout < time.Second {
		p.SilverTimeout = time.Second
	}
	if p.BreakerThreshold < 1 {
		p.BreakerThreshold = 1
	}
	if p.BreakerCooldown < time.Minute {
		p.BreakerCooldown = time.Minute
	}
	if p.StalenessThreshold < time.Hour {
		p.StalenessThreshold = time.Hour
	}
	if p.SilverReadConcurrency < 1 {
		p.SilverReadConcurrency = 1
	}
}
