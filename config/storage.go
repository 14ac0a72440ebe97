package config

import "strings"

// StorageConfig contains raw-layer object storage configuration. Any
// S3-compatible store works; set Endpoint for MinIO or localstack.
type StorageConfig struct {
	Region string `env:"REGION" envDefault:"us-east-1"`
	Bucket string `env:"BUCKET" envDefault:"pipeline-raw"`

	// Endpoint overrides the AWS endpoint. When set, path-style
	// addressing is used.
	Endpoint string `env:"ENDPOINT"`

	// Static credentials. Leave empty to use the ambient AWS credential
	// chain (env, shared config, instance role).
	AccessKeyID     string `env:"ACCESS_KEY_ID"`
	SecretAccessKey string `env:"SECRET_ACCESS_KEY"`

	// UseMemory swaps in the in-memory store; for tests and local
	// development only, data does not survive a restart.
	UseMemory bool `env:"USE_MEMORY" envDefault:"false"`
}

// Sanitize normalises storage configuration values.
func (s *StorageConfig) Sanitize() {
	s.Region = strings.TrimSpace(s.Region)
	s.Bucket = strings.TrimSpace(s.Bucket)
	s.Endpoint = strings.TrimSpace(s.Endpoint)
}
