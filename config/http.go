package config

import "strings"

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// TriggerSecret is the shared secret required on job trigger requests,
	// via the X-Pipeline-Secret header or the secret query parameter.
	// The trigger endpoint refuses all requests when it is unset.
	TriggerSecret string `env:"PIPELINE_TRIGGER_SECRET"`
}

// Sanitize applies guardrails to HTTP configuration values.
func (h *HTTPConfig) Sanitize() {
	h.TriggerSecret = strings.TrimSpace(h.TriggerSecret)
	if strings.TrimSpace(h.Addr) == "" {
		h.Addr = ":8080"
	}
}
