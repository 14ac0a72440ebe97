package slack

import (
	"strings"
	"testing"
	"time"

	"github.com/aurelia-ai/pipeline/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#pipeline-alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.AlertPayload{
		Kind:       notify.KindRunFailure,
		JobName:    "bronze:message",
		Error:      "boom",
		ErrorClass: "test_error",
		Metadata:   map[string]string{"run_id": "abc-123"},
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#pipeline-alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Pipeline run failure", "bronze:message", "boom", "test_error", "run_id", "abc-123"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageBreakerOpenHeader(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.AlertPayload{
		Kind:    notify.KindBreakerOpen,
		JobName: "silver:transaction",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !strings.Contains(text, "Circuit breaker opened") {
		t.Fatalf("expected breaker header, got: %s", text)
	}
	if !strings.Contains(text, "`silver:transaction`") {
		t.Fatalf("expected job name in header, got: %s", text)
	}
}

func TestFormatMessageDefaultsSeverity(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.AlertPayload{JobName: "bronze:message"})
	text := msg["text"].(string)
	if !strings.Contains(text, "Severity: critical") {
		t.Fatalf("expected default severity, got: %s", text)
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
