package secplane

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestAuditorHashesSubject(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenIssued("alice@example.com", "tenant-a", "203.0.113.10")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("Raw subject leaked into audit log")
	}
	if !strings.Contains(out, "event_type="+EventTokenIssued) {
		t.Errorf("Expected %s event, got: %s", EventTokenIssued, out)
	}
	if !strings.Contains(out, "subject_hash=") {
		t.Error("Expected hashed subject in audit log")
	}
}

func TestAuditorDisabled(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), false)

	auditor.LogAuthFailure("alice", "203.0.113.10", CodeTokenRevoked)

	if buf.Len() != 0 {
		t.Errorf("Disabled auditor should not log, got: %s", buf.String())
	}
}

func TestAuditorEventTypes(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenRefreshed("alice", "tenant-a", "203.0.113.10")
	auditor.LogTokenRevoked("alice", "203.0.113.10", "access")
	auditor.LogRateLimitExceeded("alice", "203.0.113.10", "api")
	auditor.LogCsrfRejected("203.0.113.10", "POST", "/update")
	auditor.LogFingerprintMismatch("alice", "tenant-a")
	auditor.LogSlowRampDetected("5m", 2.1, 5, 10, 30, 200)

	out := buf.String()
	for _, event := range []string{
		EventTokenRefreshed,
		EventTokenRevoked,
		EventRateLimitExceeded,
		EventCsrfRejected,
		EventFingerprintMismatch,
		EventSlowRampDetected,
	} {
		if !strings.Contains(out, "event_type="+event) {
			t.Errorf("Missing %s event in audit output", event)
		}
	}
}
