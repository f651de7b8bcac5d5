package email

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/go-mail/mail/v2"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: 587,
				From: "noreply@example.org",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.org",
				From: "noreply@example.org",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.org",
				Port: 587,
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.org",
				Port: 587,
				From: "noreply@example.org",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestSendHTMLEmailNotConfigured(t *testing.T) {
	svc := NewService(Config{})
	if err := svc.SendHTMLEmail([]string{"a@example.org"}, "s", "<p>x</p>"); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("SendHTMLEmail() error = %v, want ErrNotConfigured", err)
	}
}

func TestSendWorkflowEmailBuildsMessage(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.org", Port: 587, From: "noreply@example.org", FromName: "RARS"})
	var captured *mail.Message
	svc.send = func(m *mail.Message) error {
		captured = m
		return nil
	}

	err := svc.SendWorkflowEmail("amina@example.org", "Application returned for correction", WorkflowData{
		RecipientName:   "Amina",
		Heading:         "Returned for correction",
		Body:            "Returned for correction: missing budget annex",
		ReferenceNumber: "RARS-2025-000123",
		LinkURL:         "https://portal.example.org/applications/app-1",
	})
	if err != nil {
		t.Fatalf("SendWorkflowEmail() error = %v", err)
	}
	if captured == nil {
		t.Fatal("no message sent")
	}
	if got := captured.GetHeader("To"); len(got) != 1 || got[0] != "amina@example.org" {
		t.Fatalf("To = %v", got)
	}
	if got := captured.GetHeader("Subject"); len(got) != 1 || got[0] != "Application returned for correction" {
		t.Fatalf("Subject = %v", got)
	}

	var buf bytes.Buffer
	if _, err := captured.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo() error = %v", err)
	}
	body := buf.String()
	for _, want := range []string{"Dear Amina", "missing budget annex", "RARS-2025-000123", "text/html"} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q", want)
		}
	}
}

func TestSendHTMLEmailWrapsTransportError(t *testing.T) {
	svc := NewService(Config{Host: "smtp.example.org", Port: 587, From: "noreply@example.org"})
	boom := errors.New("connection refused")
	svc.send = func(*mail.Message) error { return boom }
	if err := svc.SendHTMLEmail([]string{"a@example.org"}, "s", "<p>x</p>"); !errors.Is(err, boom) {
		t.Fatalf("SendHTMLEmail() error = %v, want transport error", err)
	}
}
