// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"crypto/tls"
	"errors"
	"fmt"
	"html/template"

	"github.com/go-mail/mail/v2"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	From          string
	FromName      string
	SkipTLSVerify bool
}

// Service provides email sending
type Service struct {
	config Config
	send   func(*mail.Message) error
}

// NewService creates a new email service
func NewService(config Config) *Service {
	s := &Service{config: config}
	s.send = s.dialAndSend
	return s
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port > 0 && s.config.From != ""
}

func (s *Service) dialAndSend(m *mail.Message) error {
	d := mail.NewDialer(s.config.Host, s.config.Port, s.config.Username, s.config.Password)
	d.StartTLSPolicy = mail.MandatoryStartTLS
	d.TLSConfig = &tls.Config{
		ServerName:         s.config.Host,
		InsecureSkipVerify: s.config.SkipTLSVerify,
	}
	return d.DialAndSend(m)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if len(to) == 0 {
		return errors.New("email has no recipients")
	}

	m := mail.NewMessage()
	if s.config.FromName != "" {
		m.SetAddressHeader("From", s.config.From, s.config.FromName)
	} else {
		m.SetHeader("From", s.config.From)
	}
	m.SetHeader("To", to...)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", "Please view this email in an HTML-capable email client.")
	m.AddAlternative("text/html", htmlBody)

	if err := s.send(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

// WorkflowData feeds the workflow notification template.
type WorkflowData struct {
	AppName         string
	RecipientName   string
	Heading         string
	Body            string
	ReferenceNumber string
	LinkURL         string
	LinkLabel       string
}

// SendWorkflowEmail renders a status-change email for one recipient.
func (s *Service) SendWorkflowEmail(to, subject string, data WorkflowData) error {
	if data.AppName == "" {
		data.AppName = "Research Approval & Repository System"
	}
	html, err := renderTemplate(workflowTemplate, data)
	if err != nil {
		return fmt.Errorf("render workflow template: %w", err)
	}
	return s.SendHTMLEmail([]string{to}, subject, html)
}

var workflowTemplate = template.Must(template.New("workflow").Parse(workflowEmailTemplate))

func renderTemplate(t *template.Template, data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const workflowEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Heading}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #0b5d3b; padding-bottom: 10px; margin-bottom: 20px; }
        .reference { font-family: monospace; background: #f4f4f4; padding: 2px 6px; border-radius: 3px; }
        .button { display: inline-block; padding: 12px 24px; background: #0b5d3b; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <h2>{{.Heading}}</h2>

    <p>Dear {{if .RecipientName}}{{.RecipientName}}{{else}}Applicant{{end}},</p>

    <p>{{.Body}}</p>
    {{if .ReferenceNumber}}
    <p>Reference: <span class="reference">{{.ReferenceNumber}}</span></p>
    {{end}}
    {{if .LinkURL}}
    <p>
        <a href="{{.LinkURL}}" class="button">{{if .LinkLabel}}{{.LinkLabel}}{{else}}View application{{end}}</a>
    </p>
    {{end}}
    <div class="footer">
        <p>This is an automated message from the {{.AppName}}. Please do not reply.</p>
    </div>
</body>
</html>`
