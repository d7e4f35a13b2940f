// Package email provides email sending capabilities via SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	BaseURL  string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

// NewService creates a new email service
func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

func (s *Service) fromHeader() string {
	if s.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}
	return s.config.From
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		s.fromHeader(),
		subject,
		body,
	))

	return s.send(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email with a plain text fallback part.
func (s *Service) SendHTMLEmail(to []string, subject, textBody, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	boundary := "boundary-versehub"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", s.fromHeader())
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", textBody)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// PullRequestNotice describes a pull request event for one recipient.
type PullRequestNotice struct {
	ToEmail       string
	ToName        string
	ActorName     string
	PoemTitle     string
	PullRequestID string
	Status        string
	Message       string
}

type noticeData struct {
	PullRequestNotice
	AppName string
	URL     string
}

// NotifyPullRequestOpened tells a poem owner that someone suggested a change.
func (s *Service) NotifyPullRequestOpened(n PullRequestNotice) error {
	subject := fmt.Sprintf("%s suggested a change to %q", n.ActorName, n.PoemTitle)
	return s.sendNotice(n, subject, pullRequestOpenedTemplate)
}

// NotifyPullRequestReviewed tells a pull request author about the owner's
// decision.
func (s *Service) NotifyPullRequestReviewed(n PullRequestNotice) error {
	subject := fmt.Sprintf("Your suggestion to %q was %s", n.PoemTitle, n.Status)
	return s.sendNotice(n, subject, pullRequestReviewedTemplate)
}

func (s *Service) sendNotice(n PullRequestNotice, subject, tmpl string) error {
	if strings.TrimSpace(n.ToEmail) == "" {
		return fmt.Errorf("notice recipient has no email address")
	}
	data := noticeData{
		PullRequestNotice: n,
		AppName:           "Versehub",
		URL:               strings.TrimRight(s.config.BaseURL, "/") + "/pull-requests/" + n.PullRequestID,
	}
	html, err := renderTemplate(tmpl, data)
	if err != nil {
		return fmt.Errorf("render notice template: %w", err)
	}
	text := subject + "\n\n" + data.URL
	return s.SendHTMLEmail([]string{n.ToEmail}, subject, text, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const pullRequestOpenedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>New suggestion on {{.PoemTitle}}</title>
</head>
<body>
    <h2>Hi {{.ToName}},</h2>
    <p>{{.ActorName}} suggested a change to <strong>{{.PoemTitle}}</strong>.</p>
    {{if .Message}}<blockquote>{{.Message}}</blockquote>{{end}}
    <p><a href="{{.URL}}">Review the suggestion</a></p>
    <p style="font-size: 12px; color: #666;">You are receiving this because you own this poem on {{.AppName}}.</p>
</body>
</html>`

const pullRequestReviewedTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>Your suggestion was {{.Status}}</title>
</head>
<body>
    <h2>Hi {{.ToName}},</h2>
    <p>{{.ActorName}} {{.Status}} your suggestion to <strong>{{.PoemTitle}}</strong>.</p>
    {{if .Message}}<blockquote>{{.Message}}</blockquote>{{end}}
    <p><a href="{{.URL}}">View the suggestion</a></p>
    <p style="font-size: 12px; color: #666;">You are receiving this because you suggested a change on {{.AppName}}.</p>
</body>
</html>`
