// Package mail renders and delivers account emails. Jobs travel through
// pkg/queue to the mailer worker, which renders them and sends over SMTP.
package mail

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strconv"
	"strings"
	"time"

	"booknetwork/pkg/domain"
)

const (
	// KindSend is the queue job kind for outgoing mail.
	KindSend = "mail.send"

	TemplateActivateAccount = "activate_account"
	SubjectActivation       = "Account activation"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.New("mail").Option("missingkey=zero").ParseFS(templateFS, "templates/*.html"))

// Message is a rendered email.
type Message struct {
	To      string
	Subject string
	HTML    string
}

// Job is the queued description of an email, rendered by the worker.
type Job struct {
	To       string            `json:"to"`
	Subject  string            `json:"subject"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data"`
}

// Sender delivers a rendered message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ActivationJob builds the activation email for user and token.
// activationURL, when set, gets the code appended as the token query param.
func ActivationJob(user domain.User, token domain.ActivationToken, activationURL string) Job {
	minutes := int(token.ExpiresAt.Sub(token.CreatedAt) / time.Minute)
	if minutes <= 0 {
		minutes = int(domain.ActivationTTL / time.Minute)
	}
	return Job{
		To:       user.Email,
		Subject:  SubjectActivation,
		Template: TemplateActivateAccount,
		Data: map[string]string{
			"Username":        user.FullName(),
			"ActivationCode":  token.Code,
			"ConfirmationURL": confirmationURL(activationURL, token.Code),
			"ValidMinutes":    strconv.Itoa(minutes),
		},
	}
}

// Render executes the job's template.
func Render(job Job) (Message, error) {
	if strings.TrimSpace(job.To) == "" {
		return Message{}, errors.New("mail recipient required")
	}
	tmpl := templates.Lookup(job.Template + ".html")
	if tmpl == nil {
		return Message{}, fmt.Errorf("unknown mail template %q", job.Template)
	}
	var body bytes.Buffer
	if err := tmpl.Execute(&body, job.Data); err != nil {
		return Message{}, fmt.Errorf("render %s: %w", job.Template, err)
	}
	return Message{To: job.To, Subject: job.Subject, HTML: body.String()}, nil
}

// DecodeJob parses a queued job payload.
func DecodeJob(payload []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(payload, &job); err != nil {
		return Job{}, fmt.Errorf("decode mail job: %w", err)
	}
	return job, nil
}

func confirmationURL(base, code string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", code)
	u.RawQuery = q.Encode()
	return u.String()
}
