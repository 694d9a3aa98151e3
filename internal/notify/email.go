package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// EmailMessage is the provider-neutral transactional email.
type EmailMessage struct {
	From    string            `json:"from"`
	To      []string          `json:"to"`
	Subject string            `json:"subject"`
	Text    string            `json:"text"`
	HTML    string            `json:"html,omitempty"`
	ReplyTo string            `json:"reply_to,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Tags    []EmailTag        `json:"tags,omitempty"`
}

// EmailTag is a provider-side label used for filtering delivery logs.
type EmailTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// EmailClient posts messages to a transactional email provider's JSON API
// (POST {baseURL}/emails with a bearer API key; the response carries the
// provider message id).
type EmailClient struct {
	baseURL    string
	apiKey     string
	from       string
	httpClient *http.Client
}

// NewEmailClient creates a client. httpClient may be nil.
func NewEmailClient(baseURL, apiKey, from string, httpClient *http.Client) *EmailClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &EmailClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		from:       from,
		httpClient: httpClient,
	}
}

// ErrNoRecipient is returned when an email has no recipient configured.
var ErrNoRecipient = errors.New("notify: email has no recipient")

// Send delivers msg and returns the provider message id.
func (c *EmailClient) Send(ctx context.Context, msg EmailMessage) (string, error) {
	if len(msg.To) == 0 {
		return "", ErrNoRecipient
	}
	if msg.From == "" {
		msg.From = c.from
	}
	if msg.HTML == "" && msg.Text != "" {
		msg.HTML = renderHTML(msg.Text)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("notify: marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("notify: build email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("notify: send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("notify: email provider status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("notify: decode email response: %w", err)
	}
	return out.ID, nil
}

// PastorEmail sends crisis and abuse alerts to the pastor on call.
type PastorEmail struct {
	client       *EmailClient
	to           string
	adminBaseURL string
}

// NewPastorEmail creates the pastor alert dispatcher.
func NewPastorEmail(client *EmailClient, to, adminBaseURL string) *PastorEmail {
	return &PastorEmail{client: client, to: to, adminBaseURL: strings.TrimRight(adminBaseURL, "/")}
}

func (p *PastorEmail) Channel() Channel { return ChannelPastorEmail }

// Dispatch emails the pastor a summary of the job.
func (p *PastorEmail) Dispatch(ctx context.Context, job Job) (Ack, error) {
	if p.to == "" {
		return Ack{}, ErrNoRecipient
	}
	id, err := p.client.Send(ctx, BuildPastorAlert(job, p.to, p.adminBaseURL))
	if err != nil {
		return Ack{}, err
	}
	return Ack{Channel: ChannelPastorEmail, Ref: id}, nil
}

// ReportEmail sends the high-priority notice that a mandatory report was
// submitted.
type ReportEmail struct {
	client       *EmailClient
	to           string
	adminBaseURL string
}

// NewReportEmail creates the mandatory-report email dispatcher.
func NewReportEmail(client *EmailClient, to, adminBaseURL string) *ReportEmail {
	return &ReportEmail{client: client, to: to, adminBaseURL: strings.TrimRight(adminBaseURL, "/")}
}

func (r *ReportEmail) Channel() Channel { return ChannelReportEmail }

// Dispatch emails the report notice.
func (r *ReportEmail) Dispatch(ctx context.Context, job Job) (Ack, error) {
	if r.to == "" {
		return Ack{}, ErrNoRecipient
	}
	id, err := r.client.Send(ctx, BuildReportNotice(job, r.to, r.adminBaseURL))
	if err != nil {
		return Ack{}, err
	}
	return Ack{Channel: ChannelReportEmail, Ref: id}, nil
}

// AdminLink returns the admin UI URL of a record that exists for the job:
// the mandatory report for report jobs, the moderated item for stored
// content, and otherwise the subject's cooldown page, which lists its
// alert-log entries.
func AdminLink(adminBaseURL string, job Job) string {
	switch {
	case job.SessionID != "" && (job.Channel == ChannelReportEmail || job.Channel == ChannelMandatoryReport):
		return adminBaseURL + "/admin/reports/" + url.PathEscape(job.SessionID)
	case job.ContentID != "":
		return adminBaseURL + "/admin/queue/" + url.PathEscape(job.ContentID)
	case job.SubjectID != "":
		return adminBaseURL + "/admin/cooldowns/" + url.PathEscape(job.SubjectID)
	}
	return adminBaseURL + "/admin/queue?filter=crisis"
}

// BuildPastorAlert renders the pastor alert email for a job.
func BuildPastorAlert(job Job, to, adminBaseURL string) EmailMessage {
	cats := job.Categories.Categories()
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "A submission matched safety signals that may need pastoral follow-up.\n\n")
	fmt.Fprintf(&b, "Signals:\n\n")
	for _, c := range cats {
		fmt.Fprintf(&b, "- %s (matched: %s)\n", c, strings.Join(job.Categories[c], ", "))
	}
	fmt.Fprintf(&b, "\nExcerpt:\n\n> %s\n\n", job.Excerpt)
	writeContact(&b, job.Contact)
	fmt.Fprintf(&b, "- Record: %s\n", job.RecordID())
	fmt.Fprintf(&b, "- Open in admin: %s\n", AdminLink(adminBaseURL, job))
	fmt.Fprintf(&b, "- Detected at: %s\n", job.CreatedAt.UTC().Format(time.RFC3339))

	return EmailMessage{
		To:      []string{to},
		Subject: fmt.Sprintf("[Safety alert] %s", strings.Join(names, ", ")),
		Text:    b.String(),
		ReplyTo: job.Contact.Email,
		Tags: []EmailTag{
			{Name: "kind", Value: "safety_alert"},
			{Name: "record", Value: job.RecordID()},
		},
	}
}

// BuildReportNotice renders the high-priority mandatory-report email.
func BuildReportNotice(job Job, to, adminBaseURL string) EmailMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "A mandatory-report disclosure was recorded for conversation %s.\n\n", job.SessionID)
	if job.Contact.Empty() {
		fmt.Fprintf(&b, "The person chose not to share contact details. The conversation record remains available.\n\n")
	} else {
		writeContact(&b, job.Contact)
	}
	fmt.Fprintf(&b, "- Open in admin: %s\n", AdminLink(adminBaseURL, job))
	fmt.Fprintf(&b, "- Reported at: %s\n", job.CreatedAt.UTC().Format(time.RFC3339))

	return EmailMessage{
		To:      []string{to},
		Subject: "[URGENT] Mandatory report submitted",
		Text:    b.String(),
		ReplyTo: job.Contact.Email,
		Headers: map[string]string{
			"X-Priority": "1",
			"Importance": "high",
		},
		Tags: []EmailTag{
			{Name: "kind", Value: "mandatory_report"},
			{Name: "record", Value: job.SessionID},
		},
	}
}

func writeContact(b *strings.Builder, c Contact) {
	if c.Empty() {
		fmt.Fprintf(b, "Contact: not provided\n\n")
		return
	}
	fmt.Fprintf(b, "Contact:\n\n")
	for _, f := range []struct{ label, value string }{
		{"Name", c.Name},
		{"Age", c.Age},
		{"Email", c.Email},
		{"Phone", c.Phone},
		{"Address", c.Address},
	} {
		if f.value != "" {
			fmt.Fprintf(b, "- %s: %s\n", f.label, f.value)
		}
	}
	b.WriteString("\n")
}

// renderHTML converts the Markdown text body to HTML. Raw HTML in the
// source, including anything in a subject's excerpt, is not passed through.
func renderHTML(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "<pre>" + html.EscapeString(md) + "</pre>"
	}
	return buf.String()
}
