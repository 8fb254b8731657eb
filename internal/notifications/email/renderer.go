package email

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"funnelmetrics/internal/types"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// noticeKinds lists every kind with a template pair under templates/.
var noticeKinds = []types.NoticeKind{
	types.NoticePaymentFailed,
	types.NoticeSubscriptionConfirmed,
	types.NoticeSuspiciousLogin,
	types.NoticePasswordReset,
	types.NoticeWelcome,
}

var subjects = map[types.NoticeKind]string{
	types.NoticePaymentFailed:         "Your FunnelMetrics payment failed",
	types.NoticeSubscriptionConfirmed: "Your FunnelMetrics subscription is active",
	types.NoticeSuspiciousLogin:       "New sign-in to your FunnelMetrics account",
	types.NoticePasswordReset:         "Reset your FunnelMetrics password",
	types.NoticeWelcome:               "Welcome to FunnelMetrics",
}

// zeroDecimal lists currencies Stripe bills in whole units.
var zeroDecimal = map[string]bool{"JPY": true, "KRW": true, "VND": true, "CLP": true}

const displayTime = "Jan 2, 2006 at 15:04 MST"

type templateData struct {
	Subject    string
	Name       string
	AccountURL string

	PlanName     string
	PeriodEnd    string
	Amount       string
	AttemptCount string
	InvoiceURL   string

	IPAddress  string
	UserAgent  string
	Location   string
	OccurredAt string

	ActionURL string
	ExpiresIn string
}

// RendererConfig holds the sender identity and links shared by all notices.
type RendererConfig struct {
	FromAddress string
	FromName    string
	AccountURL  string
}

// Renderer turns notices into ready-to-send messages using the embedded
// templates.
type Renderer struct {
	html map[types.NoticeKind]*template.Template
	text map[types.NoticeKind]*texttemplate.Template
	from types.SenderIdentity
	acct string
}

// NewRenderer parses every embedded template. A missing or malformed
// template is a startup error.
func NewRenderer(cfg RendererConfig) (*Renderer, error) {
	r := &Renderer{
		html: make(map[types.NoticeKind]*template.Template, len(noticeKinds)),
		text: make(map[types.NoticeKind]*texttemplate.Template, len(noticeKinds)),
		from: types.SenderIdentity{Name: cfg.FromName, Address: cfg.FromAddress},
		acct: cfg.AccountURL,
	}

	for _, kind := range noticeKinds {
		name := string(kind)

		htmlTmpl, err := template.ParseFS(templateFS, "templates/base.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.html: %w", name, err)
		}
		r.html[kind] = htmlTmpl

		txtTmpl, err := texttemplate.ParseFS(templateFS, "templates/"+name+".txt")
		if err != nil {
			return nil, fmt.Errorf("renderer: failed to parse %s.txt: %w", name, err)
		}
		r.text[kind] = txtTmpl
	}
	return r, nil
}

// Render produces the message for one notice.
func (r *Renderer) Render(n types.Notice) (types.SendInput, error) {
	htmlTmpl, ok := r.html[n.Kind]
	if !ok {
		return types.SendInput{}, types.NewAppError(types.ErrCodeValidationMissingField, fmt.Sprintf("no template for notice kind %q", n.Kind), nil)
	}
	if n.Email == "" {
		return types.SendInput{}, types.NewAppError(types.ErrCodeValidationMissingField, "notice has no recipient", nil)
	}

	data := r.buildData(n)

	var htmlBuf, txtBuf bytes.Buffer
	if err := htmlTmpl.ExecuteTemplate(&htmlBuf, "base.html", data); err != nil {
		return types.SendInput{}, fmt.Errorf("renderer: failed to render HTML for %q: %w", n.Kind, err)
	}
	if err := r.text[n.Kind].Execute(&txtBuf, data); err != nil {
		return types.SendInput{}, fmt.Errorf("renderer: failed to render text for %q: %w", n.Kind, err)
	}

	return types.SendInput{
		To:          n.Email,
		From:        r.from,
		Subject:     data.Subject,
		BodyHTML:    htmlBuf.String(),
		BodyText:    txtBuf.String(),
		ReferenceID: n.NoticeID,
		Kind:        n.Kind,
	}, nil
}

func (r *Renderer) buildData(n types.Notice) templateData {
	p := n.Payload
	data := templateData{
		Subject:    subjects[n.Kind],
		Name:       p["name"],
		AccountURL: r.acct,
		InvoiceURL: p["hosted_invoice_url"],
		IPAddress:  p["ip_address"],
		UserAgent:  p["user_agent"],
		Location:   p["location"],
		PeriodEnd:  formatTimestamp(p["current_period_end"]),
		OccurredAt: formatTimestamp(p["occurred_at"]),
		ActionURL:  p["action_url"],
	}
	data.ExpiresIn = formatMinutes(p["expires_in_minutes"])
	if tier := p["plan_tier"]; tier != "" {
		// Casers are stateful; one per call keeps Render safe for concurrent use.
		data.PlanName = cases.Title(language.English).String(tier)
	}
	if count := p["attempt_count"]; count != "" && count != "0" {
		data.AttemptCount = count
	}
	data.Amount = formatAmount(p["amount_due"], p["currency"])
	return data
}

// formatAmount renders minor units as "USD 29.00". Unparseable input is
// returned as-is so the email still says something.
func formatAmount(minor, currency string) string {
	cur := strings.ToUpper(currency)
	v, err := strconv.ParseInt(minor, 10, 64)
	if err != nil {
		return strings.TrimSpace(cur + " " + minor)
	}
	if zeroDecimal[cur] {
		return fmt.Sprintf("%s %d", cur, v)
	}
	return strings.TrimSpace(fmt.Sprintf("%s %d.%02d", cur, v/100, abs(v%100)))
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// formatMinutes renders "60" as "1 hour" and "90" as "90 minutes".
func formatMinutes(raw string) string {
	m, err := strconv.Atoi(raw)
	switch {
	case err != nil || m <= 0:
		return ""
	case m == 60:
		return "1 hour"
	case m%60 == 0:
		return strconv.Itoa(m/60) + " hours"
	case m == 1:
		return "1 minute"
	default:
		return strconv.Itoa(m) + " minutes"
	}
}

func formatTimestamp(raw string) string {
	if raw == "" {
		return ""
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return raw
	}
	return t.UTC().Format(displayTime)
}
