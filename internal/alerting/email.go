package alerting

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/jordan-wright/email"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// EmailOptions describe the SMTP relay and recipients.
type EmailOptions struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
}

// ChartFunc renders a PNG trend chart for an event. A nil image skips the
// attachment.
type ChartFunc func(ctx context.Context, eventID string, threshold decimal.Decimal) ([]byte, error)

type sendFunc func(mail *email.Email, addr string, auth smtp.Auth) error

// EmailNotifier sends HTML alert and summary emails over SMTP.
type EmailNotifier struct {
	opts   EmailOptions
	chart  ChartFunc
	send   sendFunc
	now    func() time.Time
	logger zerolog.Logger
}

// NewEmailNotifier constructs an email notifier. chart may be nil.
func NewEmailNotifier(opts EmailOptions, chart ChartFunc, logger zerolog.Logger) *EmailNotifier {
	if opts.Port <= 0 {
		opts.Port = 587
	}
	return &EmailNotifier{
		opts:   opts,
		chart:  chart,
		send:   func(mail *email.Email, addr string, auth smtp.Auth) error { return mail.Send(addr, auth) },
		now:    time.Now,
		logger: logger.With().Str("component", "alert_email").Logger(),
	}
}

// Name implements Named.
func (n *EmailNotifier) Name() string { return "email" }

// Recipients lists the configured addresses.
func (n *EmailNotifier) Recipients() string { return strings.Join(n.opts.To, ",") }

// Notify emails a price alert with a trend chart when one can be rendered.
func (n *EmailNotifier) Notify(ctx context.Context, note Notification) error {
	mail := n.newMail(note.Subject())
	mail.Text = []byte(renderMessage(note))

	view := alertView{Notification: note, Timestamp: n.now().Format("January 2, 2006 at 3:04 PM")}
	if png := n.renderChart(ctx, note.EventID, note.Threshold); png != nil {
		view.ChartCID = "trend-" + safeName(note.EventID) + ".png"
		if err := attachInline(mail, view.ChartCID, png); err != nil {
			n.logger.Warn().Err(err).Msg("chart attachment failed")
			view.ChartCID = ""
		}
	}

	html, err := renderTemplate(alertTemplate, view)
	if err != nil {
		return err
	}
	mail.HTML = html

	if err := n.deliver(mail); err != nil {
		return err
	}
	n.logger.Info().Str("event_id", note.EventID).Str("to", n.Recipients()).Msg("alert sent (email)")
	return nil
}

// SummaryEvent is one row of the daily summary.
type SummaryEvent struct {
	EventID        string
	Name           string
	Venue          string
	EventDate      *time.Time
	URL            string
	CurrentPrice   decimal.NullDecimal
	Threshold      decimal.Decimal
	BelowThreshold bool
	ChartCID       string
}

// Summary is the daily digest.
type Summary struct {
	Date   time.Time
	Events []SummaryEvent
}

// BelowThreshold counts events priced at or under their threshold.
func (s Summary) BelowThreshold() int {
	n := 0
	for _, ev := range s.Events {
		if ev.BelowThreshold {
			n++
		}
	}
	return n
}

// SendSummary emails the daily digest with one chart per priced event.
func (n *EmailNotifier) SendSummary(ctx context.Context, summary Summary) error {
	if summary.Date.IsZero() {
		summary.Date = n.now()
	}
	subject := fmt.Sprintf("Daily ticket price summary: %s (%d of %d at or below threshold)",
		summary.Date.Format("Jan 2, 2006"), summary.BelowThreshold(), len(summary.Events))
	mail := n.newMail(subject)

	var text strings.Builder
	for i := range summary.Events {
		ev := &summary.Events[i]
		price := "no price yet"
		if ev.CurrentPrice.Valid {
			price = "$" + ev.CurrentPrice.Decimal.StringFixed(2)
			if png := n.renderChart(ctx, ev.EventID, ev.Threshold); png != nil {
				cid := "trend-" + safeName(ev.EventID) + ".png"
				if err := attachInline(mail, cid, png); err == nil {
					ev.ChartCID = cid
				}
			}
		}
		fmt.Fprintf(&text, "%s: %s (threshold $%s)\n", ev.Name, price, ev.Threshold.StringFixed(2))
	}
	mail.Text = []byte(text.String())

	html, err := renderTemplate(summaryTemplate, summary)
	if err != nil {
		return err
	}
	mail.HTML = html

	if err := n.deliver(mail); err != nil {
		return err
	}
	n.logger.Info().Int("events", len(summary.Events)).Str("to", n.Recipients()).Msg("daily summary sent")
	return nil
}

func (n *EmailNotifier) newMail(subject string) *email.Email {
	mail := email.NewEmail()
	mail.From = fmt.Sprintf("TixScanner <%s>", n.opts.From)
	mail.To = append([]string(nil), n.opts.To...)
	mail.Subject = subject
	return mail
}

func (n *EmailNotifier) deliver(mail *email.Email) error {
	if len(mail.To) == 0 {
		return fmt.Errorf("email: no recipients configured")
	}
	addr := n.opts.Host + ":" + strconv.Itoa(n.opts.Port)

	var auth smtp.Auth
	if n.opts.Username != "" {
		auth = smtp.PlainAuth("", n.opts.Username, n.opts.Password, n.opts.Host)
	}
	err := n.send(mail, addr, auth)
	if err != nil && auth != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = n.send(mail, addr, nil)
	}
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	return nil
}

func (n *EmailNotifier) renderChart(ctx context.Context, eventID string, threshold decimal.Decimal) []byte {
	if n.chart == nil || eventID == "" {
		return nil
	}
	png, err := n.chart(ctx, eventID, threshold)
	if err != nil {
		n.logger.Debug().Err(err).Str("event_id", eventID).Msg("no trend chart")
		return nil
	}
	return png
}

func attachInline(mail *email.Email, cid string, png []byte) error {
	a, err := mail.Attach(bytes.NewReader(png), cid, "image/png")
	if err != nil {
		return err
	}
	a.HTMLRelated = true
	return nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, s)
}

type alertView struct {
	Notification
	Timestamp string
	ChartCID  string
}

var funcs = template.FuncMap{
	"money": func(d decimal.Decimal) string { return "$" + d.StringFixed(2) },
	"date": func(t *time.Time) string {
		if t == nil {
			return "TBA"
		}
		return t.Format("January 2, 2006")
	},
}

var alertTemplate = template.Must(template.New("alert").Funcs(funcs).Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #2c3e50;">
<h2>Price alert: {{if .EventName}}{{.EventName}}{{else}}{{.EventID}}{{end}}</h2>
<p>{{if .Venue}}{{.Venue}}{{else}}Venue TBA{{end}} &middot; {{date .EventDate}}</p>
<table cellpadding="6">
{{if .Section}}<tr><td>Section</td><td><strong>{{.Section}}</strong></td></tr>{{end}}
<tr><td>Current price</td><td><strong>{{money .CurrentPrice}}</strong></td></tr>
{{if .PreviousPrice.Valid}}<tr><td>Previous price</td><td>{{money .PreviousPrice.Decimal}}{{if .ChangePct.Valid}} ({{.ChangePct.Decimal.StringFixed 2}}%){{end}}</td></tr>{{end}}
{{if .Threshold.IsPositive}}<tr><td>Your threshold</td><td>{{money .Threshold}}</td></tr>{{end}}
</table>
{{if .ChartCID}}<p><img src="cid:{{.ChartCID}}" alt="7 day price trend" width="640"></p>{{end}}
<p><a href="{{.PurchaseURL}}">View tickets</a></p>
<p style="color: #7f8c8d; font-size: 12px;">Checked {{.Timestamp}}</p>
</body></html>`))

var summaryTemplate = template.Must(template.New("summary").Funcs(funcs).Parse(`<!DOCTYPE html>
<html><body style="font-family: Arial, sans-serif; color: #2c3e50;">
<h2>Daily price summary for {{.Date.Format "January 2, 2006"}}</h2>
<p>{{len .Events}} events tracked, {{.BelowThreshold}} at or below threshold.</p>
{{range .Events}}
<div style="border-top: 1px solid #ecf0f1; padding: 8px 0;">
<h3><a href="{{.URL}}">{{.Name}}</a></h3>
<p>{{if .Venue}}{{.Venue}}{{else}}Venue TBA{{end}} &middot; {{date .EventDate}}</p>
<p>{{if .CurrentPrice.Valid}}Now <strong>{{money .CurrentPrice.Decimal}}</strong>{{else}}No price recorded yet{{end}}
 &middot; threshold {{money .Threshold}}{{if .BelowThreshold}} <strong style="color: #27ae60;">below threshold</strong>{{end}}</p>
{{if .ChartCID}}<img src="cid:{{.ChartCID}}" alt="price trend" width="480">{{end}}
</div>
{{end}}
</body></html>`))

func renderTemplate(t *template.Template, data any) ([]byte, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("render %s email: %w", t.Name(), err)
	}
	return buf.Bytes(), nil
}

var _ Notifier = (*EmailNotifier)(nil)
