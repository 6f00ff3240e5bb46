package mailer

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"os"

	"github.com/rs/zerolog/log"
)

// Template names understood by Send
const (
	TemplateInvoiceSent     = "invoice_sent"
	TemplatePaymentReceived = "payment_received"
)

// Mailer sends templated notification emails. Failures are the caller's to
// log and ignore; mail must never affect payment state.
type Mailer interface {
	Send(to, templateName string, fields map[string]string) error
}

var templates = map[string]*template.Template{
	TemplateInvoiceSent: template.Must(template.New(TemplateInvoiceSent).Parse(
		`<p>Hello {{.ClientName}},</p>
<p>{{.BusinessName}} has sent you invoice <strong>{{.InvoiceNo}}</strong> for {{.Amount}} {{.Currency}}, due {{.DueDate}}.</p>
<p><a href="{{.PayURL}}">View and pay the invoice</a></p>`)),
	TemplatePaymentReceived: template.Must(template.New(TemplatePaymentReceived).Parse(
		`<p>Hello {{.ClientName}},</p>
<p>Your payment of {{.Amount}} {{.Currency}} for invoice <strong>{{.InvoiceNo}}</strong> has been received. Thank you!</p>`)),
}

var subjects = map[string]string{
	TemplateInvoiceSent:     "Invoice %s",
	TemplatePaymentReceived: "Payment received for invoice %s",
}

type smtpMailer struct {
	host     string
	port     string
	username string
	password string
	sender   string
}

// NewSMTPMailer builds a Mailer from SMTP_* environment variables
func NewSMTPMailer() Mailer {
	m := &smtpMailer{
		host:     os.Getenv("SMTP_HOST"),
		port:     os.Getenv("SMTP_PORT"),
		username: os.Getenv("SMTP_USERNAME"),
		password: os.Getenv("SMTP_PASSWORD"),
		sender:   os.Getenv("SMTP_SENDER"),
	}
	if m.port == "" {
		m.port = "587"
	}
	if m.sender == "" {
		m.sender = "no-reply@localhost"
		log.Warn().Str("sender", m.sender).Msg("SMTP_SENDER not set, using default sender")
	}
	return m
}

func (m *smtpMailer) Send(to, templateName string, fields map[string]string) error {
	tmpl, ok := templates[templateName]
	if !ok {
		return fmt.Errorf("unknown mail template %q", templateName)
	}

	var body bytes.Buffer
	if err := tmpl.Execute(&body, fields); err != nil {
		return fmt.Errorf("render mail template %q: %w", templateName, err)
	}

	subject := fmt.Sprintf(subjects[templateName], fields["InvoiceNo"])

	var auth smtp.Auth
	if m.username != "" && m.password != "" {
		auth = smtp.PlainAuth("", m.username, m.password, m.host)
	}

	addr := m.host + ":" + m.port
	msg := []byte(
		fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n", m.sender, to, subject) +
			"MIME-Version: 1.0\r\n" +
			"Content-Type: text/html; charset=UTF-8\r\n\r\n" +
			body.String(),
	)

	if err := smtp.SendMail(addr, auth, m.sender, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s: %w", to, err)
	}
	return nil
}
