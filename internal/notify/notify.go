// Package notify tells the operator about incoming index requests by e-mail.
package notify

import (
	"fmt"
	"net/http"
	"net/smtp"
	"sort"
	"strings"
	"sync"
	"time"

	"kapub/internal/assert"
	"kapub/internal/telemetry"

	"github.com/jordan-wright/email"
)

const report_mailer_send = "mailer.send"

// Request describes an incoming request worth a notification.
type Request struct {
	Method     string
	Url        string
	Proto      string
	RemoteAddr string
	Header     http.Header
	Time       time.Time
}

func RequestFrom(r *http.Request, now time.Time) Request {
	return Request{
		Method:     r.Method,
		Url:        r.URL.String(),
		Proto:      r.Proto,
		RemoteAddr: r.RemoteAddr,
		Header:     r.Header.Clone(),
		Time:       now,
	}
}

// Notifier must never block the caller.
type Notifier interface {
	Notify(req Request)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Notify(Request) {}

type SmtpConfig struct {
	Server       string `json:"server"`
	Port         int    `json:"port"`
	EmailAddress string `json:"email_address"`
	// Username defaults to EmailAddress.
	Username  string `json:"username"`
	Password  string `json:"password"`
	Recipient string `json:"recipient"`
}

func (c SmtpConfig) Enabled() bool {
	return c.Server != "" && c.EmailAddress != "" && c.Recipient != ""
}

// New returns a Mailer for an enabled config and Nop otherwise.
func New(config SmtpConfig, tel telemetry.API) Notifier {
	if !config.Enabled() {
		return Nop{}
	}
	return NewMailer(config, tel)
}

// Mailer sends one e-mail per notification in the background.
type Mailer struct {
	config SmtpConfig
	tel    telemetry.API
	send   func(mail *email.Email) error

	wg sync.WaitGroup
}

func NewMailer(config SmtpConfig, tel telemetry.API) *Mailer {
	assert.NotEmptyStr(config.Server, "config.Server")
	assert.NotEmptyStr(config.Recipient, "config.Recipient")
	assert.NotNil(tel, "tel")

	if config.Port == 0 {
		config.Port = 587
	}
	if config.Username == "" {
		config.Username = config.EmailAddress
	}

	m := &Mailer{
		config: config,
		tel:    telemetry.NewScopedAPI("notify", tel),
	}
	m.send = m.sendSmtp
	return m
}

func (m *Mailer) Notify(req Request) {
	mail := m.compose(req)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		err := m.send(mail)
		if err != nil {
			m.tel.ReportWarning(report_mailer_send, err, req.RemoteAddr)
			return
		}
		m.tel.ReportDebug("notification sent", req.RemoteAddr)
	}()
}

// Wait blocks until every pending notification has been handed to the server.
func (m *Mailer) Wait() {
	m.wg.Wait()
}

func (m *Mailer) compose(req Request) *email.Email {
	var body strings.Builder
	fmt.Fprintf(&body, "%s %s %s\n", req.Method, req.Url, req.Proto)

	keys := make([]string, 0, len(req.Header))
	for key := range req.Header {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range req.Header[key] {
			fmt.Fprintf(&body, "%s: %s\n", key, value)
		}
	}
	fmt.Fprintf(&body, "\nFrom: %s\n", req.RemoteAddr)
	fmt.Fprintf(&body, "At: %s\n", req.Time.Format(time.RFC1123))

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("KaPub <%s>", m.config.EmailAddress)
	mail.To = []string{m.config.Recipient}
	mail.Subject = "KaPub Request"
	mail.Text = []byte(body.String())
	return mail
}

func (m *Mailer) sendSmtp(mail *email.Email) error {
	addr := fmt.Sprintf("%s:%d", m.config.Server, m.config.Port)
	err := mail.Send(
		addr,
		smtp.PlainAuth("", m.config.Username, m.config.Password, m.config.Server),
	)
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = mail.Send(addr, nil)
	}
	return err
}
