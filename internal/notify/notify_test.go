package notify

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"kapub/internal/telemetry"

	"github.com/jordan-wright/email"
	"github.com/stretchr/testify/require"
)

var testConfig = SmtpConfig{
	Server:       "mail.example.com",
	EmailAddress: "kapub@example.com",
	Recipient:    "owner@example.com",
}

func TestNewWithoutConfigIsNop(t *testing.T) {
	require.IsType(t, Nop{}, New(SmtpConfig{}, &telemetry.Recorder{}))
	require.IsType(t, Nop{}, New(SmtpConfig{Server: "mail.example.com"}, &telemetry.Recorder{}))
	require.IsType(t, &Mailer{}, New(testConfig, &telemetry.Recorder{}))
}

func TestMailerDefaults(t *testing.T) {
	m := NewMailer(testConfig, &telemetry.Recorder{})
	require.Equal(t, 587, m.config.Port)
	require.Equal(t, "kapub@example.com", m.config.Username)
}

func TestMailerSendsRequestDetails(t *testing.T) {
	m := NewMailer(testConfig, &telemetry.Recorder{})

	var mutex sync.Mutex
	var sent []*email.Email
	m.send = func(mail *email.Email) error {
		mutex.Lock()
		defer mutex.Unlock()
		sent = append(sent, mail)
		return nil
	}

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.7:51234"
	r.Header.Set("User-Agent", "Kindle/3.0+")
	m.Notify(RequestFrom(r, time.Date(2012, 1, 14, 6, 30, 0, 0, time.UTC)))
	m.Wait()

	require.Len(t, sent, 1)
	mail := sent[0]
	require.Equal(t, "KaPub Request", mail.Subject)
	require.Equal(t, []string{"owner@example.com"}, mail.To)
	require.Equal(t, "KaPub <kapub@example.com>", mail.From)

	text := string(mail.Text)
	require.True(t, strings.HasPrefix(text, "GET / HTTP/1.1\n"), text)
	require.Contains(t, text, "User-Agent: Kindle/3.0+\n")
	require.Contains(t, text, "From: 192.0.2.7:51234\n")
	require.Contains(t, text, "At: Sat, 14 Jan 2012 06:30:00 UTC\n")
}

func TestMailerReportsFailures(t *testing.T) {
	tel := &telemetry.Recorder{}
	m := NewMailer(testConfig, tel)
	m.send = func(*email.Email) error {
		return errors.New("connection refused")
	}

	m.Notify(Request{RemoteAddr: "192.0.2.7:51234", Header: map[string][]string{}})
	m.Wait()

	warnings := tel.Reports("warning")
	require.Len(t, warnings, 1)
	require.Equal(t, "notify:mailer.send", warnings[0].Id)
}

func TestNotifyDoesNotBlock(t *testing.T) {
	m := NewMailer(testConfig, &telemetry.Recorder{})
	release := make(chan struct{})
	m.send = func(*email.Email) error {
		<-release
		return nil
	}

	done := make(chan struct{})
	go func() {
		m.Notify(Request{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on delivery")
	}
	close(release)
	m.Wait()
}
