package portal

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"kapub/internal/session"
)

// Login performs the two step handshake: an anonymous request to the login
// page hands out a fresh session cookie, which is then authenticated by
// submitting the credentials with it. The credential is persisted before it is
// returned, a persistence failure is reported but does not fail the login.
func (c *Client) Login(ctx context.Context, username, password string) (session.Credential, error) {
	loginError := func(err error) error {
		return fmt.Errorf("%w: %w", ErrLogin, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	res, err := c.http.R().
		SetContext(ctx).
		Get(c.opts.LoginUrl)
	if err != nil {
		c.tel.ReportBroken(
			report_client_login,
			fmt.Errorf("session token request: %w", err),
		)
		return "", loginError(err)
	}

	cred, ok := sessionCookie(res.Header().Values("Set-Cookie"), c.opts.SessionCookie)
	if !ok {
		c.tel.ReportBroken(
			report_client_login,
			ErrNoSessionToken,
			res.StatusCode(),
		)
		return "", loginError(ErrNoSessionToken)
	}

	form := map[string]string{
		"username": username,
		"password": password,
	}
	if c.opts.LoginRedirect != "" {
		form["r"] = c.opts.LoginRedirect
	}

	res, err = c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", cred.String()).
		SetHeader("User-Agent", c.opts.UserAgent).
		SetHeader("Accept-Encoding", "deflate").
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetFormData(form).
		Post(c.opts.LoginUrl)
	if err != nil {
		c.tel.ReportBroken(
			report_client_login,
			fmt.Errorf("credentials submission: %w", err),
		)
		return "", loginError(err)
	}

	// a successful login redirects to the overview page
	if res.StatusCode() != http.StatusFound && res.StatusCode() != http.StatusOK {
		rejected := &RejectedStatusError{Code: res.StatusCode()}
		c.tel.ReportWarning(report_client_login, rejected)
		return "", loginError(rejected)
	}

	err = c.store.Save(ctx, cred)
	if err != nil {
		c.tel.ReportWarning(
			report_client_login,
			fmt.Errorf("persist credential: %w", err),
		)
	}

	return cred, nil
}

// sessionCookie finds `name=value` in the Set-Cookie headers, the value ends
// at the first attribute delimiter.
func sessionCookie(headers []string, name string) (session.Credential, bool) {
	prefix := name + "="
	for _, header := range headers {
		offset := 0
		for {
			idx := strings.Index(header[offset:], prefix)
			if idx < 0 {
				break
			}
			start := offset + idx
			offset = start + len(prefix)
			// skip cookies whose name merely ends with `name`
			if start > 0 && !strings.ContainsRune(" ;,", rune(header[start-1])) {
				continue
			}

			pair := header[start:]
			end := strings.IndexByte(pair, ';')
			if end >= 0 {
				pair = pair[:end]
			}
			cred := session.Credential(strings.TrimSpace(pair))
			if len(cred) > len(prefix) && cred.Valid() {
				return cred, true
			}
		}
	}
	return "", false
}
