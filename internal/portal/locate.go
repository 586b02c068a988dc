package portal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"kapub/internal/portal/linkparser"
	"kapub/internal/session"
)

// Locate fetches the overview page with cred and returns the absolute url of
// the current document. Every failure to get the page, including the redirect
// the portal answers with once a session expired, is reported as
// ErrUnreachable so the caller can try a fresh login.
func (c *Client) Locate(ctx context.Context, cred session.Credential) (*url.URL, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	res, err := c.http.R().
		SetContext(ctx).
		SetHeader("Cookie", cred.String()).
		Get(c.opts.OverviewUrl)
	if err != nil {
		c.tel.ReportWarning(
			report_client_locate,
			fmt.Errorf("fetch: %w", err),
		)
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	if res.StatusCode() != http.StatusOK {
		c.tel.ReportWarning(
			report_client_locate,
			fmt.Errorf("fetch: unexpected status %d", res.StatusCode()),
			res.Header().Get("Location"),
		)
		return nil, fmt.Errorf("%w: status %d", ErrUnreachable, res.StatusCode())
	}

	href, err := c.parser.Parse(res.Body())
	if err != nil {
		c.tel.ReportWarning(
			report_client_locate,
			fmt.Errorf("parse: %w", err),
			c.opts.OverviewUrl,
		)
		return nil, fmt.Errorf("%w: %w", ErrMarkerNotFound, err)
	}

	link, err := linkparser.Resolve(c.opts.LinkHost, href)
	if err != nil {
		c.tel.ReportBroken(
			report_client_locate,
			fmt.Errorf("resolve: %w", err),
			href,
		)
		return nil, fmt.Errorf("%w: %w", ErrMarkerNotFound, err)
	}

	return link, nil
}
