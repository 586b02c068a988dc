package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"kapub/internal/session"
)

// Handle is an open document stream. Bytes are only transferred as the
// consumer reads them.
type Handle struct {
	// Length is the advertised content length, 0 if unknown.
	Length int64

	body   io.ReadCloser
	cancel context.CancelFunc
}

func (h *Handle) Read(p []byte) (int, error) {
	return h.body.Read(p)
}

// Close releases the underlying connection, pending and future reads fail.
func (h *Handle) Close() error {
	err := h.body.Close()
	h.cancel()
	return err
}

// Open requests link with cred attached and returns the stream once the
// response headers arrived. The stream outlives ctx: ctx only bounds the wait
// for the response, the returned Handle must be closed by the caller.
func (c *Client) Open(ctx context.Context, link *url.URL, cred session.Credential) (*Handle, error) {
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)

	res, err := c.relay.R().
		SetContext(streamCtx).
		SetDoNotParseResponse(true).
		SetHeader("Cookie", cred.String()).
		Get(link.String())
	stop()
	if err != nil {
		cancel()
		c.tel.ReportWarning(report_client_open, err, link.String())
		return nil, &RelayError{Url: link.String(), Err: err}
	}
	if ctx.Err() != nil {
		res.RawBody().Close()
		cancel()
		return nil, &RelayError{Url: link.String(), Err: ctx.Err()}
	}
	if res.StatusCode() != http.StatusOK {
		res.RawBody().Close()
		cancel()
		c.tel.ReportWarning(
			report_client_open,
			fmt.Errorf("unexpected status %d", res.StatusCode()),
			link.String(),
		)
		return nil, &RelayError{Url: link.String(), Status: res.StatusCode()}
	}

	length := contentLength(res.Header().Get("Content-Length"))
	c.tel.ReportDebug("document stream opened", link.String(), length)

	return &Handle{
		Length: length,
		body:   res.RawBody(),
		cancel: cancel,
	}, nil
}

func contentLength(header string) int64 {
	length, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil || length < 0 {
		return 0
	}
	return length
}
