// Package server is the HTTP front: it triggers acquisitions from the index
// page and streams the held issue to the reader.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"

	"kapub/internal/assert"
	"kapub/internal/chrono"
	"kapub/internal/issue"
	"kapub/internal/notify"
	"kapub/internal/telemetry"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var tracer = otel.Tracer("kapub/internal/server")

//go:embed assets/icon57.png
var touchIcon []byte

//go:embed assets/favicon57.png
var favicon []byte

// ServerHeader is sent with every page and document.
const ServerHeader = "KaPub/1.0"

const (
	report_server_index    = "server.index"
	report_server_transfer = "server.transfer"
	report_server_counter  = "server.counter"
)

// Cache is the serving cache, implemented by *issue.Cache.
type Cache interface {
	GetOrAcquire(ctx context.Context) (*issue.Issue, error)
	ConsumeIssue(expected *issue.Issue) (*issue.Stream, int64, error)
	Invalidate(held *issue.Issue)
	Current() *issue.Issue
}

type Options struct {
	// Title of the index page.
	Title string
	// EnforceToken rejects document requests whose "a" parameter does not
	// match the held issue's token.
	EnforceToken bool
}

type Server struct {
	cache    Cache
	notifier notify.Notifier
	options  Options

	time chrono.TimeAPI
	tel  telemetry.API

	indexRequests     metric.Int64Counter
	documentsServed   metric.Int64Counter
	transfersAborted  metric.Int64Counter
	acquisitionErrors metric.Int64Counter
}

func New(cache Cache, notifier notify.Notifier, options Options, opts ...Option) *Server {
	assert.NotNil(cache, "cache")
	assert.NotNil(notifier, "notifier")

	cfg := config{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if options.Title == "" {
		options.Title = "KaPub"
	}

	s := &Server{
		cache:    cache,
		notifier: notifier,
		options:  options,
		time:     chrono.StandardTime{},
		tel:      telemetry.SlogAPI{},
	}
	if cfg.time != nil {
		s.time = cfg.time
	}
	if cfg.tel != nil {
		s.tel = cfg.tel
	}
	s.tel = telemetry.NewScopedAPI("server", s.tel)

	meter := otel.Meter("kapub/internal/server")
	s.indexRequests = s.counter(meter, "kapub.index.requests", "Index page requests.")
	s.documentsServed = s.counter(meter, "kapub.documents.served", "Documents delivered completely.")
	s.transfersAborted = s.counter(meter, "kapub.documents.aborted", "Document transfers that did not complete.")
	s.acquisitionErrors = s.counter(meter, "kapub.acquisitions.failed", "Index requests whose acquisition failed.")

	return s
}

type config struct {
	time chrono.TimeAPI
	tel  telemetry.API
}

type Option func(cfg *config)

func WithTimeAPI(time chrono.TimeAPI) Option {
	return func(cfg *config) {
		cfg.time = time
	}
}

func WithTelemetryAPI(tel telemetry.API) Option {
	return func(cfg *config) {
		cfg.tel = tel
	}
}

func (s *Server) counter(meter metric.Meter, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		s.tel.ReportBroken(report_server_counter, err, name)
		return noop.Int64Counter{}
	}
	return counter
}

// Handler returns the routes wrapped in request logging and tracing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/icon57.png", s.serveAsset(touchIcon))
	mux.HandleFunc("/favicon.ico", s.serveAsset(favicon))
	mux.HandleFunc("/", s.route)

	return otelhttp.NewHandler(s.logRequests(mux), "kapub")
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.tel.ReportDebug("request", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	document := r.URL.Query().Get("pdf") == "true"
	if !document && r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	switch r.Method {
	case http.MethodGet:
		if document {
			s.serveDocument(w, r)
			return
		}
		s.serveIndex(w, r)
	case http.MethodHead:
		// headers only, nothing is acquired or consumed
		if document {
			s.headDocument(w, r)
			return
		}
		s.setHeaders(w, "text/html; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	default:
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	}
}

func (s *Server) setHeaders(w http.ResponseWriter, contentType string) {
	now := s.time.Now().UTC().Format(http.TimeFormat)
	header := w.Header()
	header.Set("Content-Type", contentType)
	header.Set("Server", ServerHeader)
	header.Set("Cache-Control", "max-age=0")
	header.Set("Expires", "-1")
	header.Set("Date", now)
	header.Set("Last-Modified", now)
}

func (s *Server) serveAsset(content []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.setHeaders(w, "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(content)
		}
	}
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "serveIndex")
	defer span.End()

	s.indexRequests.Add(ctx, 1)
	s.notifier.Notify(notify.RequestFrom(r, s.time.Now()))

	held, err := s.cache.GetOrAcquire(ctx)
	s.setHeaders(w, "text/html; charset=utf-8")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "acquisition failed")
		s.acquisitionErrors.Add(ctx, 1)
		s.tel.ReportWarning(report_server_index, err)

		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, errorPage(s.options.Title))
		return
	}

	span.SetAttributes(attribute.String("issue_id", held.ID))
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, indexPage(s.options.Title, documentTarget(held)))
}

// documentTarget is the relative link the index page redirects to.
func documentTarget(held *issue.Issue) string {
	return fmt.Sprintf("%s?pdf=true&a=%s", held.FileName(), held.Token)
}

func indexPage(title, target string) string {
	return fmt.Sprintf(`<html><head><title>%s</title>
<link rel="apple-touch-icon" href="/icon57.png"/>
<meta http-equiv="refresh" content="0;url=%s"></head><body>
<style>body {font-family:Arial;font-size:4em}</style>
Ausgabe wird geladen ...
</body></html>
`, html.EscapeString(title), html.EscapeString(target))
}

func errorPage(title string) string {
	return fmt.Sprintf(`<html><head><title>%s</title>
<link rel="apple-touch-icon" href="/icon57.png"/></head><body>
<style>body {font-family:Arial;font-size:4em}</style>
Es ist ein Fehler aufgetreten.
</body></html>
`, html.EscapeString(title))
}

func (s *Server) serveDocument(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "serveDocument")
	defer span.End()

	held := s.requested(r)
	if held == nil {
		http.NotFound(w, r)
		return
	}
	span.SetAttributes(attribute.String("issue_id", held.ID))

	stream, length, err := s.cache.ConsumeIssue(held)
	if err != nil {
		s.tel.ReportDebug("document not available", held.ID, err)
		http.NotFound(w, r)
		return
	}

	s.setHeaders(w, "application/pdf")
	if length > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	}
	w.WriteHeader(http.StatusOK)

	start := s.time.Now()
	n, err := stream.CopyTo(ctx, flushWriter{w: w, rc: http.NewResponseController(w)})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transfer aborted")
		s.transfersAborted.Add(ctx, 1)
		s.cache.Invalidate(held)
		s.tel.ReportWarning(report_server_transfer, err, held.ID, n)

		// the response must not look complete to the client
		panic(http.ErrAbortHandler)
	}
	stream.Close()

	s.documentsServed.Add(ctx, 1)
	s.tel.ReportDebug("document served", held.ID, n, s.time.Now().Sub(start))
}

// requested returns the held issue if the request names it, nil otherwise.
func (s *Server) requested(r *http.Request) *issue.Issue {
	held := s.cache.Current()
	if held == nil ||
		strings.TrimPrefix(r.URL.Path, "/") != held.FileName() ||
		(s.options.EnforceToken && r.URL.Query().Get("a") != held.Token) {
		return nil
	}
	return held
}

func (s *Server) headDocument(w http.ResponseWriter, r *http.Request) {
	held := s.requested(r)
	if held == nil || held.Consumed() {
		http.NotFound(w, r)
		return
	}
	s.setHeaders(w, "application/pdf")
	if held.Length > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(held.Length, 10))
	}
	w.WriteHeader(http.StatusOK)
}

// flushWriter sends every chunk to the client as soon as it is written.
type flushWriter struct {
	w  io.Writer
	rc *http.ResponseController
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if err != nil {
		return n, err
	}
	err = f.rc.Flush()
	if err != nil && !errors.Is(err, http.ErrNotSupported) {
		return n, err
	}
	return n, nil
}
