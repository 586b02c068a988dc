// Package portaltest runs an in-process imitation of the e-paper portal for
// tests: cookie sessions, form login, an overview page and a document.
package portaltest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
)

const (
	CookieName = "CMS_SESSION_ID"
	Username   = "reader"
	Password   = "hunter2"
)

type Options struct {
	// Document is served by pdf.php, defaults to a small fake pdf.
	Document []byte
	// ChunkSize is how many bytes are written (and flushed) at a time.
	ChunkSize int
	// OmitContentLength serves the document chunked.
	OmitContentLength bool
	// RejectStatus answers bad credentials, defaults to 403.
	RejectStatus int
	// Gate, if set, blocks the document transfer after the first chunk until
	// it is closed.
	Gate chan struct{}
}

// Server is the fake portal, all counters are safe to read concurrently.
type Server struct {
	*httptest.Server

	opts Options
	done chan struct{}

	mutex      sync.Mutex
	sessions   map[string]bool
	nextId     int
	hideLink   bool
	noCookie   bool
	lastHeader http.Header
	lastForm   map[string]string

	tokenRequests    atomic.Int64
	logins           atomic.Int64
	overviewRequests atomic.Int64
	documentRequests atomic.Int64
}

func NewServer(t testing.TB, opts Options) *Server {
	if opts.Document == nil {
		opts.Document = []byte("%PDF-1.4\n% fake issue\n%%EOF\n")
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1024
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusForbidden
	}

	s := &Server{
		opts:     opts,
		done:     make(chan struct{}),
		sessions: map[string]bool{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/epaper/login.php", s.handleLogin)
	mux.HandleFunc("/epaper/overview.php", s.handleOverview)
	mux.HandleFunc("/epaper/pdf.php", s.handleDocument)
	s.Server = httptest.NewServer(mux)

	t.Cleanup(s.Close)
	t.Cleanup(func() { close(s.done) })
	return s
}

func (s *Server) LoginUrl() string    { return s.URL + "/epaper/login.php" }
func (s *Server) OverviewUrl() string { return s.URL + "/epaper/overview.php" }
func (s *Server) LinkHost() string    { return s.URL + "/epaper" }

// DocumentPath is the path (with query) the overview page links to.
func (s *Server) DocumentPath() string { return "/epaper/pdf.php?ausgabe=2012-01-14&datei=gesamt.pdf" }

func (s *Server) TokenRequests() int64    { return s.tokenRequests.Load() }
func (s *Server) Logins() int64           { return s.logins.Load() }
func (s *Server) OverviewRequests() int64 { return s.overviewRequests.Load() }
func (s *Server) DocumentRequests() int64 { return s.documentRequests.Load() }

// ExpireSessions forgets every session, like the portal does overnight.
func (s *Server) ExpireSessions() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sessions = map[string]bool{}
}

// HideLink makes the overview page render without the document link.
func (s *Server) HideLink(hide bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.hideLink = hide
}

// WithholdCookie makes the login page stop handing out session cookies.
func (s *Server) WithholdCookie(withhold bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.noCookie = withhold
}

// LastLogin returns the headers and form of the last credential submission.
func (s *Server) LastLogin() (http.Header, map[string]string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastHeader, s.lastForm
}

// AuthenticatedSession reports whether cookie names a logged in session.
func (s *Server) AuthenticatedSession(id string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sessions[id]
}

func (s *Server) session(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return "", false
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	authenticated, ok := s.sessions[cookie.Value]
	return cookie.Value, ok && authenticated
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.tokenRequests.Add(1)

		s.mutex.Lock()
		s.nextId++
		id := fmt.Sprintf("sess%04d", s.nextId)
		s.sessions[id] = false
		noCookie := s.noCookie
		s.mutex.Unlock()

		if !noCookie {
			w.Header().Add("Set-Cookie", "lang=de; path=/")
			w.Header().Add("Set-Cookie", fmt.Sprintf("%s=%s; path=/; HttpOnly", CookieName, id))
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><form method="post" action="login.php"><input name="username"/><input type="password" name="password"/></form></body></html>`)
	case http.MethodPost:
		s.logins.Add(1)

		err := r.ParseForm()
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		form := map[string]string{}
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}

		cookie, cookieErr := r.Cookie(CookieName)

		s.mutex.Lock()
		s.lastHeader = r.Header.Clone()
		s.lastForm = form
		known := false
		if cookieErr == nil {
			_, known = s.sessions[cookie.Value]
		}
		valid := known && form["username"] == Username && form["password"] == Password
		if valid {
			s.sessions[cookie.Value] = true
		}
		s.mutex.Unlock()

		if !valid {
			w.WriteHeader(s.opts.RejectStatus)
			return
		}
		w.Header().Set("Location", "overview.php")
		w.WriteHeader(http.StatusFound)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	s.overviewRequests.Add(1)

	_, ok := s.session(r)
	if !ok {
		w.Header().Set("Location", "login.php")
		w.WriteHeader(http.StatusFound)
		return
	}

	s.mutex.Lock()
	hideLink := s.hideLink
	s.mutex.Unlock()

	w.Header().Set("Content-Type", "text/html")
	fmt.Fprint(w, `<html><body><div class="issue"><a href="nav.php?ausgabe=2012-01-14">Blättern</a>`)
	if !hideLink {
		fmt.Fprint(w, `<a href="pdf.php?ausgabe=2012-01-14&amp;datei=gesamt.pdf" target="_blank">PDF</a>`)
	}
	fmt.Fprint(w, `</div></body></html>`)
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	s.documentRequests.Add(1)

	_, ok := s.session(r)
	if !ok {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	if !s.opts.OmitContentLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(s.opts.Document)))
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	doc := s.opts.Document
	for offset := 0; offset < len(doc); offset += s.opts.ChunkSize {
		end := min(offset+s.opts.ChunkSize, len(doc))
		_, err := w.Write(doc[offset:end])
		if err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}

		if offset == 0 && s.opts.Gate != nil {
			select {
			case <-s.opts.Gate:
			case <-s.done:
				return
			case <-r.Context().Done():
				return
			}
		}
	}
}
