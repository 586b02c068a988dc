// Package issue holds the most recently acquired document and hands its
// bytes out exactly once.
package issue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

var (
	// ErrEmpty means no issue is held.
	ErrEmpty = errors.New("no issue cached")
	// ErrAlreadyConsumed means the held issue's stream was already handed out,
	// a new issue has to be acquired.
	ErrAlreadyConsumed = errors.New("issue already consumed")
	// ErrIncomplete means a transfer stopped before the end of the document.
	ErrIncomplete = errors.New("transfer incomplete")
)

// DefaultChunkSize is the amount of bytes a Stream pulls at a time.
const DefaultChunkSize = 4096

// Issue is one acquired document. The connection behind it cannot be
// rewound, so its stream can only be opened once.
type Issue struct {
	// ID identifies the issue, it is the acquisition time in unix milliseconds.
	ID string
	// Token is the opaque value carried by the document link.
	Token     string
	CreatedAt time.Time
	// Length is the advertised size of the document, 0 if unknown.
	Length int64

	mutex  sync.Mutex
	body   io.ReadCloser
	opened bool
	closed bool
}

func New(createdAt time.Time, token string, length int64, body io.ReadCloser) *Issue {
	return &Issue{
		ID:        fmt.Sprint(createdAt.UnixMilli()),
		Token:     token,
		CreatedAt: createdAt,
		Length:    length,
		body:      body,
	}
}

// FileName is the name the document is served under.
func (i *Issue) FileName() string {
	return i.ID + ".pdf"
}

// Consumed reports whether the stream has been handed out or the issue was closed.
func (i *Issue) Consumed() bool {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.opened || i.closed
}

// Open hands out the document stream, every later call fails with
// ErrAlreadyConsumed.
func (i *Issue) Open(chunkSize int) (*Stream, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.opened || i.closed {
		return nil, ErrAlreadyConsumed
	}
	i.opened = true

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Stream{
		issue: i,
		buf:   make([]byte, chunkSize),
	}, nil
}

// Close releases the connection, an open stream fails on its next read.
func (i *Issue) Close() error {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.closed {
		return nil
	}
	i.closed = true
	return i.body.Close()
}

// Stream is a pull iterator over the document in bounded chunks.
type Stream struct {
	issue *Issue
	buf   []byte

	transferred int64
	pending     error
	err         error
}

// Next returns the next chunk, the slice is only valid until the following
// call. ctx is checked once per chunk. At the end of the document Next returns
// io.EOF; a cancelled context, a failed read or a document shorter than
// advertised return an error wrapping ErrIncomplete. Errors are sticky.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	err := ctx.Err()
	if err != nil {
		return nil, s.fail(err)
	}
	if s.pending != nil {
		return nil, s.finish(s.pending)
	}

	for {
		n, err := s.issue.body.Read(s.buf)
		if n > 0 {
			s.transferred += int64(n)
			s.pending = err
			return s.buf[:n], nil
		}
		if err != nil {
			return nil, s.finish(err)
		}
	}
}

func (s *Stream) finish(err error) error {
	if err != io.EOF {
		return s.fail(err)
	}
	length := s.issue.Length
	if length > 0 && s.transferred != length {
		return s.fail(fmt.Errorf("got %d of %d bytes", s.transferred, length))
	}
	s.err = io.EOF
	return s.err
}

func (s *Stream) fail(cause error) error {
	s.err = fmt.Errorf("%w: %w", ErrIncomplete, cause)
	return s.err
}

// Transferred is the amount of bytes handed out so far.
func (s *Stream) Transferred() int64 {
	return s.transferred
}

// CopyTo writes the whole document to w chunk by chunk. It returns nil only if
// the document was delivered completely.
func (s *Stream) CopyTo(ctx context.Context, w io.Writer) (int64, error) {
	var written int64
	for {
		chunk, err := s.Next(ctx)
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
		n, err := w.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, s.fail(err)
		}
	}
}

// Close releases the connection behind the stream.
func (s *Stream) Close() error {
	return s.issue.Close()
}
