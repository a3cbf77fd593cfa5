package vici

import (
	"crypto/rand"
	"io"
	"log"
	"os"

	"github.com/oklog/ulid/v2"
)

// logger is a thin wrapper around the standard library logger, matching
// the teacher's plain log.New(os.Stderr, prefix, log.LstdFlags) style.
// Calls never block the multiplexer on anything beyond the underlying
// io.Writer's own Write; a logger writing to a slow or full pipe is the
// caller's problem, not this package's.
type logger struct {
	*log.Logger
}

// NewLogger builds a logger in front of w with the package's conventional
// prefix.
func NewLogger(w io.Writer) *logger {
	return &logger{log.New(w, "[vici] ", log.LstdFlags|log.Lmicroseconds)}
}

// DefaultLogger writes to stderr, matching the teacher's server component.
func DefaultLogger() *logger {
	return NewLogger(os.Stderr)
}

func discardLogger() *logger {
	return NewLogger(io.Discard)
}

// exchangeID returns a lexically sortable, roughly time-ordered id for
// tagging one request/response exchange across log lines, the way a
// request id threads through a web server's access log.
func exchangeID() string {
	return ulid.MustNew(ulid.Now(), rand.Reader).String()
}
