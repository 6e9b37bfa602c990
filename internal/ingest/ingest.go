// Package ingest authenticates upload streams and feeds their chunks to the broadcaster
package ingest

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/talosh/websocket-relay/internal/broadcast"
	"github.com/talosh/websocket-relay/internal/directory"
	"github.com/talosh/websocket-relay/internal/metrics"
)

var (
	// ErrForbidden means the secret does not resolve to a channel
	ErrForbidden = errors.New("forbidden: wrong secret")

	// ErrInternal means an unexpected fault occurred while handling a chunk
	ErrInternal = errors.New("internal error")

	// ErrClosed means the session has already ended
	ErrClosed = errors.New("session closed")
)

// Resolver maps an upload secret to a channel
type Resolver interface {
	Resolve(secret string) (string, error)
}

// Broadcaster fans one chunk out to a channel
type Broadcaster interface {
	Broadcast(channel string, payload []byte) broadcast.Report
}

// Gate checks secrets and passes chunks for known secrets to the broadcaster
type Gate struct {
	dir    Resolver
	caster Broadcaster
}

// New returns a Gate using dir for secrets and caster for delivery
func New(dir Resolver, caster Broadcaster) *Gate {
	return &Gate{
		dir:    dir,
		caster: caster,
	}
}

// OnChunkReceived handles one chunk uploaded with secret. The gate takes
// ownership of payload. Errors match ErrForbidden or ErrInternal.
func (g *Gate) OnChunkReceived(secret string, payload []byte) error {

	channel, err := g.resolve(secret)

	if err != nil {
		return err
	}

	return g.forward(channel, payload)
}

// resolve returns ErrForbidden for unknown secrets, and ErrInternal for
// anything else that goes wrong in the lookup
func (g *Gate) resolve(secret string) (channel string, err error) {

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"panic": fmt.Sprint(r)}).Error("Recovered from panic resolving secret")
			metrics.IngestRejectedTotal.WithLabelValues("internal").Inc()
			channel, err = "", fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	channel, err = g.dir.Resolve(secret)

	switch {
	case err == nil:
		return channel, nil
	case errors.Is(err, directory.ErrNotFound):
		log.WithFields(log.Fields{"error": err.Error()}).Info("Rejected upload with unknown secret")
		metrics.IngestRejectedTotal.WithLabelValues("forbidden").Inc()
		return "", ErrForbidden
	default:
		log.WithFields(log.Fields{"error": err.Error()}).Error("Failed resolving secret")
		metrics.IngestRejectedTotal.WithLabelValues("internal").Inc()
		return "", fmt.Errorf("%w: %s", ErrInternal, err.Error())
	}
}

// forward broadcasts payload on channel, converting a panic into ErrInternal
func (g *Gate) forward(channel string, payload []byte) (err error) {

	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"channel": channel, "panic": fmt.Sprint(r)}).Error("Recovered from panic broadcasting chunk")
			metrics.IngestRejectedTotal.WithLabelValues("internal").Inc()
			err = fmt.Errorf("%w: %v", ErrInternal, r)
		}
	}()

	g.caster.Broadcast(channel, payload)

	metrics.IngestChunksTotal.WithLabelValues(channel).Inc()
	metrics.IngestBytesTotal.WithLabelValues(channel).Add(float64(len(payload)))

	return nil
}

// State is the position of a Session in its lifecycle
type State int

// Session states
const (
	AwaitingFirstChunk State = iota
	Streaming
	Rejected
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingFirstChunk:
		return "awaiting-first-chunk"
	case Streaming:
		return "streaming"
	case Rejected:
		return "rejected"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one upload stream. The secret is resolved on the first chunk,
// or on Close if no chunk ever arrives.
type Session struct {
	gate   *Gate
	secret string

	mu      sync.Mutex
	state   State
	channel string
	err     error
	chunks  uint64
	bytes   uint64
}

// NewSession starts a session for an upload made with secret
func (g *Gate) NewSession(secret string) *Session {
	return &Session{
		gate:   g,
		secret: secret,
		state:  AwaitingFirstChunk,
	}
}

// State returns the current state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Channel returns the resolved channel, or "" before it is known
func (s *Session) Channel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

// Write broadcasts p as one chunk. p is copied so the caller may reuse it.
// Once the session is Rejected or Closed, Write returns the terminal error.
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Rejected, Closed:
		return 0, s.terminal()
	case AwaitingFirstChunk:
		if !s.open() {
			return 0, s.err
		}
	}

	chunk := make([]byte, len(p))
	copy(chunk, p)

	if err := s.gate.forward(s.channel, chunk); err != nil {
		s.finish(err)
		return 0, err
	}

	s.chunks++
	s.bytes += uint64(len(p))

	return len(p), nil
}

// Close ends the session. An upload that never sent a chunk still has its
// secret checked, so an empty upload with a bad secret gets ErrForbidden.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case AwaitingFirstChunk:
		if !s.open() {
			return s.err
		}
		s.finish(nil)
	case Streaming:
		s.finish(nil)
	}

	return s.err
}

// open resolves the secret and moves to Streaming or Rejected.
// Must be called with s.mu held.
func (s *Session) open() bool {

	channel, err := s.gate.resolve(s.secret)

	if err != nil {
		s.state = Rejected
		s.err = err
		return false
	}

	s.channel = channel
	s.state = Streaming
	metrics.IngestStreamsCurrent.Inc()

	log.WithFields(log.Fields{"channel": channel}).Info("Upload stream started")

	return true
}

// finish moves a streaming session to Closed, recording err if any.
// Must be called with s.mu held.
func (s *Session) finish(err error) {

	if s.state == Streaming {
		metrics.IngestStreamsCurrent.Dec()
	}

	s.state = Closed
	s.err = err

	fields := log.Fields{"channel": s.channel, "chunks": s.chunks, "bytes": s.bytes}

	if err != nil {
		fields["error"] = err.Error()
		log.WithFields(fields).Error("Upload stream failed")
		return
	}

	log.WithFields(fields).Info("Upload stream ended")
}

func (s *Session) terminal() error {
	if s.err != nil {
		return s.err
	}
	return ErrClosed
}
