// Package session implements one RFCOMM serial session: a background
// listener that filters loopback echo, a FIFO inbox of received messages,
// and a blocking send-and-correlate operation.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"bluebridge-api/internal/models"
)

// ErrConnectionClosed is returned by operations on a torn-down session.
var ErrConnectionClosed = errors.New("connection closed")

// Socket is the transport a session reads and writes. Read deadlines are
// required: the listener polls with a short deadline so the stop flag is
// observed promptly. *os.File over a non-blocking fd and net.Pipe both
// qualify.
type Socket interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
}

// Options tunes session behavior. Zero values fall back to defaults.
type Options struct {
	PollInterval time.Duration // listener read deadline, default 500ms
	EchoHistory  int           // transmitted payloads kept for echo comparison, default 10
}

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultEchoHistory  = 10
	readBufferSize      = 1024
)

// Session owns one socket and its background listener. Any number of caller
// goroutines may send and receive concurrently; the listener is the sole
// writer to the inbox.
type Session struct {
	mu     sync.Mutex
	sock   Socket
	closed bool
	info   models.ConnectionInfo
	inbox  []*models.MessageRecord
	notify chan struct{} // closed and replaced on every inbox append

	// Recently transmitted normalized payloads, oldest first. Written by
	// senders, read by the listener; guarded by mu like the inbox (leaving
	// it bare would race).
	lastSent [][]byte
	echoCap  int

	pollInterval time.Duration
	done         chan struct{}
	stopOnce     sync.Once
}

// New creates a session over an established socket and starts its listener.
// connectionID defaults to the device name, then the address.
func New(sock Socket, address string, port int, name string, opts Options) *Session {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.EchoHistory <= 0 {
		opts.EchoHistory = defaultEchoHistory
	}

	connectionID := name
	if connectionID == "" {
		connectionID = address
	}

	s := &Session{
		sock: sock,
		info: models.ConnectionInfo{
			ConnectionID: connectionID,
			Address:      address,
			Name:         name,
			Port:         port,
			CreatedAt:    time.Now(),
			IsConnected:  true,
		},
		notify:       make(chan struct{}),
		echoCap:      opts.EchoHistory,
		pollInterval: opts.PollInterval,
		done:         make(chan struct{}),
	}
	go s.listen()
	return s
}

// Info returns a copy of the connection metadata.
func (s *Session) Info() models.ConnectionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Address returns the remote device address.
func (s *Session) Address() string {
	return s.info.Address
}

// =============================================================================
// Listener
// =============================================================================

func (s *Session) listen() {
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		_ = s.sock.SetReadDeadline(time.Now().Add(s.pollInterval))
		n, err := s.sock.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.ingest(data)
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			// Socket errors end the listener; callers observe the closed
			// state on their next send or receive.
			select {
			case <-s.done:
			default:
				log.Debug().Err(err).Str("address", s.info.Address).Msg("Listener stopped on read error")
			}
			return
		}
	}
}

// ingest appends received data to the inbox unless it is an echo of a
// recently transmitted payload.
func (s *Session) ingest(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touchLocked()

	norm := normalizeBytes(data)
	for _, sent := range s.lastSent {
		if bytes.Equal(sent, norm) {
			// Loopback echo from the bridge; drop it.
			return
		}
	}

	now := time.Now()
	text := strings.ToValidUTF8(string(data), "")
	rec := &models.MessageRecord{
		ReceivedMessage: &text,
		ReceivedBytes:   data,
		ReceivedAt:      &now,
	}
	s.inbox = append(s.inbox, rec)
	close(s.notify)
	s.notify = make(chan struct{})
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// =============================================================================
// Send / receive
// =============================================================================

// Send writes the record's payload to the socket. Exactly one of the
// record's text/bytes fields must be set; text is UTF-8 encoded first.
func (s *Session) Send(rec *models.MessageRecord) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("send to %s: %w", s.info.Address, ErrConnectionClosed)
	}
	sock := s.sock
	s.mu.Unlock()

	payload, err := rec.SendPayload()
	if err != nil {
		return err
	}

	now := time.Now()
	rec.SentAt = &now

	if _, err := sock.Write(payload); err != nil {
		// A Disconnect racing the write closes the socket under us; report
		// that as a closed connection, not as a raw socket error.
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return fmt.Errorf("send to %s: %w", s.info.Address, ErrConnectionClosed)
		}
		return fmt.Errorf("send to %s: %w", s.info.Address, err)
	}

	s.mu.Lock()
	s.touchLocked()
	s.lastSent = append(s.lastSent, normalizeBytes(payload))
	if len(s.lastSent) > s.echoCap {
		s.lastSent = s.lastSent[1:]
	}
	s.mu.Unlock()
	return nil
}

// Receive pops the oldest inbox entry, or returns nil when the inbox is
// empty. Non-blocking.
func (s *Session) Receive() *models.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.inbox) == 0 {
		return nil
	}
	rec := s.inbox[0]
	s.inbox = s.inbox[1:]
	return rec
}

// PendingCount returns the number of queued inbound messages.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// SendAndReceive sends the record and collects the response fragments that
// arrive before the timeout, skipping echoes of the sent payload. As soon as
// at least one fragment has been collected and no further data is queued it
// returns without waiting out the rest of the window. Collected text
// fragments are joined with newlines, byte fragments concatenated in arrival
// order; the received timestamp is the last fragment's. When nothing
// arrives, the received fields are set to empty (not absent) values.
func (s *Session) SendAndReceive(rec *models.MessageRecord, timeout time.Duration) error {
	s.mu.Lock()
	watermark := len(s.inbox)
	s.mu.Unlock()

	if err := s.Send(rec); err != nil {
		return err
	}

	deadline := time.Now().Add(timeout)
	var collected []*models.MessageRecord

	for {
		s.mu.Lock()
		for len(s.inbox) > watermark {
			cand := s.inbox[watermark]
			s.inbox = append(s.inbox[:watermark], s.inbox[watermark+1:]...)
			if isEcho(rec, cand) {
				continue
			}
			collected = append(collected, cand)
		}
		notify := s.notify
		s.mu.Unlock()

		if len(collected) > 0 {
			// Something arrived and the queue is drained; do not wait out
			// the full window.
			break
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(remaining)
		select {
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}

	merge(rec, collected)
	return nil
}

func merge(rec *models.MessageRecord, collected []*models.MessageRecord) {
	if len(collected) == 0 {
		if rec.ReceivedMessage == nil {
			empty := ""
			rec.ReceivedMessage = &empty
		}
		if rec.ReceivedBytes == nil {
			rec.ReceivedBytes = models.ByteList{}
		}
		return
	}

	var texts []string
	var raw []byte
	for _, c := range collected {
		if c.ReceivedMessage != nil {
			texts = append(texts, normalizeText(*c.ReceivedMessage))
		}
		raw = append(raw, c.ReceivedBytes...)
	}
	joined := strings.Join(texts, "\n")
	rec.ReceivedMessage = &joined
	rec.ReceivedBytes = raw
	rec.ReceivedAt = collected[len(collected)-1].ReceivedAt
}

// isEcho reports whether the received candidate is a reflection of the sent
// record, comparing normalized bytes and normalized text. This runs over and
// above the listener's own echo filter, which only sees the byte view.
func isEcho(sent, received *models.MessageRecord) bool {
	if sent.SendBytes != nil && received.ReceivedBytes != nil {
		if bytes.Equal(normalizeBytes(sent.SendBytes), normalizeBytes(received.ReceivedBytes)) {
			return true
		}
	}
	if sent.SendMessage != nil && received.ReceivedMessage != nil {
		if normalizeText(*sent.SendMessage) == normalizeText(*received.ReceivedMessage) {
			return true
		}
	}
	return false
}

// =============================================================================
// Teardown
// =============================================================================

// Disconnect stops the listener and closes the socket. Idempotent; an
// in-flight read is unblocked by the socket close.
func (s *Session) Disconnect() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.closed = true
		s.info.IsConnected = false
		s.touchLocked()
		sock := s.sock
		s.mu.Unlock()
		if err := sock.Close(); err != nil {
			log.Debug().Err(err).Str("address", s.info.Address).Msg("Socket close failed")
		}
	})
}

// IsConnected reports whether the session has not been torn down.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Session) touchLocked() {
	now := time.Now()
	s.info.LastUsedAt = &now
}

// normalizeBytes strips trailing CR/LF so that echo comparison ignores line
// ending differences.
func normalizeBytes(data []byte) []byte {
	return bytes.TrimRight(data, "\r\n")
}

func normalizeText(text string) string {
	return strings.TrimRight(text, "\r\n")
}
