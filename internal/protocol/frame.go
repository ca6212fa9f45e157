package protocol

import (
	"strings"
	"sync"
)

const (
	// Magic brackets every reply frame on the interpreter's stdout.
	Magic = "#:)))#"
	// IDSeparator ends the correlation id inside a frame payload.
	IDSeparator = "#"

	// DefaultMaxPending caps the bytes held for one unterminated frame.
	DefaultMaxPending = 1 << 20
)

// Frame is one delimiter-bracketed reply addressed by correlation id.
type Frame struct {
	ID   string
	Body string
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithMaxPending bounds how many bytes an open frame may accumulate before
// the scanner gives up on it and resets.
func WithMaxPending(limit int) ScannerOption {
	return func(s *Scanner) {
		if limit > 0 {
			s.maxPending = limit
		}
	}
}

// WithMalformedHandler receives frame payloads that carry no id separator.
func WithMalformedHandler(handler func(payload string)) ScannerOption {
	return func(s *Scanner) {
		s.onMalformed = handler
	}
}

// WithOverflowHandler is called with the discarded byte count when an open
// frame exceeds the pending limit.
func WithOverflowHandler(handler func(discarded int)) ScannerOption {
	return func(s *Scanner) {
		s.onOverflow = handler
	}
}

// Scanner incrementally extracts frames from an unstructured output stream.
//
// Only the unconsumed suffix of the stream is retained. Output before an
// opening delimiter is console chatter and is dropped as soon as it can no
// longer be the start of a delimiter.
type Scanner struct {
	mu          sync.Mutex
	pending     string
	maxPending  int
	onMalformed func(payload string)
	onOverflow  func(discarded int)
}

// NewScanner returns an empty scanner.
func NewScanner(options ...ScannerOption) *Scanner {
	scanner := &Scanner{maxPending: DefaultMaxPending}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(scanner)
	}
	return scanner
}

// Feed appends chunk to the inbound buffer and returns every frame that is
// now complete, in stream order.
func (s *Scanner) Feed(chunk string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending += chunk
	var (
		frames    []Frame
		malformed []string
	)
	for {
		payload, ok := s.nextPayload()
		if !ok {
			break
		}
		idEnd := strings.Index(payload, IDSeparator)
		if idEnd < 0 {
			malformed = append(malformed, payload)
			continue
		}
		frames = append(frames, Frame{
			ID:   payload[:idEnd],
			Body: payload[idEnd+len(IDSeparator):],
		})
	}

	discarded := 0
	if len(s.pending) > s.maxPending {
		discarded = len(s.pending)
		s.pending = ""
	}

	if s.onMalformed != nil {
		for _, payload := range malformed {
			s.onMalformed(payload)
		}
	}
	if discarded > 0 && s.onOverflow != nil {
		s.onOverflow(discarded)
	}
	return frames
}

// Pending returns the number of buffered, not yet framed bytes.
func (s *Scanner) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset drops any buffered output.
func (s *Scanner) Reset() {
	s.mu.Lock()
	s.pending = ""
	s.mu.Unlock()
}

// nextPayload consumes one complete frame from pending. When no complete
// frame remains it trims pending down to what could still become one.
func (s *Scanner) nextPayload() (string, bool) {
	if !strings.Contains(s.pending, Magic[:1]) {
		s.pending = ""
		return "", false
	}

	open := strings.Index(s.pending, Magic)
	if open < 0 {
		s.pending = s.pending[partialMagicStart(s.pending):]
		return "", false
	}
	s.pending = s.pending[open:]

	closeOffset := strings.Index(s.pending[len(Magic):], Magic)
	if closeOffset < 0 {
		return "", false
	}
	payload := s.pending[len(Magic) : len(Magic)+closeOffset]
	s.pending = s.pending[len(Magic)+closeOffset+len(Magic):]
	return payload, true
}

// partialMagicStart returns the index of the longest suffix of text that is
// a proper prefix of Magic, or len(text) if there is none.
func partialMagicStart(text string) int {
	limit := len(Magic) - 1
	if limit > len(text) {
		limit = len(text)
	}
	for size := limit; size > 0; size-- {
		if strings.HasPrefix(Magic, text[len(text)-size:]) {
			return len(text) - size
		}
	}
	return len(text)
}
