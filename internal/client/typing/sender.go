// Package typing coordinates typing indicators: debounced signals going out,
// self-expiring sets coming in.
package typing

import (
	"sync"
	"time"

	"github.com/cloudzz-dev/chatsync/internal/client/chat"
)

const (
	DefaultQuiet = 3 * time.Second
	DefaultTTL   = 6 * time.Second
)

// Emitter sends typing-start (start=true) or typing-stop for key.
type Emitter func(start bool, key chat.Key)

// Sender turns keystrokes into one typing-start per burst and a typing-stop
// after a quiet period, on blur, or when the target changes. Signals are
// emitted outside the state lock, in the order they were decided.
type Sender struct {
	clock Clock
	quiet time.Duration
	emit  Emitter

	mu     sync.Mutex
	typing bool
	key    chat.Key
	timer  Timer
	gen    uint64

	emitMu sync.Mutex
}

type signal struct {
	start bool
	key   chat.Key
}

func NewSender(clock Clock, quiet time.Duration, emit Emitter) *Sender {
	if clock == nil {
		clock = System
	}
	if quiet <= 0 {
		quiet = DefaultQuiet
	}
	return &Sender{clock: clock, quiet: quiet, emit: emit}
}

func (s *Sender) Keystroke(key chat.Key) {
	if key.IsZero() {
		return
	}
	s.mu.Lock()
	var out []signal
	if s.typing && s.key != key {
		out = append(out, s.stopLocked())
	}
	if !s.typing {
		s.typing = true
		s.key = key
		out = append(out, signal{true, key})
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(s.quiet, func() { s.expire(gen) })
	s.flush(out)
}

// Blur stops an active burst immediately.
func (s *Sender) Blur() {
	s.mu.Lock()
	var out []signal
	if s.typing {
		out = append(out, s.stopLocked())
	}
	s.flush(out)
}

// Reset is called on conversation switch and teardown.
func (s *Sender) Reset() { s.Blur() }

func (s *Sender) Typing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing
}

func (s *Sender) expire(gen uint64) {
	s.mu.Lock()
	var out []signal
	if gen == s.gen && s.typing {
		out = append(out, s.stopLocked())
	}
	s.flush(out)
}

func (s *Sender) stopLocked() signal {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.typing = false
	return signal{false, s.key}
}

// flush releases mu, which the caller holds, and emits out. emitMu is taken
// before mu is released so concurrent callers emit in decision order.
func (s *Sender) flush(out []signal) {
	if len(out) == 0 {
		s.mu.Unlock()
		return
	}
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	for _, sig := range out {
		s.emit(sig.start, sig.key)
	}
}
