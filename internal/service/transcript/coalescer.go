package transcript

import (
	"strings"
	"sync"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/zhouzirui/clawstream/backend/internal/logging"
	"github.com/zhouzirui/clawstream/backend/internal/model/stream"
)

const (
	DefaultDebounce  = time.Second
	DefaultMaxBuffer = 3 * time.Second
)

// DefaultDenyList holds phrases speech recognizers tend to emit on silence or music.
var DefaultDenyList = []string{
	"thank you",
	"thank you.",
	"thanks for watching",
	"thank you for watching",
	"thank you so much for watching",
	"please subscribe",
	"like and subscribe",
	"you",
	"bye",
	"[music]",
	"(music)",
	"[blank_audio]",
	"[silence]",
	"subtitles by the amara.org community",
}

// Options configures a Coalescer.
type Options struct {
	Debounce  time.Duration
	MaxBuffer time.Duration
	DenyList  []string
	Logger    *zap.Logger
	Now       func() time.Time
}

// Coalescer merges transcription fragments into utterances. A batch is
// flushed after Debounce of silence, or MaxBuffer after its first fragment,
// whichever comes first.
type Coalescer struct {
	debounce  time.Duration
	maxBuffer time.Duration
	deny      map[string]struct{}
	emit      func(stream.TranscriptEvent)
	now       func() time.Time
	logger    *zap.Logger

	mu          sync.Mutex
	buf         []string
	batch       uint64
	debounceSeq uint64
	debounceT   *time.Timer
	ceilingT    *time.Timer
	closed      bool
}

// New returns a Coalescer that hands each utterance to emit.
func New(emit func(stream.TranscriptEvent), opts Options) *Coalescer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.MaxBuffer <= 0 {
		opts.MaxBuffer = DefaultMaxBuffer
	}
	denyList := opts.DenyList
	if denyList == nil {
		denyList = DefaultDenyList
	}
	deny := make(map[string]struct{}, len(denyList))
	for _, phrase := range denyList {
		if key := normalize(phrase); key != "" {
			deny[key] = struct{}{}
		}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Coalescer{
		debounce:  opts.Debounce,
		maxBuffer: opts.MaxBuffer,
		deny:      deny,
		emit:      emit,
		now:       now,
		logger:    logging.OrNop(opts.Logger).Named("coalescer"),
	}
}

// Add buffers a fragment. It reports false when the fragment was empty,
// deny-listed, or the coalescer is closed.
func (c *Coalescer) Add(text string) bool {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return false
	}
	if _, denied := c.deny[normalize(text)]; denied {
		c.logger.Debug("dropping deny-listed fragment", zap.String("text", text))
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	c.buf = append(c.buf, text)
	batch := c.batch

	if c.debounceT != nil {
		c.debounceT.Stop()
	}
	c.debounceSeq++
	seq := c.debounceSeq
	c.debounceT = time.AfterFunc(c.debounce, func() { c.onDebounce(batch, seq) })

	if c.ceilingT == nil {
		c.ceilingT = time.AfterFunc(c.maxBuffer, func() { c.onCeiling(batch) })
	}
	return true
}

// Flush emits whatever is buffered now.
func (c *Coalescer) Flush() {
	c.mu.Lock()
	ev, ok := c.takeLocked()
	c.mu.Unlock()
	if ok {
		c.emit(ev)
	}
}

// Close flushes the buffer and rejects further fragments.
func (c *Coalescer) Close() {
	c.mu.Lock()
	ev, ok := c.takeLocked()
	c.closed = true
	c.mu.Unlock()
	if ok {
		c.emit(ev)
	}
}

func (c *Coalescer) onDebounce(batch, seq uint64) {
	c.mu.Lock()
	if batch != c.batch || seq != c.debounceSeq {
		c.mu.Unlock()
		return
	}
	ev, ok := c.takeLocked()
	c.mu.Unlock()
	if ok {
		c.emit(ev)
	}
}

func (c *Coalescer) onCeiling(batch uint64) {
	c.mu.Lock()
	if batch != c.batch {
		c.mu.Unlock()
		return
	}
	ev, ok := c.takeLocked()
	c.mu.Unlock()
	if ok {
		c.logger.Debug("max buffer reached, forcing flush")
		c.emit(ev)
	}
}

// takeLocked clears the buffer and both timers and starts a new batch.
func (c *Coalescer) takeLocked() (stream.TranscriptEvent, bool) {
	if c.debounceT != nil {
		c.debounceT.Stop()
		c.debounceT = nil
	}
	if c.ceilingT != nil {
		c.ceilingT.Stop()
		c.ceilingT = nil
	}
	text := strings.TrimSpace(strings.Join(c.buf, " "))
	c.buf = nil
	c.batch++

	if text == "" {
		return stream.TranscriptEvent{}, false
	}
	return stream.TranscriptEvent{Text: text, Timestamp: c.now().UnixMilli()}, true
}

// normalize lowercases, collapses whitespace and trims surrounding
// punctuation other than brackets.
func normalize(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return strings.TrimFunc(s, func(r rune) bool {
		if r == '[' || r == ']' || r == '(' || r == ')' {
			return false
		}
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}
