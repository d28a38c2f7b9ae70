package dedup

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"roomrelay/pkg/event"
)

const (
	DefaultWindow      = 30 * time.Second
	DefaultHistorySize = 5
	DefaultMaxSenders  = 10000
)

type Options struct {
	Window      time.Duration
	HistorySize int
	MaxSenders  int
}

type entry struct {
	fingerprint string
	at          time.Time
}

// record is the ordered recent history of one sender, oldest first.
type record struct {
	entries []entry
}

// Filter suppresses repeated content from the same sender inside a sliding
// window. Window math uses each event's ReceivedAt, never a wall clock.
type Filter struct {
	window   time.Duration
	capacity int

	mu        sync.Mutex
	senders   *lru.Cache[string, *record]
	lastSweep time.Time
	dropped   uint64
}

// New builds a filter. Zero option values take the defaults.
func New(opts Options) (*Filter, error) {
	if opts.Window < 0 || opts.HistorySize < 0 || opts.MaxSenders < 0 {
		return nil, errors.New("dedup options must not be negative")
	}
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.HistorySize == 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.MaxSenders == 0 {
		opts.MaxSenders = DefaultMaxSenders
	}

	senders, err := lru.New[string, *record](opts.MaxSenders)
	if err != nil {
		return nil, fmt.Errorf("create sender cache: %w", err)
	}

	return &Filter{
		window:   opts.Window,
		capacity: opts.HistorySize,
		senders:  senders,
	}, nil
}

// Admit reports whether ev should enter the queue and records it when it does.
// All priorities are filtered the same way.
func (f *Filter) Admit(ev event.Event) bool {
	fingerprint := Fingerprint(ev)
	at := ev.ReceivedAt

	f.mu.Lock()
	defer f.mu.Unlock()

	f.sweepLocked(at)

	rec, ok := f.senders.Get(ev.SenderID)
	if !ok {
		rec = &record{}
		f.senders.Add(ev.SenderID, rec)
	}

	rec.expire(at, f.window)
	for _, e := range rec.entries {
		if e.fingerprint == fingerprint {
			f.dropped++
			return false
		}
	}

	rec.entries = append(rec.entries, entry{fingerprint: fingerprint, at: at})
	if len(rec.entries) > f.capacity {
		rec.entries = rec.entries[len(rec.entries)-f.capacity:]
	}

	return true
}

// Dropped returns how many events were suppressed so far.
func (f *Filter) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Senders returns the number of tracked sender records.
func (f *Filter) Senders() int {
	return f.senders.Len()
}

// sweepLocked evicts idle sender records at most once per window.
func (f *Filter) sweepLocked(now time.Time) {
	if !f.lastSweep.IsZero() && now.Sub(f.lastSweep) < f.window {
		return
	}
	f.lastSweep = now

	for _, sender := range f.senders.Keys() {
		rec, ok := f.senders.Peek(sender)
		if !ok {
			continue
		}
		rec.expire(now, f.window)
		if len(rec.entries) == 0 {
			f.senders.Remove(sender)
		}
	}
}

func (r *record) expire(now time.Time, window time.Duration) {
	keep := 0
	for keep < len(r.entries) && now.Sub(r.entries[keep].at) >= window {
		keep++
	}
	if keep > 0 {
		r.entries = append(r.entries[:0], r.entries[keep:]...)
	}
}

// Fingerprint identifies repeated content. Chat text is lowercased with
// whitespace collapsed; other kinds hash their defining fields.
func Fingerprint(ev event.Event) string {
	if chat, ok := ev.Payload.(event.Chat); ok {
		return strings.Join(strings.Fields(strings.ToLower(chat.Content)), " ")
	}

	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%s|", ev.Kind)
	switch p := ev.Payload.(type) {
	case event.Gift:
		_, _ = fmt.Fprintf(h, "%s|%s|%d", p.GiftID, p.GiftName, p.Count)
	case event.Like:
		_, _ = fmt.Fprintf(h, "%d", p.Count)
	case event.Join:
		_, _ = fmt.Fprintf(h, "%d", p.UserLevel)
	case event.Share:
		_, _ = fmt.Fprint(h, p.ShareType)
	case event.RoomState:
		_, _ = fmt.Fprintf(h, "%s|%d|%d|%s", p.Title, p.ViewerCount, p.LikeCount, p.Status)
	}

	return fmt.Sprintf("%s:%016x", ev.Kind, h.Sum64())
}
