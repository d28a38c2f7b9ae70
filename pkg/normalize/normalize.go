package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"

	"roomrelay/pkg/event"
	"roomrelay/pkg/faults"
)

// MaxFrameBytes caps a frame, compressed or inflated.
const MaxFrameBytes = 1 << 20

// ErrControlFrame marks heartbeat acknowledgements and similar frames that
// carry no viewer event. Callers skip them silently.
var ErrControlFrame = errors.New("control frame")

var kindAliases = map[string]event.Kind{
	"danmaku":   event.KindChat,
	"comment":   event.KindChat,
	"enter":     event.KindJoin,
	"member":    event.KindJoin,
	"subscribe": event.KindFollow,
	"room_info": event.KindRoomState,
	"room_stat": event.KindRoomState,
}

var controlTypes = map[string]struct{}{
	"heartbeat":     {},
	"heartbeat_ack": {},
	"pong":          {},
	"ack":           {},
}

var gzipMagic = []byte{0x1f, 0x8b}

// Normalizer turns raw room frames into events.
type Normalizer struct {
	roomID string
	now    func() time.Time

	mu   sync.Mutex
	last time.Time
}

type Option func(*Normalizer)

// WithClock replaces the receive-time source.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

// New builds a normalizer that fills room_id with roomID when a frame omits it.
func New(roomID string, opts ...Option) *Normalizer {
	n := &Normalizer{
		roomID: strings.TrimSpace(roomID),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Decode converts one frame into exactly one event.
//
// Malformed input returns a faults.ErrMalformedEvent; control frames return
// ErrControlFrame.
func (n *Normalizer) Decode(raw []byte) (event.Event, error) {
	payload, err := inflate(raw)
	if err != nil {
		return event.Event{}, faults.MalformedEvent("decompress frame", err)
	}

	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		return event.Event{}, faults.MalformedEvent("decode json", err)
	}

	typeName := strings.ToLower(strings.TrimSpace(f.Type))
	if _, ok := controlTypes[typeName]; ok {
		return event.Event{}, ErrControlFrame
	}

	kind, ok := resolveKind(typeName)
	if !ok {
		return event.Event{}, faults.MalformedEvent(fmt.Sprintf("unknown type %q", f.Type), nil)
	}

	body, err := f.payload(kind)
	if err != nil {
		return event.Event{}, err
	}

	roomID := strings.TrimSpace(string(f.RoomID))
	if roomID == "" {
		roomID = n.roomID
	}

	senderID := strings.TrimSpace(string(f.UserID))
	if senderID == "" && kind != event.KindRoomState {
		return event.Event{}, faults.MalformedEvent(fmt.Sprintf("%s frame without user_id", kind), nil)
	}
	if kind == event.KindRoomState {
		if roomID == "" {
			return event.Event{}, faults.MalformedEvent("room_state frame without room_id", nil)
		}
		if senderID == "" {
			senderID = roomID
		}
	}

	id := strings.TrimSpace(string(f.ID))
	if id == "" {
		id = strings.TrimSpace(string(f.MsgID))
	}
	if id == "" {
		id = synthesizeID(senderID, string(f.Timestamp), kind, body)
	}

	return event.New(id, roomID, senderID, strings.TrimSpace(f.Username), body, parseTimestamp(f.Timestamp), n.receivedAt()), nil
}

// receivedAt returns a strictly increasing receive time.
func (n *Normalizer) receivedAt() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if !now.After(n.last) {
		now = n.last.Add(time.Nanosecond)
	}
	n.last = now
	return now
}

func resolveKind(typeName string) (event.Kind, bool) {
	if alias, ok := kindAliases[typeName]; ok {
		return alias, true
	}

	kind := event.Kind(typeName)
	return kind, kind.Valid()
}

func inflate(raw []byte) ([]byte, error) {
	if !bytes.HasPrefix(raw, gzipMagic) {
		return raw, nil
	}

	reader, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	out, err := io.ReadAll(io.LimitReader(reader, MaxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > MaxFrameBytes {
		return nil, fmt.Errorf("inflated frame exceeds %d bytes", MaxFrameBytes)
	}

	return out, nil
}

func synthesizeID(senderID string, timestamp string, kind event.Kind, body event.Payload) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{senderID, timestamp, string(kind), fmt.Sprintf("%+v", body)}, "|")))
	return hex.EncodeToString(sum[:16])
}
