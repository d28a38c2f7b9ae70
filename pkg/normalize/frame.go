package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"roomrelay/pkg/event"
	"roomrelay/pkg/faults"
)

// frame is the wire shape shared by every inbound kind.
type frame struct {
	Type      string          `json:"type"`
	ID        looseString     `json:"id"`
	MsgID     looseString     `json:"msg_id"`
	UserID    looseString     `json:"user_id"`
	Username  string          `json:"username"`
	Timestamp json.RawMessage `json:"timestamp"`
	RoomID    looseString     `json:"room_id"`

	Content string `json:"content"`

	GiftID    looseString `json:"gift_id"`
	GiftName  string      `json:"gift_name"`
	GiftCount int         `json:"gift_count"`
	GiftValue float64     `json:"gift_value"`

	LikeCount  int64 `json:"like_count"`
	TotalLikes int64 `json:"total_likes"`

	UserLevel int `json:"user_level"`

	ShareType looseString `json:"share_type"`

	Title       string      `json:"title"`
	ViewerCount int64       `json:"viewer_count"`
	Status      looseString `json:"status"`
}

func (f frame) payload(kind event.Kind) (event.Payload, error) {
	switch kind {
	case event.KindChat:
		content := strings.TrimSpace(f.Content)
		if content == "" {
			return nil, faults.MalformedEvent("chat frame without content", nil)
		}
		return event.Chat{Content: content}, nil
	case event.KindGift:
		giftID := strings.TrimSpace(string(f.GiftID))
		giftName := strings.TrimSpace(f.GiftName)
		if giftID == "" && giftName == "" {
			return nil, faults.MalformedEvent("gift frame without gift_id or gift_name", nil)
		}
		if f.GiftCount < 0 || f.GiftValue < 0 {
			return nil, faults.MalformedEvent("gift frame with negative count or value", nil)
		}
		return event.Gift{GiftID: giftID, GiftName: giftName, Count: f.GiftCount, Value: f.GiftValue}, nil
	case event.KindLike:
		return event.Like{Count: int(f.LikeCount), Total: f.TotalLikes}, nil
	case event.KindJoin:
		return event.Join{UserLevel: f.UserLevel}, nil
	case event.KindFollow:
		return event.Follow{}, nil
	case event.KindShare:
		return event.Share{ShareType: strings.TrimSpace(string(f.ShareType))}, nil
	case event.KindRoomState:
		return event.RoomState{
			Title:       strings.TrimSpace(f.Title),
			ViewerCount: f.ViewerCount,
			LikeCount:   f.LikeCount,
			Status:      strings.TrimSpace(string(f.Status)),
		}, nil
	default:
		return nil, faults.MalformedEvent(fmt.Sprintf("unsupported kind %q", kind), nil)
	}
}

// looseString accepts a JSON string or number. Platforms are inconsistent
// about numeric ids.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	if data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		*s = looseString(value)
		return nil
	}

	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*s = looseString(number.String())
	return nil
}

// parseTimestamp reads ISO-8601 strings or unix seconds/milliseconds.
// Unparseable values yield the zero time; the source clock is display only.
func parseTimestamp(raw json.RawMessage) time.Time {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}
	}

	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}
		}
		text = strings.TrimSpace(text)
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, text); err == nil {
				return parsed.UTC()
			}
		}
		if number, err := strconv.ParseFloat(text, 64); err == nil {
			return unixTime(number)
		}
		return time.Time{}
	}

	number, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return time.Time{}
	}
	return unixTime(number)
}

func unixTime(value float64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	if value >= 1e12 {
		return time.UnixMilli(int64(value)).UTC()
	}

	return time.Unix(int64(value), 0).UTC()
}
