package event

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind is the closed set of inbound occurrences a room can emit.
type Kind string

const (
	KindChat      Kind = "chat"
	KindGift      Kind = "gift"
	KindLike      Kind = "like"
	KindJoin      Kind = "join"
	KindFollow    Kind = "follow"
	KindShare     Kind = "share"
	KindRoomState Kind = "room_state"
)

var allKinds = []Kind{KindChat, KindGift, KindLike, KindJoin, KindFollow, KindShare, KindRoomState}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	return append([]Kind(nil), allKinds...)
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range allKinds {
		if k == known {
			return true
		}
	}

	return false
}

// Category is the semantic tag assigned by the classifier.
type Category string

const (
	CategoryComplaint     Category = "complaint"
	CategoryEscalation    Category = "escalation"
	CategoryPriceInquiry  Category = "price_inquiry"
	CategoryStockInquiry  Category = "stock_inquiry"
	CategoryGreeting      Category = "greeting"
	CategoryGeneral       Category = "general"
	CategoryGift          Category = "gift"
	CategoryInformational Category = "informational"
)

var ErrAlreadyClassified = errors.New("event already classified")

// Event is one normalized occurrence from a live room.
//
// Events are passed by value. Category and Priority stay unset until
// Classified returns the admitted copy.
type Event struct {
	ID         string
	RoomID     string
	SenderID   string
	SenderName string
	Kind       Kind
	Payload    Payload
	// SourceTime is the platform-supplied timestamp. Display only.
	SourceTime time.Time
	ReceivedAt time.Time
	Category   Category
	Priority   Priority
}

// New builds an unclassified event whose kind follows the payload.
func New(id, roomID, senderID, senderName string, payload Payload, sourceTime, receivedAt time.Time) Event {
	kind := Kind("")
	if payload != nil {
		kind = payload.Kind()
	}

	return Event{
		ID:         id,
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Kind:       kind,
		Payload:    payload,
		SourceTime: sourceTime,
		ReceivedAt: receivedAt,
	}
}

// IsClassified reports whether category and priority have been assigned.
func (e Event) IsClassified() bool {
	return e.Priority != PriorityUnset
}

// Classified returns a copy carrying category and priority. It fails when
// the event was already classified.
func (e Event) Classified(category Category, priority Priority) (Event, error) {
	if e.IsClassified() {
		return e, fmt.Errorf("%w: %s", ErrAlreadyClassified, e.ID)
	}
	if !priority.Valid() {
		return e, fmt.Errorf("invalid priority %d", int(priority))
	}

	e.Category = category
	e.Priority = priority
	return e, nil
}

// ConversationKey identifies the per-sender conversation inside a room.
func (e Event) ConversationKey() string {
	return strings.TrimSpace(e.RoomID) + ":" + strings.TrimSpace(e.SenderID)
}

// Content returns chat text, or an empty string for other kinds.
func (e Event) Content() string {
	if chat, ok := e.Payload.(Chat); ok {
		return chat.Content
	}

	return ""
}

// Text renders the event as the line handed to the responder.
func (e Event) Text() string {
	name := strings.TrimSpace(e.SenderName)
	if name == "" {
		name = "用户"
	}

	switch p := e.Payload.(type) {
	case Chat:
		return p.Content
	case Gift:
		giftName := p.GiftName
		if giftName == "" {
			giftName = p.GiftID
		}
		return fmt.Sprintf("%s 送出了 %d 个%s", name, max(p.Count, 1), giftName)
	case Like:
		return fmt.Sprintf("%s 点赞了 %d 次", name, max(p.Count, 1))
	case Join:
		return fmt.Sprintf("%s 进入了直播间", name)
	case Follow:
		return fmt.Sprintf("%s 关注了主播", name)
	case Share:
		return fmt.Sprintf("%s 分享了直播间", name)
	case RoomState:
		return fmt.Sprintf("直播间状态 %s，在线 %d 人，点赞 %d", p.Status, p.ViewerCount, p.LikeCount)
	default:
		return ""
	}
}
