package event

// Payload is the kind-specific body of an event.
type Payload interface {
	Kind() Kind
}

type Chat struct {
	Content string
}

type Gift struct {
	GiftID   string
	GiftName string
	Count    int
	Value    float64
}

type Like struct {
	Count int
	Total int64
}

type Join struct {
	UserLevel int
}

type Follow struct{}

type Share struct {
	ShareType string
}

// RoomState carries room-level counters rather than a viewer action.
type RoomState struct {
	Title       string
	ViewerCount int64
	LikeCount   int64
	Status      string
}

func (Chat) Kind() Kind      { return KindChat }
func (Gift) Kind() Kind      { return KindGift }
func (Like) Kind() Kind      { return KindLike }
func (Join) Kind() Kind      { return KindJoin }
func (Follow) Kind() Kind    { return KindFollow }
func (Share) Kind() Kind     { return KindShare }
func (RoomState) Kind() Kind { return KindRoomState }
