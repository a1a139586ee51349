package entity

import "strconv"

// KindBlockTime is the notification kind carrying block hash and height.
const KindBlockTime = 2121

// Tag names used in block notifications.
const (
	TagHash   = "hash"
	TagHeight = "height"
)

// Tag is a single event tag: a name followed by its values.
type Tag []string

// Event is a signed notification. Once signed it is immutable; ID is derived
// from the signed payload, so the same payload and key always yield the same ID.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// BlockEventPayload builds the unsigned payload announcing a block. created_at
// is the block's own timestamp rather than wall-clock time.
func BlockEventPayload(b Block) Event {
	return Event{
		CreatedAt: b.Timestamp,
		Kind:      KindBlockTime,
		Tags: []Tag{
			{TagHash, b.Hash},
			{TagHeight, strconv.FormatUint(b.Height, 10)},
		},
		Content: "",
	}
}

// TagValue returns the first value of the named tag, or "" if absent.
func (e Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// BlockHeight parses the height tag. The second result is false when the tag
// is missing or malformed.
func (e Event) BlockHeight() (uint64, bool) {
	v := e.TagValue(TagHeight)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// EventFilter selects stored events on a destination.
type EventFilter struct {
	Kinds   []int
	Authors []string
}
