package nostr

import (
	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/archon-research/stl-timeserver/internal/domain/entity"
)

// toWire converts a domain event to go-nostr's wire type.
func toWire(e entity.Event) gonostr.Event {
	tags := make(gonostr.Tags, 0, len(e.Tags))
	for _, t := range e.Tags {
		tags = append(tags, gonostr.Tag(t))
	}
	return gonostr.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: gonostr.Timestamp(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

func fromWire(e gonostr.Event) entity.Event {
	tags := make([]entity.Tag, 0, len(e.Tags))
	for _, t := range e.Tags {
		tags = append(tags, entity.Tag(t))
	}
	return entity.Event{
		ID:        e.ID,
		PubKey:    e.PubKey,
		CreatedAt: int64(e.CreatedAt),
		Kind:      e.Kind,
		Tags:      tags,
		Content:   e.Content,
		Sig:       e.Sig,
	}
}

// truncateID shortens an event id for logging purposes.
func truncateID(id string) string {
	if len(id) <= 14 {
		return id
	}
	return id[:8] + "..." + id[len(id)-6:]
}
