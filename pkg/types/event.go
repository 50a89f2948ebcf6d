package types

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Attributes is a typed key-value map for event content and context.
// Well-known fields are promoted to struct fields; anything else lives in Extra.
type Attributes struct {
	FilePath  string            `json:"file_path,omitempty" yaml:"file_path,omitempty"`
	Operation string            `json:"operation,omitempty" yaml:"operation,omitempty"`
	Location  string            `json:"location,omitempty" yaml:"location,omitempty"`
	Subject   string            `json:"subject,omitempty" yaml:"subject,omitempty"`
	Extra     map[string]string `json:"extra,omitempty" yaml:"extra,omitempty"`
}

// Pairs returns every set attribute as a key/value map, well-known fields included.
func (a Attributes) Pairs() map[string]string {
	out := make(map[string]string, len(a.Extra)+4)
	for k, v := range a.Extra {
		out[k] = v
	}
	if a.FilePath != "" {
		out["file_path"] = a.FilePath
	}
	if a.Operation != "" {
		out["operation"] = a.Operation
	}
	if a.Location != "" {
		out["location"] = a.Location
	}
	if a.Subject != "" {
		out["subject"] = a.Subject
	}
	return out
}

// Keys returns the sorted names of all set attributes.
func (a Attributes) Keys() []string {
	pairs := a.Pairs()
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsEmpty reports whether no attribute is set.
func (a Attributes) IsEmpty() bool {
	return a.FilePath == "" && a.Operation == "" && a.Location == "" && a.Subject == "" && len(a.Extra) == 0
}

func (a Attributes) clone() Attributes {
	c := a
	if a.Extra != nil {
		c.Extra = make(map[string]string, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = v
		}
	}
	return c
}

// Event is an immutable timestamped record of observed activity from one stream.
// Events are created by an event source and only ever referenced afterwards.
type Event struct {
	ID        string     `json:"id" yaml:"id"`
	Timestamp time.Time  `json:"timestamp" yaml:"timestamp"`
	Type      EventType  `json:"event_type" yaml:"event_type"`
	StreamID  string     `json:"stream_id" yaml:"stream_id"`
	Content   Attributes `json:"content" yaml:"content"`
	Context   Attributes `json:"context" yaml:"context"`
	Tags      []string   `json:"correlation_tags,omitempty" yaml:"correlation_tags,omitempty"`
}

// NewEvent builds an Event, copying content, context and tags so later changes
// by the caller cannot leak into the event. An empty id gets a random UUID.
func NewEvent(id string, ts time.Time, eventType EventType, streamID string, content, context Attributes, tags []string) *Event {
	if id == "" {
		id = uuid.NewString()
	}
	var tagCopy []string
	if len(tags) > 0 {
		tagCopy = make([]string, len(tags))
		copy(tagCopy, tags)
	}
	return &Event{
		ID:        id,
		Timestamp: ts,
		Type:      eventType,
		StreamID:  streamID,
		Content:   content.clone(),
		Context:   context.clone(),
		Tags:      tagCopy,
	}
}

// HasTag reports whether the event carries the given correlation tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// ContextTokens returns the correlation tags plus context keys used for
// contextual matching.
func (e *Event) ContextTokens() map[string]struct{} {
	tokens := make(map[string]struct{}, len(e.Tags)+4)
	for _, t := range e.Tags {
		tokens["tag:"+t] = struct{}{}
	}
	for k, v := range e.Context.Pairs() {
		tokens["ctx:"+k+"="+v] = struct{}{}
	}
	return tokens
}

// SortEvents sorts events by timestamp, breaking ties by ID for determinism.
func SortEvents(events []*Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].ID < events[j].ID
		}
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
}
