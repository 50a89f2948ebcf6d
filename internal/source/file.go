// Package source feeds events and feedback into the pipeline from NATS
// subjects and from replay files.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scrypster/anchorflow/pkg/types"
)

// Submitter accepts events for processing.
type Submitter interface {
	Submit(event *types.Event) (string, error)
}

// FeedbackSink accepts correlation feedback.
type FeedbackSink interface {
	AddFeedback(fb types.CorrelationFeedback) error
}

// eventFile is the mapping form of a replay file.
type eventFile struct {
	Events []types.Event `yaml:"events"`
}

// ReadEvents parses a replay document: either a sequence of events or a
// mapping with an "events" key. JSON documents parse as YAML. Events are
// returned in timestamp order; missing ids are generated.
func ReadEvents(r io.Reader) ([]*types.Event, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	var raw []types.Event
	switch root := node.Content[0]; root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&raw)
	case yaml.MappingNode:
		var f eventFile
		err = root.Decode(&f)
		raw = f.Events
	default:
		err = errors.New("expected a list of events or an events mapping")
	}
	if err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}

	events := make([]*types.Event, 0, len(raw))
	for i, e := range raw {
		if e.Timestamp.IsZero() {
			return nil, fmt.Errorf("event %d (%q): missing timestamp", i, e.ID)
		}
		if !types.IsValidEventType(e.Type) {
			return nil, fmt.Errorf("event %d (%q): unknown event type %q", i, e.ID, e.Type)
		}
		if e.StreamID == "" {
			return nil, fmt.Errorf("event %d (%q): missing stream_id", i, e.ID)
		}
		events = append(events, types.NewEvent(e.ID, e.Timestamp, e.Type, e.StreamID, e.Content, e.Context, e.Tags))
	}
	types.SortEvents(events)
	return events, nil
}

// LoadEvents reads a replay file from disk.
func LoadEvents(path string) ([]*types.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	defer f.Close()
	return ReadEvents(f)
}
