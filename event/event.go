// Package event implements the CloudEvents-style envelope that wraps a
// domain event's payload, plus the grouping helpers the append protocol
// needs to cluster a batch by target stream.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"vorfall/errs"
	"vorfall/subject"
)

// DefaultSource is the producer identifier used when a caller does not
// supply one.
const DefaultSource = "vorfall.eventsourcing.system"

// SpecVersion is the only CloudEvents spec version this envelope emits.
const SpecVersion = "1.0"

// DefaultDataContentType is the only content type this envelope emits.
const DefaultDataContentType = "application/json"

// DomainEvent is an immutable fact wrapped in a CloudEvents-1.0 envelope.
// Events are append-only and never rewritten once persisted.
type DomainEvent struct {
	ID              string          `bson:"id" json:"id"`
	Type            string          `bson:"type" json:"type"`
	Subject         string          `bson:"subject" json:"subject"`
	Source          string          `bson:"source" json:"source"`
	SpecVersion     string          `bson:"specversion" json:"specversion"`
	DataContentType string          `bson:"datacontenttype" json:"datacontenttype"`
	Date            time.Time       `bson:"date" json:"date"`
	Data            json.RawMessage `bson:"data,omitempty" json:"data,omitempty"`
	Metadata        map[string]any  `bson:"metadata,omitempty" json:"metadata,omitempty"`

	// Extensions carries any CloudEvents extension attributes present on
	// the wire that this envelope does not otherwise model. It is tagged
	// json:"-" because MarshalJSON/UnmarshalJSON flatten it at the top
	// level instead, so reading a stored event and rewrapping it for
	// replay round-trips unknown attributes verbatim.
	Extensions map[string]any `bson:"extensions,omitempty" json:"-"`
}

// knownJSONFields are the envelope's own field names on the wire. Anything
// else found during UnmarshalJSON is an extension attribute.
var knownJSONFields = map[string]bool{
	"id": true, "type": true, "subject": true, "source": true,
	"specversion": true, "datacontenttype": true, "date": true,
	"data": true, "metadata": true,
}

// MarshalJSON flattens Extensions as additional top-level fields alongside
// the envelope's own fields, so unknown CloudEvents attributes round-trip
// through the JSON wire form instead of being dropped.
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	type alias DomainEvent
	base, err := json.Marshal(alias(e))
	if err != nil {
		return nil, err
	}
	if len(e.Extensions) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range e.Extensions {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal extension %q: %w", k, err)
		}
		merged[k] = raw
	}
	return json.Marshal(merged)
}

// UnmarshalJSON restores Extensions from any top-level field this envelope
// does not otherwise model, the inverse of MarshalJSON.
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	type alias DomainEvent
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k := range raw {
		if knownJSONFields[k] {
			delete(raw, k)
		}
	}

	var extensions map[string]any
	if len(raw) > 0 {
		extensions = make(map[string]any, len(raw))
		for k, v := range raw {
			var val any
			if err := json.Unmarshal(v, &val); err != nil {
				return fmt.Errorf("unmarshal extension %q: %w", k, err)
			}
			extensions[k] = val
		}
	}

	*e = DomainEvent(a)
	e.Extensions = extensions
	return nil
}

// StreamSubject resolves this event's stream subject.
func (e DomainEvent) StreamSubject() (subject.StreamSubject, error) {
	s, err := subject.Parse(e.Subject)
	if err != nil {
		return "", err
	}
	return subject.StreamSubjectOf(s)
}

// NewEventInput is the argument to New. Any zero-valued field is filled
// with its default; non-zero fields are preserved verbatim, which is what
// makes re-wrapping lossless (for e := New(x), New(e.Input()) == e).
type NewEventInput struct {
	ID              string
	Type            string
	Subject         string
	Source          string
	SpecVersion     string
	DataContentType string
	Date            time.Time
	Data            json.RawMessage
	Metadata        map[string]any
	Extensions      map[string]any
}

// New builds a DomainEvent from in, applying defaults to any field the
// caller left zero-valued: ID gets a random v4 UUID, Source defaults to
// DefaultSource, SpecVersion to "1.0", DataContentType to
// "application/json", and Date to the current time. Subject must be a
// valid event subject (at least two segments); Type must be non-empty.
func New(in NewEventInput) (DomainEvent, error) {
	if in.Type == "" {
		return DomainEvent{}, fmt.Errorf("event type must not be empty: %w", errs.ErrInvalidSubjectFormat)
	}
	if _, err := subject.Parse(in.Subject); err != nil {
		return DomainEvent{}, err
	}
	if _, err := subject.StreamSubjectOf(subject.Subject(in.Subject)); err != nil {
		return DomainEvent{}, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	source := in.Source
	if source == "" {
		source = DefaultSource
	}
	specVersion := in.SpecVersion
	if specVersion == "" {
		specVersion = SpecVersion
	}
	dataContentType := in.DataContentType
	if dataContentType == "" {
		dataContentType = DefaultDataContentType
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	return DomainEvent{
		ID:              id,
		Type:            in.Type,
		Subject:         in.Subject,
		Source:          source,
		SpecVersion:     specVersion,
		DataContentType: dataContentType,
		Date:            date,
		Data:            in.Data,
		Metadata:        in.Metadata,
		Extensions:      in.Extensions,
	}, nil
}

// Input converts e back into a NewEventInput with every field populated
// verbatim, so that New(e.Input()) reproduces e exactly. This is what
// makes reserialization round-trips ("read a stored event, rewrap it
// without losing id/date") safe.
func (e DomainEvent) Input() NewEventInput {
	return NewEventInput{
		ID:              e.ID,
		Type:            e.Type,
		Subject:         e.Subject,
		Source:          e.Source,
		SpecVersion:     e.SpecVersion,
		DataContentType: e.DataContentType,
		Date:            e.Date,
		Data:            e.Data,
		Metadata:        e.Metadata,
		Extensions:      e.Extensions,
	}
}

// ToCloudEvent converts e to a github.com/cloudevents/sdk-go/v2 event,
// primarily so callers can run e through the SDK's own CloudEvents-1.0
// conformance validation rather than this package re-implementing it.
func (e DomainEvent) ToCloudEvent() (cloudevents.Event, error) {
	ce := cloudevents.NewEvent(e.SpecVersion)
	ce.SetID(e.ID)
	ce.SetType(e.Type)
	ce.SetSource(e.Source)
	ce.SetExtension("subject", e.Subject)
	ce.SetTime(e.Date)
	if len(e.Data) > 0 {
		if err := ce.SetData(e.DataContentType, json.RawMessage(e.Data)); err != nil {
			return cloudevents.Event{}, fmt.Errorf("set cloudevents data: %w", err)
		}
	}
	for k, v := range e.Metadata {
		ce.SetExtension("metadata_"+k, v)
	}
	for k, v := range e.Extensions {
		ce.SetExtension(k, v)
	}
	return ce, nil
}

// FromCloudEvent validates ce against the CloudEvents-1.0 spec via the
// SDK and converts it into a DomainEvent, the inverse of ToCloudEvent: the
// "subject" extension becomes Subject, "metadata_"-prefixed extensions are
// restored into Metadata, and every other extension is preserved in
// Extensions so the pair round-trips without loss.
func FromCloudEvent(ce cloudevents.Event) (DomainEvent, error) {
	if err := ce.Validate(); err != nil {
		return DomainEvent{}, fmt.Errorf("invalid cloudevent: %w", err)
	}
	exts := ce.Extensions()
	subj, ok := exts["subject"].(string)
	if !ok || subj == "" {
		return DomainEvent{}, fmt.Errorf("cloudevent missing subject extension: %w", errs.ErrInvalidSubjectFormat)
	}

	var metadata map[string]any
	var extensions map[string]any
	for k, v := range exts {
		switch {
		case k == "subject":
			continue
		case strings.HasPrefix(k, "metadata_"):
			if metadata == nil {
				metadata = make(map[string]any)
			}
			metadata[strings.TrimPrefix(k, "metadata_")] = v
		default:
			if extensions == nil {
				extensions = make(map[string]any)
			}
			extensions[k] = v
		}
	}

	var date time.Time
	if t := ce.Time(); !t.IsZero() {
		date = t
	}

	return New(NewEventInput{
		ID:              ce.ID(),
		Type:            ce.Type(),
		Subject:         subj,
		Source:          ce.Source(),
		SpecVersion:     ce.SpecVersion(),
		DataContentType: ce.DataContentType(),
		Date:            date,
		Data:            ce.Data(),
		Metadata:        metadata,
		Extensions:      extensions,
	})
}

// StreamGroup is one bucket of GroupByStreamSubject's result: the events
// in a batch that target a single stream subject, in caller order.
type StreamGroup struct {
	Subject subject.StreamSubject
	Events  []DomainEvent
}

// EventsHaveSameStreamSubject reports whether every event in events
// resolves to the same stream subject. It fails if events is empty.
func EventsHaveSameStreamSubject(events []DomainEvent) (bool, error) {
	if len(events) == 0 {
		return false, fmt.Errorf("cannot compare stream subjects of an empty batch: %w", errs.ErrEmptyBatch)
	}
	first, err := events[0].StreamSubject()
	if err != nil {
		return false, err
	}
	for _, e := range events[1:] {
		ss, err := e.StreamSubject()
		if err != nil {
			return false, err
		}
		if ss != first {
			return false, nil
		}
	}
	return true, nil
}

// AssertSingleStreamSubject is the precondition guard for an optimized
// single-stream append: a caller that already knows every event in events
// targets the same stream can skip the general grouping path, but only
// once this guard confirms the promise holds. It returns that common
// stream subject, or ErrMixedStreamBatch if the batch spans more than one.
func AssertSingleStreamSubject(events []DomainEvent) (subject.StreamSubject, error) {
	same, err := EventsHaveSameStreamSubject(events)
	if err != nil {
		return "", err
	}
	if !same {
		return "", fmt.Errorf("batch of %d events: %w", len(events), errs.ErrMixedStreamBatch)
	}
	return events[0].StreamSubject()
}

// GroupByStreamSubject partitions events into ordered buckets by stream
// subject. The returned slice preserves first-appearance order of stream
// subjects, and each bucket preserves caller order within itself: a slice
// of buckets standing in for an order-preserving map.
func GroupByStreamSubject(events []DomainEvent) ([]StreamGroup, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot group an empty batch: %w", errs.ErrEmptyBatch)
	}

	index := make(map[subject.StreamSubject]int)
	var groups []StreamGroup
	for _, e := range events {
		ss, err := e.StreamSubject()
		if err != nil {
			return nil, err
		}
		if i, ok := index[ss]; ok {
			groups[i].Events = append(groups[i].Events, e)
			continue
		}
		index[ss] = len(groups)
		groups = append(groups, StreamGroup{Subject: ss, Events: []DomainEvent{e}})
	}
	return groups, nil
}
