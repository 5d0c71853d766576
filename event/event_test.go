package event_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vorfall/errs"
	"vorfall/event"
)

func TestNewAppliesDefaults(t *testing.T) {
	e, err := event.New(event.NewEventInput{
		Type:    "veranstaltung.erstellt",
		Subject: "veranstaltung/123/erstellt",
		Data:    json.RawMessage(`{"test":"data"}`),
	})
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, event.DefaultSource, e.Source)
	assert.Equal(t, event.SpecVersion, e.SpecVersion)
	assert.Equal(t, event.DefaultDataContentType, e.DataContentType)
	assert.False(t, e.Date.IsZero())
}

func TestNewRoundTripPreservesFields(t *testing.T) {
	original, err := event.New(event.NewEventInput{
		Type:     "veranstaltung.erstellt",
		Subject:  "veranstaltung/123/erstellt",
		Data:     json.RawMessage(`{"test":"data"}`),
		Metadata: map[string]any{"trace": "abc"},
	})
	require.NoError(t, err)

	rewrapped, err := event.New(original.Input())
	require.NoError(t, err)

	assert.Equal(t, original.ID, rewrapped.ID)
	assert.Equal(t, original.Date, rewrapped.Date)
	assert.Equal(t, original.Type, rewrapped.Type)
	assert.Equal(t, original.Subject, rewrapped.Subject)
	assert.Equal(t, original.Data, rewrapped.Data)
	assert.Equal(t, original.Metadata, rewrapped.Metadata)
}

func TestNewCallerFieldsOverrideDefaults(t *testing.T) {
	fixedID := "11111111-1111-1111-1111-111111111111"
	fixedDate := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	e, err := event.New(event.NewEventInput{
		ID:      fixedID,
		Type:    "veranstaltung.erstellt",
		Subject: "veranstaltung/123/erstellt",
		Date:    fixedDate,
		Source:  "custom-source",
	})
	require.NoError(t, err)

	assert.Equal(t, fixedID, e.ID)
	assert.Equal(t, fixedDate, e.Date)
	assert.Equal(t, "custom-source", e.Source)
}

func TestNewRejectsInvalidSubject(t *testing.T) {
	_, err := event.New(event.NewEventInput{Type: "x", Subject: ""})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidSubjectFormat))
}

func TestEventsHaveSameStreamSubject(t *testing.T) {
	e1, err := event.New(event.NewEventInput{Type: "a", Subject: "user/123/created"})
	require.NoError(t, err)
	e2, err := event.New(event.NewEventInput{Type: "b", Subject: "user/123/updated"})
	require.NoError(t, err)
	e3, err := event.New(event.NewEventInput{Type: "c", Subject: "user/456/created"})
	require.NoError(t, err)

	same, err := event.EventsHaveSameStreamSubject([]event.DomainEvent{e1, e2})
	require.NoError(t, err)
	assert.True(t, same)

	same, err = event.EventsHaveSameStreamSubject([]event.DomainEvent{e1, e3})
	require.NoError(t, err)
	assert.False(t, same)

	_, err = event.EventsHaveSameStreamSubject(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrEmptyBatch))
}

func TestGroupByStreamSubjectPreservesOrder(t *testing.T) {
	subjects := []string{"user/123/created", "user/456/created", "user/123/updated"}
	var events []event.DomainEvent
	for _, s := range subjects {
		e, err := event.New(event.NewEventInput{Type: "t", Subject: s})
		require.NoError(t, err)
		events = append(events, e)
	}

	groups, err := event.GroupByStreamSubject(events)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	assert.Equal(t, "user/123", groups[0].Subject.String())
	assert.Len(t, groups[0].Events, 2)
	assert.Equal(t, "user/456", groups[1].Subject.String())
	assert.Len(t, groups[1].Events, 1)
}

func TestGroupByStreamSubjectRejectsEmptyBatch(t *testing.T) {
	_, err := event.GroupByStreamSubject(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrEmptyBatch))
}

func TestAssertSingleStreamSubjectReturnsCommonSubject(t *testing.T) {
	e1, err := event.New(event.NewEventInput{Type: "a", Subject: "user/123/created"})
	require.NoError(t, err)
	e2, err := event.New(event.NewEventInput{Type: "b", Subject: "user/123/updated"})
	require.NoError(t, err)

	ss, err := event.AssertSingleStreamSubject([]event.DomainEvent{e1, e2})
	require.NoError(t, err)
	assert.Equal(t, "user/123", ss.String())
}

func TestAssertSingleStreamSubjectRejectsMixedBatch(t *testing.T) {
	e1, err := event.New(event.NewEventInput{Type: "a", Subject: "user/123/created"})
	require.NoError(t, err)
	e2, err := event.New(event.NewEventInput{Type: "c", Subject: "user/456/created"})
	require.NoError(t, err)

	_, err = event.AssertSingleStreamSubject([]event.DomainEvent{e1, e2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrMixedStreamBatch))
}

func TestMarshalJSONFlattensExtensions(t *testing.T) {
	e, err := event.New(event.NewEventInput{
		Type:       "veranstaltung.erstellt",
		Subject:    "veranstaltung/123/erstellt",
		Extensions: map[string]any{"traceparent": "00-abc-01"},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var obj map[string]any
	require.NoError(t, json.Unmarshal(raw, &obj))
	assert.Equal(t, "00-abc-01", obj["traceparent"])
	assert.NotContains(t, obj, "extensions")
}

func TestUnmarshalJSONRestoresExtensions(t *testing.T) {
	raw := []byte(`{
		"id": "1", "type": "t", "subject": "user/123/created", "source": "s",
		"specversion": "1.0", "datacontenttype": "application/json",
		"date": "2024-01-01T00:00:00Z", "traceparent": "00-abc-01"
	}`)

	var e event.DomainEvent
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, map[string]any{"traceparent": "00-abc-01"}, e.Extensions)
}

func TestJSONRoundTripPreservesExtensions(t *testing.T) {
	original, err := event.New(event.NewEventInput{
		Type:       "veranstaltung.erstellt",
		Subject:    "veranstaltung/123/erstellt",
		Extensions: map[string]any{"traceparent": "00-abc-01"},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(original)
	require.NoError(t, err)

	var rewrapped event.DomainEvent
	require.NoError(t, json.Unmarshal(raw, &rewrapped))
	assert.Equal(t, original.Extensions, rewrapped.Extensions)
}

func TestCloudEventRoundTripPreservesMetadataAndExtensions(t *testing.T) {
	original, err := event.New(event.NewEventInput{
		Type:       "veranstaltung.erstellt",
		Subject:    "veranstaltung/123/erstellt",
		Metadata:   map[string]any{"trace": "abc"},
		Extensions: map[string]any{"traceparent": "00-abc-01"},
	})
	require.NoError(t, err)

	ce, err := original.ToCloudEvent()
	require.NoError(t, err)

	rewrapped, err := event.FromCloudEvent(ce)
	require.NoError(t, err)

	assert.Equal(t, original.Metadata, rewrapped.Metadata)
	assert.Equal(t, original.Extensions, rewrapped.Extensions)
}
