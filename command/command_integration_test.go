//go:build integration

// Exercises HandleCommand end to end against a real MongoDB replica set.
// Run with:
//
//	MONGODB_URI="mongodb://localhost:27017/?replicaSet=rs0" go test -tags=integration ./command/...
package command_test

import (
	"context"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vorfall/command"
	"vorfall/event"
	"vorfall/projection"
	"vorfall/store"
)

func connectOrSkip(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("MONGODB_URI not set; skipping transactional integration test")
	}
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	return client
}

type accountState struct {
	Balance int
}

func TestIntegrationHandleCommandFoldsDeclaredStreamsAndAppends(t *testing.T) {
	client := connectOrSkip(t)
	es := store.New(client, "vorfall_test_command", projection.NewRegistry(nil), zerolog.Nop())

	seed, err := event.New(event.NewEventInput{Type: "account.credited", Subject: "account/1/credited"})
	require.NoError(t, err)
	_, err = es.AppendOrCreateStream(context.Background(), []event.DomainEvent{seed})
	require.NoError(t, err)

	decl := command.StreamDeclaration{
		StreamSubject: "account/1",
		InitialState:  func() any { return accountState{} },
		Evolve: func(state any, e event.DomainEvent) any {
			s, _ := state.(accountState)
			if e.Type == "account.credited" {
				s.Balance++
			}
			return s
		},
	}

	handler := func(_ context.Context, _ any, states map[string]any) (any, error) {
		s, _ := states["account/1"].(accountState)
		require.Equal(t, 1, s.Balance)
		return event.New(event.NewEventInput{Type: "account.debited", Subject: "account/1/debited"})
	}

	result, err := command.HandleCommand(context.Background(), es, []command.StreamDeclaration{decl}, "withdraw", handler)
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalEventsAppended)

	events, exists, err := es.ReadStream(context.Background(), "account/1")
	require.NoError(t, err)
	require.True(t, exists)
	require.Len(t, events, 2)
	require.Equal(t, "account.debited", events[1].Type)
}
