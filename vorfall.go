// Package vorfall is the facade for the event-sourcing library: it owns
// Config, dials the document database, and wires the projection registry
// and structured logger into a single *store.EventStore handle. Callers
// that want the sub-packages directly (subject, event, filter, command)
// can still import them individually.
package vorfall

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vorfall/command"
	"vorfall/errs"
	"vorfall/event"
	"vorfall/projection"
	"vorfall/store"
)

// DefaultSource mirrors event.DefaultSource so callers configuring
// vorfall.Config don't need to import the event package just for this
// constant.
const DefaultSource = event.DefaultSource

// Re-exported sentinel errors and orchestrator types, so a caller that
// only imports the root package still has the full public surface.
var (
	ErrInvalidSubjectFormat      = errs.ErrInvalidSubjectFormat
	ErrEmptyBatch                = errs.ErrEmptyBatch
	ErrMixedStreamBatch          = errs.ErrMixedStreamBatch
	ErrInvalidEntity             = errs.ErrInvalidEntity
	ErrInvalidHandlerResult      = errs.ErrInvalidHandlerResult
	ErrStorageError              = errs.ErrStorageError
	ErrUpsertUnexpectedlyMissing = errs.ErrUpsertUnexpectedlyMissing
)

type (
	// StreamDeclaration aliases command.StreamDeclaration.
	StreamDeclaration = command.StreamDeclaration
	// HandlerFunc aliases command.HandlerFunc.
	HandlerFunc = command.HandlerFunc
	// AppendResult aliases store.AppendResult.
	AppendResult = store.AppendResult
)

// HandleCommand re-exports command.HandleCommand against an EventStore
// obtained from New, so callers don't need to import the command package
// for the common case.
func HandleCommand(ctx context.Context, es *store.EventStore, streams []StreamDeclaration, cmd any, handler HandlerFunc) (AppendResult, error) {
	return command.HandleCommand(ctx, es, streams, cmd, handler)
}

// Config configures New. Zero-value fields fall back to their defaults:
// DatabaseName to "default", MaxRetries to 3, RetryDelayMs to 1000.
type Config struct {
	ConnectionString string
	DatabaseName     string
	Projections      []projection.Definition
	MaxRetries       int
	RetryDelayMs     int
	Logger           *zerolog.Logger
}

func (c Config) databaseName() string {
	if c.DatabaseName == "" {
		return "default"
	}
	return c.DatabaseName
}

func (c Config) maxRetries() int {
	if c.MaxRetries <= 0 {
		return 3
	}
	return c.MaxRetries
}

func (c Config) retryDelayMs() int {
	if c.RetryDelayMs <= 0 {
		return 1000
	}
	return c.RetryDelayMs
}

func (c Config) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// New dials MongoDB with a bounded linear-backoff retry loop: maxRetries
// attempts, delay retryDelayMs*attempt between attempts, then wires the
// projection registry and structured logger into a *store.EventStore.
// This is connection-setup-only recovery; transient transaction errors
// during normal operation are retried by the driver's own session
// machinery, not by this loop.
func New(ctx context.Context, cfg Config) (*store.EventStore, error) {
	log := cfg.logger()

	client, err := dialWithRetry(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	registry := projection.NewRegistry(cfg.Projections)
	return store.New(client, cfg.databaseName(), registry, log), nil
}

func dialWithRetry(ctx context.Context, cfg Config, log zerolog.Logger) (*mongo.Client, error) {
	maxRetries := cfg.maxRetries()
	delay := cfg.retryDelayMs()

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.ConnectionString))
		if err == nil {
			if err = client.Ping(ctx, nil); err == nil {
				log.Info().Int("attempt", attempt).Msg("connected to event store backend")
				return client, nil
			}
			_ = client.Disconnect(ctx)
		}

		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("maxRetries", maxRetries).Msg("event store connection attempt failed")

		if attempt == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial event store: %w: %v", errs.ErrStorageError, ctx.Err())
		case <-time.After(time.Duration(delay*attempt) * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("dial event store after %d attempts: %w: %v", maxRetries, errs.ErrStorageError, lastErr)
}
