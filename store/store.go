// Package store implements the stream storage model and append protocol:
// reading whole streams, folding them into aggregate state, and
// atomically appending event batches across one or more streams together
// with their affected projections.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"vorfall/errs"
	"vorfall/event"
	"vorfall/filter"
	"vorfall/projection"
	"vorfall/subject"
)

// StreamMetadata tracks a stream document's creation and last-write time.
type StreamMetadata struct {
	CreatedAt time.Time `bson:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// StreamDocument is one stream's persisted representation: one document
// per stream subject per collection.
type StreamDocument struct {
	StreamID      string              `bson:"streamId"`
	StreamSubject string              `bson:"streamSubject"`
	Events        []event.DomainEvent `bson:"events"`
	Metadata      StreamMetadata      `bson:"metadata"`
	Projections   bson.M              `bson:"projections,omitempty"`
}

// AppendResult summarizes a successful AppendOrCreateStream call.
type AppendResult struct {
	Streams             []StreamDocument
	TotalEventsAppended int
	StreamSubjects      []subject.StreamSubject
}

// EventStore is the transactional, projection-aware stream store. It
// holds one logical database client; sessions are opened and closed
// within a single AppendOrCreateStream call. The only in-process state it
// shares across calls is the immutable projection registry captured at
// construction.
type EventStore struct {
	client   *mongo.Client
	db       *mongo.Database
	registry *projection.Registry
	log      zerolog.Logger
}

// New wires an EventStore around an already-connected client, the
// logical database name, and the projection registry to use for every
// append.
func New(client *mongo.Client, databaseName string, registry *projection.Registry, log zerolog.Logger) *EventStore {
	return &EventStore{
		client:   client,
		db:       client.Database(databaseName),
		registry: registry,
		log:      log.With().Str("component", "store").Logger(),
	}
}

// Close disconnects the underlying client. Calls made after Close fail
// with errs.ErrStorageError.
func (es *EventStore) Close(ctx context.Context) error {
	if err := es.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("close event store: %w: %v", errs.ErrStorageError, err)
	}
	return nil
}

// CollectionFor returns the driver handle for the collection named after
// s's first segment. Pure computation, no I/O.
func (es *EventStore) CollectionFor(s subject.Subject) (*mongo.Collection, error) {
	name, err := subject.CollectionOf(s)
	if err != nil {
		return nil, err
	}
	return es.db.Collection(name), nil
}

// ReadStream normalizes raw to its stream subject and returns the events
// stored on that stream, in stored order, with no implicit decoding. If
// the stream does not exist it returns a nil slice and exists=false, not
// an error.
func (es *EventStore) ReadStream(ctx context.Context, raw string) (events []event.DomainEvent, exists bool, err error) {
	s, err := subject.Parse(raw)
	if err != nil {
		return nil, false, err
	}
	ss, err := subject.StreamSubjectOf(s)
	if err != nil {
		return nil, false, err
	}
	coll, err := es.CollectionFor(subject.Subject(ss))
	if err != nil {
		return nil, false, err
	}

	var doc StreamDocument
	err = coll.FindOne(ctx, bson.M{"streamSubject": ss.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read stream %s: %w: %v", ss, errs.ErrStorageError, err)
	}
	return doc.Events, true, nil
}

// AggregateStream reads streamSubject and folds initialState() over its
// events with evolve. If the stream does not exist it returns
// initialState() unchanged. It is a package-level generic function
// (Go methods cannot carry their own type parameters) so that callers get
// a concretely typed aggregate instead of an opaque any.
func AggregateStream[S any](ctx context.Context, es *EventStore, streamSubject string, evolve func(S, event.DomainEvent) S, initialState func() S) (S, error) {
	state := initialState()
	events, exists, err := es.ReadStream(ctx, streamSubject)
	if err != nil {
		return state, err
	}
	if !exists {
		return state, nil
	}
	for _, e := range events {
		state = evolve(state, e)
	}
	return state, nil
}

// AppendOrCreateStream groups events by stream subject, then within a
// single database transaction upserts each stream's document with the
// new events and recomputes any projections those events affect. Either
// every stream bucket and every projection update lands, or none of them
// do.
func (es *EventStore) AppendOrCreateStream(ctx context.Context, events []event.DomainEvent) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, fmt.Errorf("appendOrCreateStream: %w", errs.ErrEmptyBatch)
	}

	groups, err := event.GroupByStreamSubject(events)
	if err != nil {
		return AppendResult{}, err
	}
	return es.appendGroups(ctx, groups)
}

// AppendSingleStream is the optimized path for a caller that already
// knows every event in events targets one stream: it skips
// GroupByStreamSubject's map bookkeeping, using AssertSingleStreamSubject
// as its precondition guard instead. The transaction it opens is the same
// shape as AppendOrCreateStream's, since a single append still does two
// writes (events, projections) that must be atomic.
func (es *EventStore) AppendSingleStream(ctx context.Context, events []event.DomainEvent) (AppendResult, error) {
	if len(events) == 0 {
		return AppendResult{}, fmt.Errorf("appendSingleStream: %w", errs.ErrEmptyBatch)
	}

	ss, err := event.AssertSingleStreamSubject(events)
	if err != nil {
		return AppendResult{}, err
	}
	return es.appendGroups(ctx, []event.StreamGroup{{Subject: ss, Events: events}})
}

// appendGroups commits groups inside a single transaction and builds the
// resulting AppendResult. Shared by AppendOrCreateStream and
// AppendSingleStream.
func (es *EventStore) appendGroups(ctx context.Context, groups []event.StreamGroup) (AppendResult, error) {
	session, err := es.client.StartSession()
	if err != nil {
		return AppendResult{}, fmt.Errorf("start session: %w: %v", errs.ErrStorageError, err)
	}
	defer session.EndSession(ctx)

	var docs []StreamDocument
	var total int
	_, err = session.WithTransaction(ctx, func(sessCtx mongo.SessionContext) (interface{}, error) {
		docs = make([]StreamDocument, 0, len(groups))
		total = 0
		for _, g := range groups {
			doc, err := es.appendToStream(sessCtx, g)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
			total += len(g.Events)
		}
		return nil, nil
	})
	if err != nil {
		es.log.Warn().Err(err).Int("streams", len(groups)).Msg("append transaction aborted")
		if errors.Is(err, errs.ErrUpsertUnexpectedlyMissing) {
			return AppendResult{}, err
		}
		return AppendResult{}, fmt.Errorf("append transaction: %w: %v", errs.ErrStorageError, err)
	}

	subjects := make([]subject.StreamSubject, 0, len(groups))
	for _, g := range groups {
		subjects = append(subjects, g.Subject)
	}

	return AppendResult{
		Streams:             docs,
		TotalEventsAppended: total,
		StreamSubjects:      subjects,
	}, nil
}

// appendToStream performs steps 3a-3d of the append algorithm for a
// single stream bucket: upsert the events, then recompute and persist any
// projections the batch's event types apply to. Runs inside the caller's
// session.
func (es *EventStore) appendToStream(ctx context.Context, g event.StreamGroup) (StreamDocument, error) {
	coll, err := es.CollectionFor(subject.Subject(g.Subject))
	if err != nil {
		return StreamDocument{}, err
	}

	now := time.Now().UTC()
	filterDoc := bson.M{"streamSubject": g.Subject.String()}
	update := bson.M{
		"$setOnInsert": bson.M{
			"streamId":           uuid.NewString(),
			"streamSubject":      g.Subject.String(),
			"metadata.createdAt": now,
		},
		"$set":  bson.M{"metadata.updatedAt": now},
		"$push": bson.M{"events": bson.M{"$each": g.Events}},
	}
	upsertOpts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc StreamDocument
	if err := coll.FindOneAndUpdate(ctx, filterDoc, update, upsertOpts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return StreamDocument{}, fmt.Errorf("upsert stream %s: %w", g.Subject, errs.ErrUpsertUnexpectedlyMissing)
		}
		return StreamDocument{}, fmt.Errorf("append to stream %s: %w: %v", g.Subject, errs.ErrStorageError, err)
	}

	types := make(map[string]struct{}, len(g.Events))
	for _, e := range g.Events {
		types[e.Type] = struct{}{}
	}
	applicable := es.registry.Applicable(types)
	if len(applicable) == 0 {
		return doc, nil
	}

	projUpdates := bson.M{}
	for _, d := range applicable {
		var prior any
		if doc.Projections != nil {
			prior = doc.Projections[d.Name]
		}
		if prior == nil {
			prior = d.InitialState()
		}
		state, err := projection.Fold(d, prior, g.Events)
		if err != nil {
			return StreamDocument{}, fmt.Errorf("evolve projection %s on stream %s: %w", d.Name, g.Subject, err)
		}
		projUpdates["projections."+d.Name] = state
	}

	projOpts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	projFilter := bson.M{"streamSubject": g.Subject.String()}
	projUpdate := bson.M{"$set": projUpdates}
	if err := coll.FindOneAndUpdate(ctx, projFilter, projUpdate, projOpts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return StreamDocument{}, fmt.Errorf("write projections for stream %s: %w", g.Subject, errs.ErrUpsertUnexpectedlyMissing)
		}
		return StreamDocument{}, fmt.Errorf("write projections for stream %s: %w: %v", g.Subject, errs.ErrStorageError, err)
	}

	return doc, nil
}

// FindOneProjectionOptions parameterizes FindOneProjection.
type FindOneProjectionOptions struct {
	ProjectionName  string
	ProjectionQuery bson.M
	MatchAll        bool
}

// FindOneProjection builds a filter matching (i) streamSubject == raw
// (dropped if MatchAll), (ii) existence of the projection's slot, and
// (iii) an optional caller filter rewritten under that slot's nested
// path. Returns the stream document, or nil if nothing matches.
func (es *EventStore) FindOneProjection(ctx context.Context, raw string, opts FindOneProjectionOptions) (bson.M, error) {
	subj, err := subject.Parse(raw)
	if err != nil {
		return nil, err
	}
	coll, err := es.CollectionFor(subj)
	if err != nil {
		return nil, err
	}

	nestedPath := "projections." + opts.ProjectionName
	f := bson.M{nestedPath: bson.M{"$exists": true}}
	if !opts.MatchAll {
		ss, err := subject.ParseStream(raw)
		if err != nil {
			return nil, err
		}
		f["streamSubject"] = ss.String()
	}
	if opts.ProjectionQuery != nil {
		for k, v := range filter.Rewrite(opts.ProjectionQuery, nestedPath) {
			f[k] = v
		}
	}

	var doc bson.M
	if err := coll.FindOne(ctx, f).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("find one projection %s: %w: %v", opts.ProjectionName, errs.ErrStorageError, err)
	}
	return doc, nil
}

// FindProjectionsOptions parameterizes FindMultipleProjections and
// CountProjections.
type FindProjectionsOptions struct {
	ProjectionName  string
	ProjectionQuery bson.M
}

// PageOptions parameterizes pagination and sorting for
// FindMultipleProjections.
type PageOptions struct {
	Skip  int64
	Limit int64
	Sort  bson.D
}

// FindMultipleProjections resolves the collection from entity (which must
// not contain a subject separator), filters on existence of the
// projection slot plus the optional rewritten query, applies pagination,
// and rewrites Sort keys the same way. Returns the projection slot values
// themselves, not the full stream documents, with nulls filtered out.
func (es *EventStore) FindMultipleProjections(ctx context.Context, entity string, proj FindProjectionsOptions, page PageOptions) ([]any, error) {
	if strings.Contains(entity, "/") {
		return nil, fmt.Errorf("entity %q: %w", entity, errs.ErrInvalidEntity)
	}
	coll := es.db.Collection(entity)

	nestedPath := "projections." + proj.ProjectionName
	f := bson.M{nestedPath: bson.M{"$exists": true}}
	if proj.ProjectionQuery != nil {
		for k, v := range filter.Rewrite(proj.ProjectionQuery, nestedPath) {
			f[k] = v
		}
	}

	findOpts := options.Find().SetProjection(bson.M{nestedPath: 1})
	if page.Skip > 0 {
		findOpts.SetSkip(page.Skip)
	}
	if page.Limit > 0 {
		findOpts.SetLimit(page.Limit)
	}
	if len(page.Sort) > 0 {
		findOpts.SetSort(filter.RewriteSort(page.Sort, nestedPath))
	}

	cur, err := coll.Find(ctx, f, findOpts)
	if err != nil {
		return nil, fmt.Errorf("find multiple projections %s: %w: %v", proj.ProjectionName, errs.ErrStorageError, err)
	}
	defer cur.Close(ctx)

	var results []any
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode projection document: %w: %v", errs.ErrStorageError, err)
		}
		slot := extractProjectionSlot(doc, proj.ProjectionName)
		if slot == nil {
			continue
		}
		results = append(results, slot)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("find multiple projections cursor: %w: %v", errs.ErrStorageError, err)
	}
	return results, nil
}

// CountProjections returns the number of stream documents matching the
// same filter shape as FindMultipleProjections, without pagination.
func (es *EventStore) CountProjections(ctx context.Context, entity string, proj FindProjectionsOptions) (int64, error) {
	if strings.Contains(entity, "/") {
		return 0, fmt.Errorf("entity %q: %w", entity, errs.ErrInvalidEntity)
	}
	coll := es.db.Collection(entity)

	nestedPath := "projections." + proj.ProjectionName
	f := bson.M{nestedPath: bson.M{"$exists": true}}
	if proj.ProjectionQuery != nil {
		for k, v := range filter.Rewrite(proj.ProjectionQuery, nestedPath) {
			f[k] = v
		}
	}

	count, err := coll.CountDocuments(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("count projections %s: %w: %v", proj.ProjectionName, errs.ErrStorageError, err)
	}
	return count, nil
}

func extractProjectionSlot(doc bson.M, name string) any {
	projections, ok := doc["projections"].(bson.M)
	if !ok {
		return nil
	}
	val, ok := projections[name]
	if !ok {
		return nil
	}
	return val
}
