package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot with its id and timestamps.
type Document[T any] struct {
	ID         string
	Data       T
	CreateTime time.Time
	UpdateTime time.Time
}

// QueryBuilder refines a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection provides typed access to one top-level collection. T is the Firestore document shape,
// decoded with DataTo and encoded as-is.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed view to the named collection.
func NewCollection[T any](provider *Provider, name string) *Collection[T] {
	return &Collection[T]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[T]) Name() string { return c.name }

// Ref returns the document reference for id, for use inside transactions and batches.
func (c *Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("document"), errors.New("document id is required"))
	}
	coll, err := c.collectionRef(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

// Create writes a new document and fails with a conflict if id already exists.
func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Update applies field updates to an existing document.
func (c *Collection[T]) Update(ctx context.Context, id string, updates []firestore.Update, preconds ...firestore.Precondition) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Update(ctx, updates, preconds...); err != nil {
		return WrapError(c.op("update"), err)
	}
	return nil
}

// Get fetches and decodes a document.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return Decode[T](snap)
}

// Query runs build against the collection and decodes every result.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	var docs []Document[T]
	err := c.Each(ctx, build, func(doc Document[T]) bool {
		docs = append(docs, doc)
		return true
	})
	return docs, err
}

// First returns the first document matched by build, or a not-found error.
func (c *Collection[T]) First(ctx context.Context, build QueryBuilder) (Document[T], error) {
	docs, err := c.Query(ctx, func(q firestore.Query) firestore.Query {
		if build != nil {
			q = build(q)
		}
		return q.Limit(1)
	})
	if err != nil {
		return Document[T]{}, err
	}
	if len(docs) == 0 {
		return Document[T]{}, NotFound(c.op("query"), "no matching document")
	}
	return docs[0], nil
}

// Each streams documents matched by build until visit returns false.
func (c *Collection[T]) Each(ctx context.Context, build QueryBuilder, visit func(Document[T]) bool) error {
	coll, err := c.collectionRef(ctx)
	if err != nil {
		return err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return WrapError(c.op("query"), err)
		}
		doc, err := Decode[T](snap)
		if err != nil {
			return err
		}
		if !visit(doc) {
			return nil
		}
	}
}

// BulkCreate inserts documents through a BulkWriter. Rows fail independently; the returned map holds
// the error of each id that was not written.
func (c *Collection[T]) BulkCreate(ctx context.Context, docs map[string]T) (int, map[string]error, error) {
	if len(docs) == 0 {
		return 0, nil, nil
	}
	coll, err := c.collectionRef(ctx)
	if err != nil {
		return 0, nil, err
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return 0, nil, err
	}

	writer := client.BulkWriter(ctx)
	jobs := make(map[string]*firestore.BulkWriterJob, len(docs))
	failed := make(map[string]error)
	for id, value := range docs {
		job, err := writer.Create(coll.Doc(id), value)
		if err != nil {
			failed[id] = WrapError(c.op("bulk_create"), err)
			continue
		}
		jobs[id] = job
	}
	writer.End()

	written := 0
	for id, job := range jobs {
		if _, err := job.Results(); err != nil {
			failed[id] = WrapError(c.op("bulk_create"), err)
			continue
		}
		written++
	}
	return written, failed, nil
}

// Decode converts a snapshot into a typed document.
func Decode[T any](snap *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snap.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode document %s: %w", snap.Ref.ID, err)
	}
	return Document[T]{
		ID:         snap.Ref.ID,
		Data:       data,
		CreateTime: snap.CreateTime,
		UpdateTime: snap.UpdateTime,
	}, nil
}

func (c *Collection[T]) collectionRef(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError(c.op("collection"), errors.New("provider is nil"))
	}
	if c.name == "" {
		return nil, WrapError(c.op("collection"), errors.New("collection name is required"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

func (c *Collection[T]) op(action string) string {
	if c == nil || c.name == "" {
		return "firestore." + action
	}
	return c.name + "." + action
}
