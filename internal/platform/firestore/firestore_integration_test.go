//go:build integration

package firestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pfirestore "github.com/grocery-backoffice/api/internal/platform/firestore"
	"github.com/grocery-backoffice/api/internal/platform/firestore/firestoretest"
)

type shelf struct {
	Name  string `firestore:"name"`
	Count int    `firestore:"count"`
}

func TestCollectionAgainstEmulator(t *testing.T) {
	provider := firestoretest.Start(t, "platform-test")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shelves := pfirestore.NewCollection[shelf](provider, "shelves")

	require.NoError(t, shelves.Create(ctx, "aisle-1", shelf{Name: "dairy", Count: 1}))

	err := shelves.Create(ctx, "aisle-1", shelf{Name: "dup"})
	var classified *pfirestore.Error
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.IsConflict(), "second create must conflict")

	require.NoError(t, shelves.Update(ctx, "aisle-1", []firestore.Update{{Path: "count", Value: firestore.Increment(2)}}))

	doc, err := shelves.Get(ctx, "aisle-1")
	require.NoError(t, err)
	assert.Equal(t, "aisle-1", doc.ID)
	assert.Equal(t, shelf{Name: "dairy", Count: 3}, doc.Data)
	assert.False(t, doc.UpdateTime.IsZero())

	_, err = shelves.Get(ctx, "missing")
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.IsNotFound())

	_, err = shelves.First(ctx, func(q firestore.Query) firestore.Query { return q.Where("name", "==", "bakery") })
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.IsNotFound())

	written, failed, err := shelves.BulkCreate(ctx, map[string]shelf{
		"aisle-2": {Name: "bakery", Count: 4},
		"aisle-1": {Name: "dup"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	require.Contains(t, failed, "aisle-1")

	first, err := shelves.First(ctx, func(q firestore.Query) firestore.Query { return q.Where("name", "==", "bakery") })
	require.NoError(t, err)
	assert.Equal(t, "aisle-2", first.ID)

	require.NoError(t, provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := shelves.Ref(ctx, "aisle-2")
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := pfirestore.Decode[shelf](snap)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{{Path: "count", Value: current.Data.Count * 10}})
	}))
	doc, err = shelves.Get(ctx, "aisle-2")
	require.NoError(t, err)
	assert.Equal(t, 40, doc.Data.Count)

	sentinel := errors.New("abort")
	err = provider.RunTransaction(ctx, func(context.Context, *firestore.Transaction) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)

	require.NoError(t, provider.Ping(ctx, "shelves"))

	cancelled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	err = provider.RunTransaction(cancelled, func(context.Context, *firestore.Transaction) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
