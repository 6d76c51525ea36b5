package firestore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrapErrorClassifiesGRPCCodes(t *testing.T) {
	cases := []struct {
		code                            codes.Code
		notFound, conflict, unavailable bool
	}{
		{code: codes.NotFound, notFound: true},
		{code: codes.AlreadyExists, conflict: true},
		{code: codes.Aborted, conflict: true},
		{code: codes.FailedPrecondition, conflict: true},
		{code: codes.Unavailable, unavailable: true},
		{code: codes.ResourceExhausted, unavailable: true},
		{code: codes.PermissionDenied},
	}
	for _, tc := range cases {
		t.Run(tc.code.String(), func(t *testing.T) {
			err := WrapError("orders.get", status.Error(tc.code, "x"))
			var classified *Error
			require.ErrorAs(t, err, &classified)
			assert.Equal(t, tc.notFound, classified.IsNotFound())
			assert.Equal(t, tc.conflict, classified.IsConflict())
			assert.Equal(t, tc.unavailable, classified.IsUnavailable())
			assert.Contains(t, err.Error(), "orders.get")
		})
	}
}

func TestWrapErrorPassesContextErrors(t *testing.T) {
	assert.Nil(t, WrapError("op", nil))
	assert.Equal(t, context.Canceled, WrapError("op", status.Error(codes.Canceled, "gone")))
	assert.Equal(t, context.DeadlineExceeded, WrapError("op", status.Error(codes.DeadlineExceeded, "slow")))

	wrapped := fmt.Errorf("outer: %w", context.Canceled)
	assert.Same(t, wrapped, WrapError("op", wrapped))
}

func TestWrapErrorKeepsExistingClassification(t *testing.T) {
	inner := NotFound("", "product %s", "abc")
	outer := fmt.Errorf("tx: %w", inner)

	err := WrapError("transaction", outer)
	var classified *Error
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.IsNotFound())
	assert.Equal(t, "transaction", classified.op)
}

func TestWrapErrorPreservesCallerSentinels(t *testing.T) {
	sentinel := errors.New("forbidden")
	err := WrapError("transaction", fmt.Errorf("guard: %w", sentinel))
	assert.ErrorIs(t, err, sentinel)
}

func TestConflictIsClassified(t *testing.T) {
	err := Conflict("orders.update", "order %s refused", "o1")
	var classified *Error
	require.ErrorAs(t, err, &classified)
	assert.True(t, classified.IsConflict())
	assert.False(t, classified.IsNotFound())
	assert.Equal(t, "orders.update: order o1 refused", err.Error())

	// a later wrap keeps the conflict kind
	require.ErrorAs(t, WrapError("transaction", err), &classified)
	assert.True(t, classified.IsConflict())
}
