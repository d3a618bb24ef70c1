package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// statusError mimics driver errors carrying an HTTP status.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string   { return e.msg }
func (e *statusError) HTTPStatus() int { return e.status }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", &statusError{http.StatusUnauthorized, "bad credentials"}, ErrAuth},
		{"forbidden", &statusError{http.StatusForbidden, "no access"}, ErrAuth},
		{"conflict", &statusError{http.StatusConflict, "document update conflict"}, ErrConflict},
		{
			"network error means unreachable",
			fmt.Errorf("request: %w", &net.OpError{Op: "dial", Err: errors.New("connection refused")}),
			ErrConnection,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}

	t.Run("other statuses pass through", func(t *testing.T) {
		orig := &statusError{http.StatusNotFound, "missing"}
		assert.Equal(t, error(orig), classify(orig))
	})
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"auth never transient", fmt.Errorf("%w: denied", ErrAuth), false},
		{"connection always transient", fmt.Errorf("%w: refused", ErrConnection), true},
		{"raw dial failure", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"service unavailable", &statusError{http.StatusServiceUnavailable, "busy"}, true},
		{"too many requests", &statusError{http.StatusTooManyRequests, "slow down"}, true},
		{"gateway timeout", &statusError{http.StatusGatewayTimeout, "upstream"}, true},
		{"conflict is not transient", &statusError{http.StatusConflict, "conflict"}, false},
		{"not found is not transient", &statusError{http.StatusNotFound, "missing"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsConflict(t *testing.T) {
	assert.True(t, IsConflict(&statusError{http.StatusConflict, "document update conflict"}))
	assert.True(t, IsConflict(fmt.Errorf("%w: id=p-1", ErrConflict)))
	assert.False(t, IsConflict(&statusError{http.StatusInternalServerError, "boom"}))
	assert.False(t, IsConflict(nil))
}

func TestBulkBodyInSitu(t *testing.T) {
	w := &Writer{mode: ModeInSitu}
	op := UpdateOp{
		ID:           "patient-1",
		Rev:          "3-abc",
		Doc:          map[string]any{"FirstName": "Quentin", "Age": float64(41)},
		ChangedPaths: []string{"FirstName"},
	}

	body := w.bulkBody(op)
	assert.Equal(t, "patient-1", body["_id"])
	assert.Equal(t, "3-abc", body["_rev"])
	assert.Equal(t, "Quentin", body["FirstName"])

	// The op's document is not mutated.
	_, ok := op.Doc["_id"]
	assert.False(t, ok)
}

func TestBulkBodyOmitsEmptyRev(t *testing.T) {
	w := &Writer{mode: ModeCopy}
	body := w.bulkBody(UpdateOp{
		ID:  "patient-1",
		Doc: map[string]any{"FirstName": "Quentin"},
	})
	assert.Equal(t, "patient-1", body["_id"])
	_, ok := body["_rev"]
	assert.False(t, ok)
}

func TestCommitSkipsNoOps(t *testing.T) {
	// Every op is untouched, so the writer must return without issuing a
	// request; a nil service proves no call was attempted.
	w := &Writer{mode: ModeInSitu}
	written, err := w.Commit(context.Background(), []UpdateOp{
		{ID: "a", Rev: "1-x", Doc: map[string]any{"Name": "n"}},
		{ID: "b", Rev: "1-y", Doc: map[string]any{"Name": "m"}},
	})
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestPartialErrorMessage(t *testing.T) {
	err := &PartialError{Failed: []FailedOp{
		{Op: UpdateOp{ID: "a"}, Reason: "conflict"},
		{Op: UpdateOp{ID: "b"}, Reason: "conflict"},
	}}
	assert.Equal(t, "bulk commit: 2 document(s) failed", err.Error())
}
