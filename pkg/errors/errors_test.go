package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := ErrStaleVersion.WithDetail("latest", "5")
	wrapped := fmt.Errorf("compile: %w", err)

	assert.True(t, errors.Is(wrapped, ErrStaleVersion))
	assert.False(t, errors.Is(wrapped, ErrCompilation))
	assert.Equal(t, "5", FromError(wrapped).Details["latest"])
}

func TestError_WithDetailDoesNotMutateOriginal(t *testing.T) {
	_ = ErrNotFound.WithDetail("id", "x")
	assert.Nil(t, ErrNotFound.Details)
}

func TestKind(t *testing.T) {
	tests := []struct {
		err       *Error
		kind      Kind
		status    int
		retryable bool
	}{
		{ErrInvalidRequest, KindInvalid, http.StatusBadRequest, false},
		{ErrUnknownJurisdiction, KindInvalid, http.StatusBadRequest, false},
		{ErrNotFound, KindNotFound, http.StatusNotFound, false},
		{ErrConflict, KindConflict, http.StatusConflict, true},
		{ErrStaleVersion, KindConflict, http.StatusConflict, true},
		{ErrCompilation, KindRejected, http.StatusUnprocessableEntity, false},
		{ErrUnresolvableOverlap, KindRejected, http.StatusConflict, false},
		{ErrStorageUnavailable, KindUnavailable, http.StatusServiceUnavailable, true},
		{ErrPublishFailed, KindUnavailable, http.StatusServiceUnavailable, true},
		{ErrTimeout, KindTimeout, http.StatusGatewayTimeout, true},
		{ErrInternal, KindInternal, http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Code, func(t *testing.T) {
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.Equal(t, tt.status, tt.err.Status())
			assert.Equal(t, tt.retryable, tt.err.Retryable())
		})
	}
}

func TestWithStatus_KeepsKind(t *testing.T) {
	err := ErrCompilation.WithStatus(http.StatusBadRequest)
	assert.Equal(t, http.StatusBadRequest, err.Status())
	assert.Equal(t, KindRejected, err.Kind)
	assert.Equal(t, http.StatusUnprocessableEntity, ErrCompilation.Status())
}

func TestWrap_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(ErrStorageUnavailable, cause)

	assert.True(t, errors.Is(err, cause))
	assert.True(t, err.Retryable())
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Stack, "TestWrap_KeepsCause")
	assert.NotContains(t, err.Stack, "pkg/errors/errors.go")
}

func TestWrapf_AppendsContext(t *testing.T) {
	err := Wrapf(ErrStorageUnavailable, errors.New("duplicate key"), "%s v%d", "ob-1", 2)
	assert.Equal(t, "存储不可用: ob-1 v2", err.Message)
	assert.Equal(t, "存储不可用", ErrStorageUnavailable.Message)
	assert.Contains(t, err.Stack, "TestWrapf_AppendsContext")
}

func TestMarshalJSON(t *testing.T) {
	data, err := json.Marshal(ErrStaleVersion.WithDetail("latest", "3"))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"code": "STALE_VERSION",
		"message": "义务版本已过期",
		"kind": "conflict",
		"retryable": true,
		"details": {"latest": "3"}
	}`, string(data))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindUnavailable, KindOf(fmt.Errorf("store: %w", Wrap(ErrStorageUnavailable, errors.New("timeout")))))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, "unavailable", KindUnavailable.String())
	assert.Equal(t, "kind(42)", Kind(42).String())
}

func TestToHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, ToHTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, ToHTTPStatus(ErrUnknownJurisdiction))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(errors.New("boom")))
	assert.Equal(t, http.StatusConflict, ToHTTPStatus(fmt.Errorf("x: %w", ErrStaleVersion)))
}

func TestFromError_WrapsPlainErrors(t *testing.T) {
	assert.Nil(t, FromError(nil))
	got := FromError(errors.New("boom"))
	assert.True(t, errors.Is(got, ErrInternal))
}
