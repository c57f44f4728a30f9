package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/gaigenticai/ComplianceAI-sub001/pkg/errors"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := DefaultRetryPolicy()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{9, 256 * time.Second},
		{10, 300 * time.Second},
		{50, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("retry_%d", tt.retry), func(t *testing.T) {
			assert.Equal(t, tt.want, p.Backoff(tt.retry))
		})
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = true
	for i := 0; i < 20; i++ {
		wait := p.Backoff(2)
		assert.GreaterOrEqual(t, wait, time.Second)
		assert.Less(t, wait, 2*time.Second)
	}
}

func TestRetryPolicy_Attempts(t *testing.T) {
	assert.Equal(t, 1, RetryPolicy{}.attempts())
	assert.Equal(t, 3, DefaultRetryPolicy().attempts())
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("network"), true},
		{"unparseable", Unparseable(errors.New("eof")), false},
		{"wrapped unparseable", fmt.Errorf("decode: %w", Unparseable(errors.New("eof"))), false},
		{"permanent", Permanent(errors.New("x")), false},
		{"deadline", context.DeadlineExceeded, true},
		{"transient app error", apperrors.ErrStorageUnavailable, true},
		{"non transient app error", apperrors.ErrCompilation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestFailureReason(t *testing.T) {
	assert.Equal(t, ReasonUnparseable, FailureReason(Unparseable(errors.New("invalid character"))))
	assert.Equal(t, "boom", FailureReason(errors.New("boom")))
	assert.Empty(t, FailureReason(nil))
}
