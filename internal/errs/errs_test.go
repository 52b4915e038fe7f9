package errs

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	err := New(KindValidation, "missing device_id")
	assert.Equal(t, KindValidation, KindOf(err))

	// 包装后类别仍可提取
	wrapped := fmt.Errorf("processing failed: %w", err)
	assert.Equal(t, KindValidation, KindOf(wrapped))

	// 普通错误视为 upstream
	assert.Equal(t, KindUpstream, KindOf(errors.New("boom")))
}

func TestWrap_Unwrap(t *testing.T) {
	inner := errors.New("connection refused")
	err := Wrap(KindUpstream, "failed to call provider", inner)

	assert.Contains(t, err.Error(), "failed to call provider")
	assert.Contains(t, err.Error(), "connection refused")
	assert.True(t, errors.Is(err, inner))
}

func TestRateLimited_RetryAfter(t *testing.T) {
	err := RateLimited("quota exceeded", 42*time.Second)

	assert.Equal(t, KindRateLimit, KindOf(err))
	assert.Equal(t, 42*time.Second, RetryAfterOf(err))

	// 非限流错误不携带 retry-after
	assert.Equal(t, time.Duration(0), RetryAfterOf(New(KindAuth, "bad secret")))
}

func TestIsKind(t *testing.T) {
	assert.True(t, IsKind(New(KindNotFound, "no patient for device"), KindNotFound))
	assert.False(t, IsKind(New(KindNotFound, "no patient for device"), KindValidation))
}
