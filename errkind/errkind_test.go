package errkind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_UnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindTransport, "connect failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connect failed: boom", err.Error())
}

func TestError_MessageOnlyWithoutCause(t *testing.T) {
	err := New(KindCache, "index missing", nil)
	assert.Equal(t, "index missing", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestNew_ProtocolKindIsNotRecoverable(t *testing.T) {
	err := New(KindProtocol, "bad frame", ErrMalformedFrame)
	assert.False(t, err.Recoverable)
}

func TestNew_OtherKindsAreRecoverableByDefault(t *testing.T) {
	err := New(KindTransport, "disconnected", ErrTransportClosed)
	assert.True(t, err.Recoverable)
}

func TestWithRetryAfter(t *testing.T) {
	err := New(KindOverlay, "rate limited", ErrRateLimited).WithRetryAfter(30)
	assert.Equal(t, 30, err.RetryAfterSec)
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	assert.NotErrorIs(t, ErrTransportClosed, ErrTransportTimeout)
	assert.False(t, errors.Is(ErrPublishRejected, ErrPublishTimeout))
}
