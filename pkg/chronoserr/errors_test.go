package chronoserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorWrappingAndIs(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New(KindStorageTransient, "blob.PutRaw", cause).WithContext("users", "abc123")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob.PutRaw")
	assert.Contains(t, err.Error(), "users")
	assert.Contains(t, err.Error(), "abc123")
	assert.True(t, errors.Is(err, cause) || errors.Unwrap(err) == cause)
	assert.True(t, errors.Is(err, ErrStorageTransient))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestIsKind(t *testing.T) {
	err := New(KindOptimisticLock, "engine.Update", nil)
	assert.True(t, IsKind(err, KindOptimisticLock))
	assert.False(t, IsKind(err, KindValidation))
	assert.False(t, IsKind(fmt.Errorf("plain"), KindValidation))
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind      Kind
		retryable bool
	}{
		{KindStorageTransient, true},
		{KindDocCommit, true},
		{KindLockConflict, true},
		{KindStoragePermanent, false},
		{KindValidation, false},
		{KindNotFound, false},
		{KindOptimisticLock, false},
		{KindRouteMismatch, false},
		{KindExternalization, false},
		{KindIntegrity, false},
	}
	for _, c := range cases {
		err := New(c.kind, "op", nil)
		assert.Equal(t, c.retryable, IsRetryable(err), "kind=%s", c.kind)
	}
	assert.False(t, IsRetryable(errors.New("not ours")))
}
