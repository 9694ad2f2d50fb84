package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIOError(t *testing.T) {
	underlying := errors.New("disk full")
	err := NewIOError("write", "/tmp/run.0", underlying)

	assert.Equal(t, KindIO, err.Kind())
	require.True(t, errors.Is(err, underlying))
	assert.Contains(t, err.Error(), "/tmp/run.0")
	assert.Equal(t, -5, Errno(err))
}

func TestCorruptError(t *testing.T) {
	err := NewCorruptError("merge.select", "decreasing docno in same-term group", nil)
	assert.Equal(t, KindCorrupt, err.Kind())
	assert.Equal(t, -22, Errno(err))
}

func TestResourceError(t *testing.T) {
	err := NewResourceError("pyramid.buffer.partition", "ENOMEM", 64)
	assert.Equal(t, KindResource, err.Kind())
	assert.Equal(t, -12, Errno(err))

	emfile := NewResourceError("fdpool.pin", "EMFILE", 1)
	assert.Equal(t, -24, Errno(emfile))
}

func TestInvalidStateError(t *testing.T) {
	err := NewInvalidStateError("pyramid.add", "finished")
	assert.Equal(t, KindInvalidState, err.Kind())
	assert.Equal(t, -22, Errno(err))
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("freemap.allocAt", "fileno=3 offset=1024")
	assert.Equal(t, KindNotFound, err.Kind())
	assert.Equal(t, -2, Errno(err))
}

func TestMultiError(t *testing.T) {
	me := NewMultiError([]error{nil, errors.New("a"), nil, errors.New("b")})
	assert.Equal(t, 2, len(me.Errors))
	assert.Contains(t, me.Error(), "2 errors")

	one := NewMultiError([]error{errors.New("solo")})
	assert.Equal(t, "solo", one.Error())

	none := NewMultiError(nil)
	assert.Equal(t, "no errors", none.Error())
}

func TestKindOfUnknown(t *testing.T) {
	assert.Equal(t, KindIO, KindOf(errors.New("plain")))
}
