package hub

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOutboundOfferAndClose(t *testing.T) {
	o := NewOutbound(2)

	assert.NoError(t, o.Offer([]byte("a")))
	assert.NoError(t, o.Offer([]byte("b")))
	assert.ErrorIs(t, o.Offer([]byte("c")), ErrOutboundFull)
	assert.Equal(t, 2, o.Len())

	assert.True(t, o.Close())
	assert.False(t, o.Close(), "second close is a no-op")
	assert.ErrorIs(t, o.Offer([]byte("d")), ErrOutboundClosed)

	assert.Equal(t, []byte("a"), <-o.C())
	assert.Equal(t, []byte("b"), <-o.C())
	_, ok := <-o.C()
	assert.False(t, ok)
}

func TestNewOutboundMinimumSize(t *testing.T) {
	o := NewOutbound(0)
	assert.NoError(t, o.Offer([]byte("x")))
	assert.ErrorIs(t, o.Offer([]byte("y")), ErrOutboundFull)
}
