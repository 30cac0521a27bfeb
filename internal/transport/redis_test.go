package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisBusRequiresAddress(t *testing.T) {
	_, err := NewRedisBus(RedisBusConfig{Addrs: []string{" "}})
	assert.Error(t, err)
}

func TestRedisBusChannelNaming(t *testing.T) {
	bus, err := NewRedisBus(RedisBusConfig{Addr: "127.0.0.1:6379"})
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, "ensemble:session:abc", bus.channel("session:abc"))

	custom, err := NewRedisBus(RedisBusConfig{Addr: "127.0.0.1:6379", ChannelPrefix: "studio"})
	require.NoError(t, err)
	defer custom.Close()
	assert.Equal(t, "studio:session:abc", custom.channel("session:abc"))
}

func TestRedisBusRejectsEmptyTopic(t *testing.T) {
	bus, err := NewRedisBus(RedisBusConfig{Addr: "127.0.0.1:6379"})
	require.NoError(t, err)
	defer bus.Close()

	assert.ErrorIs(t, bus.Publish(context.Background(), "", nil), ErrInvalidTopic)
	_, err = bus.Subscribe(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}
