package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "sudooom.im.convsync/pkg/errors"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	var got []string
	unsubscribe, err := bus.Subscribe("ping", func(data []byte) {
		got = append(got, string(data))
	})
	require.NoError(t, err)

	assert.Equal(t, 1, bus.Publish("ping", []byte("a")))
	assert.Equal(t, 0, bus.Publish("other", []byte("b")))

	require.NoError(t, unsubscribe())
	assert.Equal(t, 0, bus.Subscribers("ping"))
	bus.Publish("ping", []byte("c"))

	assert.Equal(t, []string{"a"}, got)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	_, err := bus.Subscribe("ping", func([]byte) {})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	assert.Equal(t, 0, bus.Publish("ping", nil))

	_, err = bus.Subscribe("ping", func([]byte) {})
	assert.True(t, apperrors.Is(err, apperrors.ErrTransportClosed))
}
