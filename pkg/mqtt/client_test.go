package mqtt

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingListener struct {
	mu   sync.Mutex
	errs []string
}

func (l *recordingListener) OnConnect(reconnect bool)         {}
func (l *recordingListener) OnOffline(err error)              {}
func (l *recordingListener) OnMessage(topic string, p []byte) {}

func (l *recordingListener) OnError(op string, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, op)
	l.mu.Unlock()
}

func newDisconnectedClient(t *testing.T) (*Client, *recordingListener) {
	c, err := NewClient(&ClientOptions{Servers: []string{"tcp://localhost:1883"}}, zap.NewNop())
	require.NoError(t, err)

	l := &recordingListener{}
	c.AddListener(l)
	return c, l
}

func TestPublishFailsFastWhenNotConnected(t *testing.T) {
	c, l := newDisconnectedClient(t)

	err := c.Publish("devices/room1/command/onoff", []byte(`{"state":true}`))
	assert.ErrorIs(t, err, ErrNotConnected)

	// The same failure reaches passive listeners.
	assert.Equal(t, []string{"publish"}, l.errs)
}

func TestSubscribeFailsFastWhenNotConnected(t *testing.T) {
	c, l := newDisconnectedClient(t)

	err := c.Subscribe("devices/room1/status/onoff")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, []string{"subscribe"}, l.errs)
}

func TestSubscribeEmptyIsNoop(t *testing.T) {
	c, l := newDisconnectedClient(t)

	require.NoError(t, c.Subscribe())
	assert.Empty(t, l.errs)
}

func TestUnsubscribeClearsBookkeepingWithoutConnection(t *testing.T) {
	c, _ := newDisconnectedClient(t)

	c.mu.Lock()
	c.subs["devices/room1/status/onoff"] = DefaultQoS
	c.mu.Unlock()

	require.NoError(t, c.Unsubscribe("devices/room1/status/onoff"))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Empty(t, c.subs)
}

func TestIsConnectedBeforeConnect(t *testing.T) {
	c, _ := newDisconnectedClient(t)
	assert.False(t, c.IsConnected())
}
