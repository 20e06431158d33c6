package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandler struct {
	mu     sync.Mutex
	topics []string
	err    error
}

func (h *fakeHandler) HandleJSON(_ context.Context, topic string, _ []byte, _ ...HandleOption) (Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.topics = append(h.topics, topic)
	if h.err != nil {
		return ResultIgnored, h.err
	}
	return ResultWritten, nil
}

func TestMQTTConfig_Defaults(t *testing.T) {
	cfg := MQTTConfig{Broker: "tcp://broker:1883"}.withDefaults()

	assert.Equal(t, []string{"#"}, cfg.Topics)
	assert.Equal(t, "rollupd", cfg.ClientIDPrefix)
	assert.EqualValues(t, 30, cfg.KeepAlive)
	assert.Equal(t, time.Second, cfg.MinBackoff)
	assert.Equal(t, time.Minute, cfg.MaxBackoff)

	cfg = MQTTConfig{Topics: []string{"u4/#"}, KeepAlive: 10}.withDefaults()
	assert.Equal(t, []string{"u4/#"}, cfg.Topics)
	assert.EqualValues(t, 10, cfg.KeepAlive)
}

func TestSubscriber_Dispatch(t *testing.T) {
	h := &fakeHandler{}
	s := NewSubscriber(MQTTConfig{}, h, nil)

	s.dispatch(context.Background(), "u4/302/co2", []byte(`{"value": 410}`))
	h.err = errors.New("bad payload")
	s.dispatch(context.Background(), "u4/302/co2", []byte(`nope`))

	assert.Equal(t, []string{"u4/302/co2", "u4/302/co2"}, h.topics)
}

func TestSubscriber_BadBrokerURL(t *testing.T) {
	s := NewSubscriber(MQTTConfig{Broker: "://broker"}, &fakeHandler{}, nil)

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker url")
}

func TestSubscriber_StopsOnCancel(t *testing.T) {
	// Nothing listens on this port, so every session fails and the
	// subscriber keeps backing off until the context ends.
	s := NewSubscriber(MQTTConfig{
		Broker:     "tcp://127.0.0.1:1",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	}, &fakeHandler{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}
