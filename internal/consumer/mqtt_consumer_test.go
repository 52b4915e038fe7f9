package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/MatthewSnow2/parra-kind-connect-local-sub005/internal/ingest"
)

type fakeNormalizer struct {
	envelopes []*ingest.Envelope
}

func (f *fakeNormalizer) ProcessEnvelope(ctx context.Context, env *ingest.Envelope) (*ingest.Result, error) {
	cp := *env
	f.envelopes = append(f.envelopes, &cp)
	return &ingest.Result{Outcome: ingest.OutcomeAccepted}, nil
}

func newTestConsumer() (*SensorConsumer, *fakeNormalizer) {
	n := &fakeNormalizer{}
	c := NewSensorConsumer(nil, n, "sensor/+/+", 1, time.Second, zap.NewNop())
	return c, n
}

func TestHandleMessage_TopicOnly(t *testing.T) {
	c, n := newTestConsumer()

	err := c.handleMessage("sensor/motion/dev-1", nil)

	require.NoError(t, err)
	require.Len(t, n.envelopes, 1)
	assert.Equal(t, "motion", n.envelopes[0].DeviceType)
	assert.Equal(t, "dev-1", n.envelopes[0].DeviceID)
}

func TestHandleMessage_PayloadSupplements(t *testing.T) {
	c, n := newTestConsumer()

	err := c.handleMessage("sensor/presence/dev-2",
		[]byte(`{"detected": false, "detail": "bedroom"}`))

	require.NoError(t, err)
	require.Len(t, n.envelopes, 1)
	env := n.envelopes[0]
	assert.Equal(t, "presence", env.DeviceType)
	require.NotNil(t, env.Detected)
	assert.False(t, *env.Detected)
	assert.Equal(t, "bedroom", env.Detail)
}

func TestHandleMessage_InvalidTopic(t *testing.T) {
	c, n := newTestConsumer()

	tests := []string{
		"sensor/motion",
		"sensor/motion/dev-1/extra",
		"other/motion/dev-1",
		"sensor//dev-1",
	}

	for _, topic := range tests {
		err := c.handleMessage(topic, nil)
		assert.Error(t, err, topic)
	}
	assert.Empty(t, n.envelopes)
}

func TestHandleMessage_MalformedPayload(t *testing.T) {
	c, n := newTestConsumer()

	err := c.handleMessage("sensor/motion/dev-1", []byte(`{broken`))

	assert.Error(t, err)
	assert.Empty(t, n.envelopes)
}
