package feed

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 0 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type recordingUpdater struct {
	mu      sync.Mutex
	records []map[string]any
}

func (u *recordingUpdater) UpdateData(values map[string]any) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.records = append(u.records, values)
	return len(values)
}

func TestNewSubscriberDefaults(t *testing.T) {
	s := NewSubscriber(Config{Broker: "tcp://localhost:1883"}, &recordingUpdater{})
	assert.Equal(t, DefaultTopic, s.cfg.Topic)
	assert.NotZero(t, s.cfg.KeepAlive)
}

func TestHandleMessageAppliesRecord(t *testing.T) {
	u := &recordingUpdater{}
	s := NewSubscriber(Config{}, u)

	s.HandleMessage(nil, fakeMessage{
		topic:   DefaultTopic,
		payload: []byte(`{"Total_active_power": 480.2, "Frequency": 50, "status": true}`),
	})

	require.Len(t, u.records, 1)
	rec := u.records[0]
	assert.Equal(t, json.Number("480.2"), rec["Total_active_power"])
	assert.Equal(t, json.Number("50"), rec["Frequency"])
	assert.Equal(t, true, rec["status"])

	received, rejected := s.Stats()
	assert.Equal(t, uint64(1), received)
	assert.Equal(t, uint64(0), rejected)
}

func TestHandleMessageDropsMalformed(t *testing.T) {
	u := &recordingUpdater{}
	s := NewSubscriber(Config{}, u)

	for _, payload := range []string{`not json`, `[1, 2]`, `null`} {
		s.HandleMessage(nil, fakeMessage{topic: DefaultTopic, payload: []byte(payload)})
	}

	assert.Empty(t, u.records)
	received, rejected := s.Stats()
	assert.Equal(t, uint64(3), received)
	assert.Equal(t, uint64(3), rejected)
}

func TestStopWithoutStart(t *testing.T) {
	s := NewSubscriber(Config{}, &recordingUpdater{})
	assert.NotPanics(t, s.Stop)
}
