package mqtt

import (
	"errors"
	"testing"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"elm327-scanner/bus"
	"elm327-scanner/common"
)

// MockMQTTClient подменяет клиент paho
type MockMQTTClient struct {
	mock.Mock
}

func (m *MockMQTTClient) IsConnected() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) IsConnectionOpen() bool {
	return m.Called().Bool(0)
}

func (m *MockMQTTClient) Connect() mqttLib.Token {
	return m.Called().Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Disconnect(quiesce uint) {
	m.Called(quiesce)
}

func (m *MockMQTTClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token {
	return m.Called(topic, qos, retained, payload).Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) mqttLib.Token {
	return m.Called(topic, qos, mock.Anything).Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) SubscribeMultiple(filters map[string]byte, callback mqttLib.MessageHandler) mqttLib.Token {
	return m.Called(filters).Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) Unsubscribe(topics ...string) mqttLib.Token {
	return m.Called(topics).Get(0).(mqttLib.Token)
}

func (m *MockMQTTClient) AddRoute(topic string, callback mqttLib.MessageHandler) {
	m.Called(topic)
}

func (m *MockMQTTClient) OptionsReader() mqttLib.ClientOptionsReader {
	return mqttLib.ClientOptionsReader{}
}

// mockToken представляет уже завершенный токен
type mockToken struct {
	err error
}

func (t *mockToken) Wait() bool                     { return true }
func (t *mockToken) WaitTimeout(time.Duration) bool { return true }
func (t *mockToken) Error() error                   { return t.err }

func (t *mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 1 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

func newMockedClient() (*Client, *MockMQTTClient) {
	config := DefaultConfig()
	config.CommandTopic = "garage/command"
	config.DataTopic = "garage/diag"
	c := NewClient(config, &fakeScanner{}, bus.New(4, false))
	m := &MockMQTTClient{}
	c.mqttClient = m
	return c, m
}

func TestMQTTPublish(t *testing.T) {
	c, m := newMockedClient()
	m.On("IsConnected").Return(true)
	m.On("Publish", "garage/diag/state", byte(1), true, []byte(`{}`)).Return(&mockToken{})

	assert.NoError(t, c.mqttPublish("garage/diag/state", true, []byte(`{}`)))
	m.AssertExpectations(t)
}

func TestMQTTPublishError(t *testing.T) {
	c, m := newMockedClient()
	m.On("IsConnected").Return(true)
	m.On("Publish", "t", byte(1), false, mock.Anything).Return(&mockToken{err: errors.New("broker gone")})

	err := c.mqttPublish("t", false, []byte("x"))
	assert.ErrorContains(t, err, "broker gone")
}

func TestMQTTPublishDisconnected(t *testing.T) {
	c, m := newMockedClient()
	m.On("IsConnected").Return(false)

	assert.ErrorIs(t, c.mqttPublish("t", false, nil), common.ErrNotConnected)
	m.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOnConnectSubscribesRequests(t *testing.T) {
	c, m := newMockedClient()
	m.On("Subscribe", "garage/command/+/request", byte(1), mock.Anything).Return(&mockToken{})

	c.onConnectHandler(m)
	m.AssertExpectations(t)
}

func TestOnCommandReceivedQueues(t *testing.T) {
	c, m := newMockedClient()

	c.onCommandReceived(m, &mockMessage{topic: "garage/command/r9/request", payload: []byte(`{"scan":{"scanType":"full"}}`)})

	select {
	case req := <-c.requests:
		assert.Equal(t, "r9", req.requestID)
		assert.Equal(t, "r9", req.msg.CorrelationID)
	default:
		t.Fatal("Expected request to be queued")
	}
}
