package registration

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mockToken is an already completed mqtt.Token
type mockToken struct{ err error }

func (t mockToken) Wait() bool                     { return true }
func (t mockToken) WaitTimeout(time.Duration) bool { return true }
func (t mockToken) Error() error                   { return t.err }
func (t mockToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// MockMessage records one Publish call
type MockMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MockClient is an in-memory mqtt.Client covering the calls MQTTClient and
// Publisher make. The remaining interface methods panic.
type MockClient struct {
	mqtt.Client

	mu             sync.RWMutex
	connected      bool
	publishError   error
	subscribeError error
	onConnect      mqtt.OnConnectHandler
	handlers       map[string]mqtt.MessageHandler
	published      []MockMessage
}

func NewMockClient() *MockClient {
	return &MockClient{handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *MockClient) SetConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *MockClient) SetPublishError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishError = err
}

func (c *MockClient) SetSubscribeError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribeError = err
}

// SetOnConnect registers a handler run synchronously by Connect
func (c *MockClient) SetOnConnect(h mqtt.OnConnectHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = h
}

func (c *MockClient) GetPublishedMessages() []MockMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]MockMessage(nil), c.published...)
}

// SimulateMessage delivers payload to the handler subscribed to topic, if any
func (c *MockClient) SimulateMessage(topic string, payload []byte) {
	c.mu.RLock()
	handler := c.handlers[topic]
	c.mu.RUnlock()
	if handler != nil {
		handler(c, mockMessage{topic: topic, payload: payload})
	}
}

func (c *MockClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

func (c *MockClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	onConnect := c.onConnect
	c.mu.Unlock()

	if onConnect != nil {
		onConnect(c)
	}
	return mockToken{}
}

func (c *MockClient) Disconnect(uint) {
	c.SetConnected(false)
}

func (c *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return mockToken{mqtt.ErrNotConnected}
	}
	if c.publishError != nil {
		return mockToken{c.publishError}
	}
	b, _ := payload.([]byte)
	c.published = append(c.published, MockMessage{Topic: topic, Payload: b, QoS: qos, Retain: retained})
	return mockToken{}
}

func (c *MockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return mockToken{mqtt.ErrNotConnected}
	}
	if c.subscribeError != nil {
		return mockToken{c.subscribeError}
	}
	c.handlers[topic] = callback
	return mockToken{}
}

// mockMessage carries only a topic and payload
type mockMessage struct {
	mqtt.Message
	topic   string
	payload []byte
}

func (m mockMessage) Topic() string   { return m.topic }
func (m mockMessage) Payload() []byte { return m.payload }
