package registration

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// FrameHandler is called for every frame received over MQTT.
// Parameters: topic, rawPayload, decoded frame, decode error
type FrameHandler func(topic string, rawPayload []byte, frame PointCloud, err error)

// MQTTClient manages the MQTT connection and the frame subscription
type MQTTClient struct {
	client       mqtt.Client
	config       *Config
	frameHandler FrameHandler
	log          *zap.SugaredLogger
	isConnected  bool
	mu           sync.RWMutex
}

// InitMQTT creates an MQTT client for the configured broker and starts
// connecting in the background. Environment overrides must already be
// applied to config. If no broker is configured, MQTT is disabled and this
// returns nil.
func InitMQTT(config *Config, handler FrameHandler, log *zap.SugaredLogger) (*MQTTClient, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if config == nil || config.MQTT.Broker == "" {
		log.Info("[MQTT] disabled: no broker configured")
		return nil, nil
	}
	if config.MQTT.FrameTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but no frame topic configured")
	}

	client := &MQTTClient{
		config:       config,
		frameHandler: handler,
		log:          log,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.MQTT.Broker)

	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = "pcreg"
	}
	opts.SetClientID(clientID)

	if config.MQTT.Username != "" {
		opts.SetUsername(config.MQTT.Username)
		opts.SetPassword(config.MQTT.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false) // Preserve subscriptions on reconnect
	// frames must be registered in arrival order
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		c.log.Info("[MQTT] connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				c.log.Info("[MQTT] connected")
				c.setConnected(true)
				return
			}
			c.log.Warnf("[MQTT] connection failed: %v", token.Error())
		} else {
			c.log.Warn("[MQTT] connection timeout")
		}

		c.log.Infof("[MQTT] retrying connection in %v", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the frame topic whenever the connection is established
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.config.MQTT.FrameTopic
	c.log.Infof("[MQTT] subscribing to %s", topic)
	token := client.Subscribe(topic, 1, c.createMessageHandler())
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		c.log.Errorf("[MQTT] subscribing to %s: %v", topic, token.Error())
		return
	}
	c.log.Infof("[MQTT] subscribed to %s", topic)
}

// onConnectionLost is called when the MQTT connection is lost
// Auto-reconnect is enabled, so this is typically a transient event
func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	c.log.Warnf("[MQTT] connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	c.log.Info("[MQTT] reconnecting...")
}

// createMessageHandler decodes frame payloads and forwards them
func (c *MQTTClient) createMessageHandler() mqtt.MessageHandler {
	return func(client mqtt.Client, msg mqtt.Message) {
		payload := msg.Payload()
		c.log.Debugf("[MQTT] frame on %s (%d bytes)", msg.Topic(), len(payload))

		frame, err := DecodeFrame(payload, c.config)
		if err != nil {
			c.log.Warnf("[MQTT] decoding frame from %s: %v", msg.Topic(), err)
		}
		if c.frameHandler != nil {
			c.frameHandler(msg.Topic(), payload, frame, err)
		}
	}
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.log.Info("[MQTT] disconnecting from broker...")
		c.client.Disconnect(250) // 250ms quiesce time
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock creates an MQTTClient with a provided mqtt.Client
// This is used for testing with mock clients
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler FrameHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		frameHandler: handler,
		log:          zap.NewNop().Sugar(),
	}
}
