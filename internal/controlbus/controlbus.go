// Package controlbus implements the gateway's durable MQTT client: topic
// subscription/routing for device control messages and the two outbound
// publish targets (device, companion app). Grounded on
// github.com/eclipse/paho.mqtt.golang, the broker library attested across
// the retrieval pack's MQTT-facing manifests.
package controlbus

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/toybridge/gateway/internal/config"
)

const (
	topicHelloFilter    = "devices/+/hello"
	topicDataFilter     = "devices/+/data"
	topicFirehose       = "internal/server-ingest"
	devicePublishPrefix = "devices/p2p/"
	appPublishPrefix    = "app/p2p/"

	minReconnectBackoff = time.Second
	defaultQoS          = byte(0)
)

// Client is a durable, auto-reconnecting broker client with topic routing
// into a Handlers implementation.
type Client struct {
	mq       mqtt.Client
	handlers Handlers
	log      *zap.SugaredLogger
}

// New builds a Client and wires its subscriptions, but does not connect yet.
func New(cfg config.MQTTBrokerConfig, clientID string, handlers Handlers, log *zap.SugaredLogger) *Client {
	log = log.Named("controlbus")

	c := &Client{handlers: handlers, log: log}

	keepAlive := time.Duration(cfg.KeepAlive) * time.Second
	if keepAlive <= 0 {
		keepAlive = 60 * time.Second
	}
	connectTimeout := time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	reconnectPeriod := time.Duration(cfg.ReconnectPeriod) * time.Millisecond
	if reconnectPeriod < minReconnectBackoff {
		reconnectPeriod = minReconnectBackoff
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("%s://%s:%d", cfg.Protocol, cfg.Host, cfg.Port)).
		SetClientID(clientID).
		SetKeepAlive(keepAlive).
		SetCleanSession(cfg.Clean).
		SetConnectTimeout(connectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(reconnectPeriod).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost)

	c.mq = mqtt.NewClient(opts)
	return c
}

// Connect blocks until the initial connection succeeds or fails.
func (c *Client) Connect() error {
	token := c.mq.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("controlbus: connect: %w", err)
	}
	return nil
}

// Disconnect gracefully tears down the broker connection, waiting up to
// quiesce for in-flight work to drain.
func (c *Client) Disconnect(quiesce uint) {
	c.mq.Disconnect(quiesce)
}

func (c *Client) onConnect(mq mqtt.Client) {
	c.log.Info("connected to broker, subscribing")
	subs := map[string]mqtt.MessageHandler{
		topicHelloFilter: c.onHello,
		topicDataFilter:  c.onData,
		topicFirehose:    c.onFirehose,
	}
	for topic, handler := range subs {
		token := mq.Subscribe(topic, defaultQoS, handler)
		token.Wait()
		if err := token.Error(); err != nil {
			c.log.Errorw("subscribe failed", "topic", topic, "error", err)
		}
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warnw("broker connection lost, reconnecting", "error", err)
}

// clientIDFromTopic extracts the "devices/<id>/..." segment.
func clientIDFromTopic(topic string) (ClientID, error) {
	// topic is "devices/<full client id>/hello" or ".../data"; the id
	// itself may contain slashes is not expected (group@@@mac@@@uuid uses
	// @@@ separators), so splitting on "/" at positions [1] is safe.
	parts := splitTopic(topic)
	if len(parts) < 3 {
		return ClientID{}, fmt.Errorf("controlbus: unexpected topic shape %q", topic)
	}
	return ParseClientID(parts[1])
}

func splitTopic(topic string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(topic); i++ {
		if topic[i] == '/' {
			parts = append(parts, topic[start:i])
			start = i + 1
		}
	}
	parts = append(parts, topic[start:])
	return parts
}

func (c *Client) onHello(_ mqtt.Client, msg mqtt.Message) {
	id, err := clientIDFromTopic(msg.Topic())
	if err != nil {
		c.log.Warnw("dropping hello on unparseable topic", "topic", msg.Topic(), "error", err)
		return
	}
	c.dispatch(id, msg.Payload())
}

func (c *Client) onData(_ mqtt.Client, msg mqtt.Message) {
	id, err := clientIDFromTopic(msg.Topic())
	if err != nil {
		c.log.Warnw("dropping data message on unparseable topic", "topic", msg.Topic(), "error", err)
		return
	}
	c.dispatch(id, msg.Payload())
}

func (c *Client) onFirehose(_ mqtt.Client, msg mqtt.Message) {
	var fh Firehose
	if err := json.Unmarshal(msg.Payload(), &fh); err != nil {
		c.log.Warnw("dropping malformed firehose message", "error", err)
		return
	}
	id, err := ParseClientID(fh.SenderClientID)
	if err != nil {
		c.log.Warnw("dropping firehose message with unparseable sender", "sender", fh.SenderClientID, "error", err)
		return
	}
	c.dispatch(id, fh.OrginalPayload)
}

// dispatch type-switches a raw inner payload to the matching Handlers
// method. Unknown types are logged and dropped, per spec.
func (c *Client) dispatch(id ClientID, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warnw("dropping malformed control message", "mac", id.CanonicalMac(), "error", err)
		return
	}

	switch env.Type {
	case "hello":
		var m HelloIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleHello(id, m)
		}
	case "goodbye":
		var m GoodbyeIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleGoodbye(id, m)
		}
	case "abort":
		var m AbortIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleAbort(id, m)
		}
	case "listen":
		var m ListenIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleListen(id, m)
		}
	case "mode-change":
		var m ModeChangeIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleModeChange(id, m)
		}
	case "character-change":
		var m CharacterChangeIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleCharacterChange(id, m)
		}
	case "set_listening_mode":
		var m SetListeningModeIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleSetListeningMode(id, m)
		}
	case "playback_control":
		var m PlaybackControlIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandlePlaybackControl(id, m)
		}
	case "function_call":
		var m FunctionCallIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleFunctionCall(id, m)
		}
	case "mcp":
		var m McpIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleMcp(id, m)
		}
	case "start_greeting":
		var m StartGreetingIn
		if c.unmarshalOrDrop(id, raw, &m) {
			c.handlers.HandleStartGreeting(id, m)
		}
	default:
		c.log.Warnw("dropping unknown control message type", "mac", id.CanonicalMac(), "type", env.Type)
		c.handlers.HandleUnknown(id, env.Type, raw)
	}
}

func (c *Client) unmarshalOrDrop(id ClientID, raw []byte, v interface{}) bool {
	if err := json.Unmarshal(raw, v); err != nil {
		c.log.Warnw("dropping malformed control message", "mac", id.CanonicalMac(), "error", err)
		return false
	}
	return true
}

// PublishToDevice sends payload (marshaled to JSON) to a specific device's
// p2p topic.
func (c *Client) PublishToDevice(fullClientID string, payload interface{}) error {
	return c.publish(devicePublishPrefix+fullClientID, payload)
}

// PublishToApp notifies a companion app keyed by the device's canonical mac.
func (c *Client) PublishToApp(mac string, payload interface{}) error {
	return c.publish(appPublishPrefix+mac, payload)
}

func (c *Client) publish(topic string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("controlbus: marshal payload for %s: %w", topic, err)
	}
	token := c.mq.Publish(topic, defaultQoS, false, body)
	token.Wait()
	if err := token.Error(); err != nil {
		return fmt.Errorf("controlbus: publish %s: %w", topic, err)
	}
	return nil
}
