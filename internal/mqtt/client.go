package mqtt

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jkaberg/ev-charging-manager/internal/config"
)

const (
	AvailabilityOnline  = "online"
	AvailabilityOffline = "offline"

	opTimeout = config.MQTTTimeout
)

// Handler receives the topic and raw payload of an inbound message.
type Handler func(topic string, payload []byte)

// Client wraps the paho client with the bridge's topic layout. Subscriptions
// are remembered and restored after every reconnect since sessions are clean.
type Client struct {
	client    mqtt.Client
	baseTopic string
	logger    *logrus.Logger

	mu   sync.Mutex
	subs map[string]Handler
}

// NewClient connects to the broker behind mqttURL (ws, wss, mqtt or mqtts).
// The broker publishes "offline" on <baseTopic>/availability if the process
// drops off without saying goodbye.
func NewClient(mqttURL, baseTopic string, logger *logrus.Logger) (*Client, error) {
	parsedURL, err := url.Parse(mqttURL)
	if err != nil {
		return nil, fmt.Errorf("invalid MQTT URL: %w", err)
	}

	opts := mqtt.NewClientOptions()
	brokerURL, secure, err := brokerAddress(parsedURL, mqttURL)
	if err != nil {
		return nil, err
	}
	if secure {
		// self-signed certs are common on home brokers
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	c := &Client{
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		logger:    logger,
		subs:      make(map[string]Handler),
	}

	clientID := fmt.Sprintf("evcm-%s", uuid.NewString()[:8])
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(1 * time.Second)
	opts.SetConnectTimeout(opTimeout)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetWill(c.AvailabilityTopic(), AvailabilityOffline, 1, true)

	if parsedURL.User != nil {
		password, _ := parsedURL.User.Password()
		opts.SetUsername(parsedURL.User.Username())
		opts.SetPassword(password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.WithError(err).Warn("MQTT connection lost")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Debug("MQTT reconnecting...")
	})

	firstConnect := true
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		if firstConnect {
			logger.Debug("MQTT connected")
			firstConnect = false
			return
		}
		logger.Info("MQTT reconnected")
		go c.resubscribe()
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	logger.WithFields(logrus.Fields{
		"broker":    cleanURL(mqttURL),
		"protocol":  parsedURL.Scheme,
		"client_id": clientID,
	}).Info("MQTT client connected")

	return c, nil
}

// brokerAddress maps the user-facing scheme to the one paho expects and
// reports whether TLS is involved.
func brokerAddress(parsed *url.URL, raw string) (string, bool, error) {
	switch parsed.Scheme {
	case "ws":
		return raw, false, nil
	case "wss":
		return raw, true, nil
	case "mqtt":
		return strings.Replace(raw, "mqtt://", "tcp://", 1), false, nil
	case "mqtts":
		return strings.Replace(raw, "mqtts://", "ssl://", 1), true, nil
	default:
		return "", false, fmt.Errorf("unsupported protocol scheme: %s (supported: ws, wss, mqtt, mqtts)", parsed.Scheme)
	}
}

// Publish publishes payload with QoS 1.
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	token := c.client.Publish(topic, 1, retained, payload)
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("publish to topic %s timed out after %s", topic, opTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.logger.WithFields(logrus.Fields{
		"topic":    topic,
		"size":     len(payload),
		"retained": retained,
	}).Debug("Published MQTT message")
	return nil
}

// Subscribe registers handler for topic (wildcards allowed).
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()
	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, 1, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(opTimeout) {
		return fmt.Errorf("subscribe to topic %s timed out after %s", topic, opTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, token.Error())
	}

	c.logger.WithField("topic", topic).Debug("Subscribed to MQTT topic")
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			c.logger.WithError(err).WithField("topic", topic).Warn("Failed to restore MQTT subscription")
		}
	}
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Disconnect disconnects the client
func (c *Client) Disconnect(quiesce uint) {
	c.client.Disconnect(quiesce)
	c.logger.Debug("MQTT client disconnected")
}

// BaseTopic returns the root all bridge topics live under.
func (c *Client) BaseTopic() string {
	return c.baseTopic
}

// AvailabilityTopic returns the bridge-wide availability topic.
func (c *Client) AvailabilityTopic() string {
	return c.baseTopic + "/availability"
}

// PublishAvailability publishes the retained bridge availability.
func (c *Client) PublishAvailability(online bool) error {
	status := AvailabilityOffline
	if online {
		status = AvailabilityOnline
	}
	return c.Publish(c.AvailabilityTopic(), []byte(status), true)
}

// cleanURL removes credentials from URL for logging
func cleanURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if parsed.User != nil {
		parsed.User = url.UserPassword("***", "***")
	}
	return parsed.String()
}

// BuildCleanTopic joins parts into a lower-case topic without wildcard
// characters or spaces.
func BuildCleanTopic(parts ...string) string {
	cleanParts := make([]string, 0, len(parts))
	for _, part := range parts {
		clean := strings.ReplaceAll(part, " ", "_")
		clean = strings.ReplaceAll(clean, "+", "plus")
		clean = strings.ReplaceAll(clean, "#", "hash")
		cleanParts = append(cleanParts, strings.ToLower(clean))
	}
	return strings.Join(cleanParts, "/")
}
