// Package feed subscribes to upstream telemetry over MQTT and applies each
// record to the gateway cache.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// DefaultTopic carries normalized meter records.
const DefaultTopic = "meter/data"

// Updater applies one telemetry record keyed by field name.
type Updater interface {
	UpdateData(values map[string]any) int
}

// Config holds configuration for the MQTT subscriber
type Config struct {
	Broker    string // tcp://host:1883; empty disables the feed
	Topic     string
	ClientID  string
	Username  string
	Password  string
	QoS       byte
	KeepAlive time.Duration
}

// Subscriber feeds MQTT telemetry into an Updater. Each message payload is a
// flat JSON object of field name to number or boolean.
type Subscriber struct {
	cfg     Config
	updater Updater
	client  mqtt.Client

	received *atomic.Uint64
	rejected *atomic.Uint64
}

func NewSubscriber(cfg Config, updater Updater) *Subscriber {
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &Subscriber{
		cfg:      cfg,
		updater:  updater,
		received: atomic.NewUint64(0),
		rejected: atomic.NewUint64(0),
	}
}

// Start connects to the broker. Subscriptions are (re)established on every
// connect, so a broker restart resumes the feed.
func (s *Subscriber) Start(timeout time.Duration) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker).
		SetClientID(s.cfg.ClientID).
		SetUsername(s.cfg.Username).
		SetPassword(s.cfg.Password).
		SetKeepAlive(s.cfg.KeepAlive).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	s.client = mqtt.NewClient(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(timeout) {
		logrus.WithFields(logrus.Fields{
			"component": "feed",
			"action":    "connect",
			"broker":    s.cfg.Broker,
		}).Warn("MQTT broker not reachable yet, retrying in background")
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", s.cfg.Broker, err)
	}
	return nil
}

// Stop disconnects from the broker.
func (s *Subscriber) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	logrus.WithFields(logrus.Fields{
		"component": "feed",
		"action":    "stop",
		"received":  s.received.Load(),
		"rejected":  s.rejected.Load(),
	}).Info("MQTT feed stopped")
}

func (s *Subscriber) onConnect(c mqtt.Client) {
	token := c.Subscribe(s.cfg.Topic, s.cfg.QoS, s.HandleMessage)
	if token.Wait() && token.Error() != nil {
		logrus.WithFields(logrus.Fields{
			"component": "feed",
			"action":    "subscribe",
			"topic":     s.cfg.Topic,
			"error":     token.Error(),
		}).Error("MQTT subscribe failed")
		return
	}
	logrus.WithFields(logrus.Fields{
		"component": "feed",
		"action":    "subscribe",
		"broker":    s.cfg.Broker,
		"topic":     s.cfg.Topic,
	}).Info("Subscribed to telemetry feed")
}

func (s *Subscriber) onConnectionLost(_ mqtt.Client, err error) {
	logrus.WithFields(logrus.Fields{
		"component": "feed",
		"action":    "connection_lost",
		"broker":    s.cfg.Broker,
		"error":     err,
	}).Warn("MQTT connection lost")
}

// HandleMessage decodes one record and applies it.
func (s *Subscriber) HandleMessage(_ mqtt.Client, msg mqtt.Message) {
	s.received.Inc()
	values, err := Decode(msg.Payload())
	if err != nil {
		s.rejected.Inc()
		logrus.WithFields(logrus.Fields{
			"component": "feed",
			"action":    "decode",
			"topic":     msg.Topic(),
			"error":     err,
		}).Warn("Dropping malformed telemetry record")
		return
	}
	n := s.updater.UpdateData(values)
	logrus.WithFields(logrus.Fields{
		"component": "feed",
		"action":    "update",
		"topic":     msg.Topic(),
		"fields":    len(values),
		"updated":   n,
	}).Debug("Telemetry record applied")
}

// Decode parses a flat JSON object. Numbers stay json.Number so integer
// counters keep their precision until conversion.
func Decode(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, err
	}
	if values == nil {
		return nil, fmt.Errorf("record is not a JSON object")
	}
	return values, nil
}

// Stats returns the number of received and rejected messages.
func (s *Subscriber) Stats() (received, rejected uint64) {
	return s.received.Load(), s.rejected.Load()
}
