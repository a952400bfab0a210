// Package mqttdevice switches a Tasmota-style outlet over MQTT.
package mqttdevice

import (
	"fmt"
	"time"

	"outletscheduler/internal/faults"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MessageHandler receives one message from a subscription.
type MessageHandler func(topic string, payload []byte)

// Broker is the part of an MQTT client the outlet needs.
type Broker interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
}

// BrokerOptions configures the connection to the broker.
type BrokerOptions struct {
	URL            string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
}

// PahoBroker is a Broker backed by the Eclipse Paho client.
type PahoBroker struct {
	client  mqtt.Client
	url     string
	timeout time.Duration
	logger  *zap.Logger
}

var _ Broker = (*PahoBroker)(nil)

// Dial starts the session with the broker. It waits up to ConnectTimeout
// for the first connection; an unreachable broker is retried in the
// background and every call fails with faults.ErrUnreachable until then.
func Dial(opts BrokerOptions, logger *zap.Logger) (*PahoBroker, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultTimeout
	}


	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(opts.URL)
	clientOpts.SetClientID(opts.ClientID)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.SetConnectTimeout(opts.ConnectTimeout)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(30 * time.Second)
	clientOpts.SetCleanSession(true)

	logger = logger.Named("mqtt")
	clientOpts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("Connection to broker lost", zap.Error(err))
	})

	clientOpts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", opts.URL))
	})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		logger.Warn("MQTT broker not reachable yet, retrying in background",
			zap.String("broker", opts.URL),
			zap.Duration("waited", opts.ConnectTimeout))
	} else if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return &PahoBroker{
		client:  client,
		url:     opts.URL,
		timeout: opts.ConnectTimeout,
		logger:  logger,
	}, nil
}

// Connected reports whether the session is currently up.
func (b *PahoBroker) Connected() bool {
	return b.client.IsConnectionOpen()
}

func (b *PahoBroker) ready() error {
	if !b.client.IsConnectionOpen() {
		return fmt.Errorf("MQTT broker %s: %w", b.url, faults.ErrUnreachable)
	}
	return nil
}

func (b *PahoBroker) wait(token mqtt.Token, op string) error {
	if !token.WaitTimeout(b.timeout) {
		return fmt.Errorf("%s timed out after %s: %w", op, b.timeout, faults.ErrUnreachable)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

// Subscribe subscribes handler to topic
func (b *PahoBroker) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := b.ready(); err != nil {
		return err
	}
	token := b.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return b.wait(token, "subscribe to topic "+topic)
}

// Publish publishes payload to topic and waits for the broker to accept it
func (b *PahoBroker) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if err := b.ready(); err != nil {
		return err
	}
	return b.wait(b.client.Publish(topic, qos, retained, payload), "publish to topic "+topic)
}

// Unsubscribe removes subscriptions
func (b *PahoBroker) Unsubscribe(topics ...string) error {
	if err := b.ready(); err != nil {
		return err
	}
	return b.wait(b.client.Unsubscribe(topics...), "unsubscribe")
}

// Disconnect closes the session, waiting up to 250ms for in-flight work
func (b *PahoBroker) Disconnect() {
	b.client.Disconnect(250)
}
