package thingsboard

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// paho3Conn is an MQTT v3.1.1 connection backed by Eclipse Paho.
type paho3Conn struct {
	client mqtt.Client
}

// DialMQTT311 connects with MQTT v3.1.1. Paho's own reconnect logic is
// disabled; the session manager decides when to open a new connection.
func DialMQTT311(ctx context.Context, ep Endpoint, deliver DeliverFunc) (Conn, error) {
	ep = ep.withDefaults()

	scheme := "tcp://"
	if ep.TLS {
		scheme = "ssl://"
	}

	opts := mqtt.NewClientOptions().
		AddBroker(scheme + ep.Address()).
		SetClientID(ep.ClientID).
		SetUsername(ep.Token).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(ep.ConnectTimeout).
		SetKeepAlive(ep.KeepAlive).
		SetOrderMatters(false).
		SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
			deliver(msg.Topic(), msg.Payload())
		})
	if ep.TLS {
		opts.SetTLSConfig(ep.tlsConfig())
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect(), ep.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", ep.Address(), err)
	}
	return &paho3Conn{client: client}, nil
}

func (c *paho3Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := waitToken(ctx, c.client.Publish(topic, 1, false, payload), 0); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers no per-topic callback, so messages flow through
// the default publish handler.
func (c *paho3Conn) Subscribe(ctx context.Context, filter string) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	if err := waitToken(ctx, c.client.Subscribe(filter, 1, nil), 0); err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	return nil
}

func (c *paho3Conn) IsOpen() bool { return c.client.IsConnectionOpen() }

func (c *paho3Conn) Close(ctx context.Context) error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}

// waitToken waits for a Paho token to complete, for ctx, or for the
// optional timeout, whichever comes first.
func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer:
		return fmt.Errorf("timed out after %v", timeout)
	}
}
