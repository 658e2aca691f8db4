package thingsboard

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/eclipse/paho.golang/paho"
)

// paho5Conn is an MQTT v5 connection backed by Eclipse Paho v2.
type paho5Conn struct {
	client *paho.Client
	open   atomic.Bool
}

// DialMQTT5 connects with MQTT v5. There is no automatic reconnect:
// the session manager decides when to open a new connection.
func DialMQTT5(ctx context.Context, ep Endpoint, deliver DeliverFunc) (Conn, error) {
	ep = ep.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, ep.ConnectTimeout)
	defer cancel()

	var netConn net.Conn
	var err error
	if ep.TLS {
		d := tls.Dialer{Config: ep.tlsConfig()}
		netConn, err = d.DialContext(dialCtx, "tcp", ep.Address())
	} else {
		var d net.Dialer
		netConn, err = d.DialContext(dialCtx, "tcp", ep.Address())
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ep.Address(), err)
	}

	c := &paho5Conn{}
	c.client = paho.NewClient(paho.ClientConfig{
		ClientID: ep.ClientID,
		Conn:     netConn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				deliver(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError:      func(error) { c.open.Store(false) },
		OnServerDisconnect: func(*paho.Disconnect) { c.open.Store(false) },
	})

	ack, err := c.client.Connect(dialCtx, &paho.Connect{
		KeepAlive:    uint16(ep.KeepAlive.Seconds()),
		ClientID:     ep.ClientID,
		CleanStart:   true,
		Username:     ep.Token,
		UsernameFlag: ep.Token != "",
	})
	if err != nil {
		netConn.Close()
		if ack != nil {
			return nil, fmt.Errorf("mqtt connect refused (reason %d): %w", ack.ReasonCode, err)
		}
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	c.open.Store(true)
	return c, nil
}

func (c *paho5Conn) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.open.Load() {
		return ErrNotConnected
	}
	if _, err := c.client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     1,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (c *paho5Conn) Subscribe(ctx context.Context, filter string) error {
	if !c.open.Load() {
		return ErrNotConnected
	}
	ack, err := c.client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: filter, QoS: 1}},
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", filter, err)
	}
	if ack != nil && len(ack.Reasons) > 0 && ack.Reasons[0] >= 0x80 {
		return fmt.Errorf("subscribe %s: refused (reason %d)", filter, ack.Reasons[0])
	}
	return nil
}

func (c *paho5Conn) IsOpen() bool { return c.open.Load() }

func (c *paho5Conn) Close(ctx context.Context) error {
	if !c.open.Swap(false) {
		return nil
	}
	err := c.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	return nil
}
