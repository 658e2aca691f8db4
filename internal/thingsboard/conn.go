package thingsboard

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Endpoint identifies the broker and the device credentials.
type Endpoint struct {
	Server string
	Port   int
	// Token is the device access token, sent as the MQTT username.
	Token    string
	ClientID string
	TLS      bool
	// ConnectTimeout bounds dialing and the MQTT handshake
	// (default: 10s).
	ConnectTimeout time.Duration
	// KeepAlive is the MQTT keep-alive interval (default: 60s).
	KeepAlive time.Duration
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Server, strconv.Itoa(e.Port))
}

func (e Endpoint) withDefaults() Endpoint {
	if e.ConnectTimeout <= 0 {
		e.ConnectTimeout = 10 * time.Second
	}
	if e.KeepAlive <= 0 {
		e.KeepAlive = 60 * time.Second
	}
	return e
}

func (e Endpoint) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: e.Server,
		MinVersion: tls.VersionTLS12,
	}
}

// Conn is one open MQTT connection. Implementations must be safe for
// concurrent use.
type Conn interface {
	// Publish sends payload at QoS 1 and waits for the broker's
	// acknowledgement or ctx.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe subscribes to a topic filter at QoS 1.
	Subscribe(ctx context.Context, filter string) error
	// IsOpen reports whether the connection is still usable.
	IsOpen() bool
	// Close disconnects from the broker.
	Close(ctx context.Context) error
}

// DeliverFunc receives every inbound message. It is called on the MQTT
// library's goroutines and must not block.
type DeliverFunc func(topic string, payload []byte)

// Dialer opens a connection to ep and routes inbound messages to
// deliver.
type Dialer func(ctx context.Context, ep Endpoint, deliver DeliverFunc) (Conn, error)

// DialerFor returns the dialer for a protocol name: "mqtt311" or
// "mqtt5".
func DialerFor(protocol string) (Dialer, error) {
	switch protocol {
	case "", "mqtt311":
		return DialMQTT311, nil
	case "mqtt5":
		return DialMQTT5, nil
	default:
		return nil, fmt.Errorf("unknown mqtt protocol %q", protocol)
	}
}
