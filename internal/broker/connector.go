package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strconv"
)

var ErrUnknownConnection = errors.New("unknown connection")

// Descriptor holds the endpoint parameters of one named connection.
type Descriptor struct {
	Name     string   `mapstructure:"-"`
	Kind     string   `mapstructure:"kind"`
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	VHost    string   `mapstructure:"vhost"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	Brokers  []string `mapstructure:"brokers"`
	GroupID  string   `mapstructure:"group_id"`
}

// AMQPURL renders the descriptor as an amqp:// URL.
func (d Descriptor) AMQPURL() string {
	port := d.Port
	if port == 0 {
		port = 5672
	}
	vhost := d.VHost
	if vhost == "" {
		vhost = "/"
	}
	u := url.URL{
		Scheme:  "amqp",
		Host:    net.JoinHostPort(d.Host, strconv.Itoa(port)),
		Path:    "/" + vhost,
		RawPath: "/" + url.PathEscape(vhost),
	}
	if d.User != "" {
		u.User = url.UserPassword(d.User, d.Password)
	}
	return u.String()
}

// BrokerAddrs returns the Kafka bootstrap addresses.
func (d Descriptor) BrokerAddrs() []string {
	if len(d.Brokers) > 0 {
		return d.Brokers
	}
	port := d.Port
	if port == 0 {
		port = 9092
	}
	return []string{net.JoinHostPort(d.Host, strconv.Itoa(port))}
}

func (d Descriptor) Validate() error {
	switch d.Kind {
	case KindRabbitMQ:
		if d.Host == "" {
			return errors.New("host cannot be empty")
		}
	case KindKafka:
		if d.Host == "" && len(d.Brokers) == 0 {
			return errors.New("brokers cannot be empty")
		}
	case KindMemory:
	default:
		return fmt.Errorf("unsupported kind %q", d.Kind)
	}
	if d.Port < 0 {
		return errors.New("port cannot be negative")
	}
	return nil
}

// Connector resolves connection names to connected clients.
type Connector struct {
	descriptors map[string]Descriptor
	dialers     map[string]Dialer
}

// NewConnector validates every descriptor up front so that a bad name or
// kind fails at startup instead of when a consumer first connects.
func NewConnector(descriptors map[string]Descriptor, dialers map[string]Dialer) (*Connector, error) {
	c := &Connector{
		descriptors: make(map[string]Descriptor, len(descriptors)),
		dialers:     dialers,
	}
	for name, d := range descriptors {
		d.Name = name
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("connection %q: %w", name, err)
		}
		if _, ok := dialers[d.Kind]; !ok {
			return nil, fmt.Errorf("connection %q: no dialer for kind %q", name, d.Kind)
		}
		c.descriptors[name] = d
	}
	return c, nil
}

// Lookup returns the descriptor registered under name.
func (c *Connector) Lookup(name string) (Descriptor, error) {
	d, ok := c.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q (known: %v)", ErrUnknownConnection, name, c.Names())
	}
	return d, nil
}

// Names lists registered connection names in order.
func (c *Connector) Names() []string {
	names := make([]string, 0, len(c.descriptors))
	for name := range c.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect dials the named connection.
func (c *Connector) Connect(ctx context.Context, name string) (Client, error) {
	d, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	client, err := c.dialers[d.Kind](ctx, d)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	return client, nil
}
