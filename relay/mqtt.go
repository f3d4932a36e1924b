package relay

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultMQTTPort  = "1883"
	connectTimeout   = 10 * time.Second
	topicKindEntry   = "entry"
	topicKindReplay  = "replay"
	defaultKeepAlive = 30
)

type MQTTConfig struct {
	// Broker is host:port, optionally prefixed with tcp:// or mqtt://.
	Broker      string
	TopicPrefix string
	DeviceID    string
	Role        Role
	// ClientID defaults to a random id.
	ClientID   string
	KeepAlive  uint16
	RetryDelay time.Duration
}

// MQTT is a Transport over an MQTT broker. Samplers publish to <prefix>/<device-id>/entry and
// listen on <prefix>/<device-id>/replay. The consolidator listens on <prefix>/+/entry.
// Everything is sent at QoS 0.
type MQTT struct {
	cfg MQTTConfig
	log *logrus.Logger

	mu       sync.RWMutex
	client   *paho.Client
	onEntry  func(deviceID string, e Entry)
	onReplay func()

	lostC     chan error
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// DialMQTT connects to the broker and subscribes for cfg.Role. A dropped connection is
// re-established in the background, sends fail with ErrTransport until it is back.
func DialMQTT(ctx context.Context, cfg MQTTConfig, log *logrus.Logger) (*MQTT, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("relay: device id is required")
	}
	if _, err := ParseRole(string(cfg.Role)); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "battery-history-" + uuid.NewString()
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = defaultKeepAlive
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")

	m := &MQTT{
		cfg:   cfg,
		log:   log,
		lostC: make(chan error, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := m.connect(ctx); err != nil {
		return nil, err
	}
	log.Infof("Connected to MQTT broker %s as %s (%s)", cfg.Broker, cfg.DeviceID, cfg.Role)
	go m.maintain()
	return m, nil
}

func (m *MQTT) connect(ctx context.Context) error {
	addr, err := brokerAddress(m.cfg.Broker)
	if err != nil {
		return err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dialing %s: %v", ErrTransport, addr, err)
	}

	var c *paho.Client
	failure := newClientFailure()
	c = paho.NewClient(paho.ClientConfig{
		ClientID: m.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				m.dispatch(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			failure.set(err)
			m.lost(c, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			err := fmt.Errorf("server disconnected, reason code %d", d.ReasonCode)
			failure.set(err)
			m.lost(c, err)
		},
	})

	if _, err := c.Connect(ctx, &paho.Connect{
		ClientID:   m.cfg.ClientID,
		KeepAlive:  m.cfg.KeepAlive,
		CleanStart: true,
	}); err != nil {
		conn.Close()
		return fmt.Errorf("%w: connecting to %s: %v", ErrTransport, addr, err)
	}

	topic := m.subscription()
	if _, err := c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	}); err != nil {
		_ = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		return fmt.Errorf("%w: subscribing to %s: %v", ErrTransport, topic, err)
	}
	m.log.Debugf("Subscribed to %s", topic)
	m.adopt(c, failure)
	return nil
}

// clientFailure keeps the first failure reported for a client.
type clientFailure struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newClientFailure() *clientFailure {
	return &clientFailure{done: make(chan struct{})}
}

func (f *clientFailure) set(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// reported returns the failure, or nil while there is none.
func (f *clientFailure) reported() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// adopt makes c the current client. A failure c reported before this point was ignored by lost,
// so it is reported again now.
func (m *MQTT) adopt(c *paho.Client, failure *clientFailure) {
	m.mu.Lock()
	m.client = c
	m.mu.Unlock()
	if err := failure.reported(); err != nil {
		m.lost(c, err)
	}
}

// lost reports a failure of c. Failures of a client that has already been replaced are ignored.
func (m *MQTT) lost(c *paho.Client, err error) {
	m.mu.Lock()
	current := m.client == c && c != nil
	if current {
		m.client = nil
	}
	m.mu.Unlock()
	if !current {
		return
	}
	select {
	case m.lostC <- err:
	default:
	}
}

func (m *MQTT) maintain() {
	defer close(m.done)
	for {
		select {
		case <-m.stop:
			return
		case err := <-m.lostC:
			m.log.Errorf("Lost connection to MQTT broker: %v", err)
			if !m.reconnect() {
				return
			}
		}
	}
}

func (m *MQTT) reconnect() bool {
	for {
		select {
		case <-m.stop:
			return false
		case <-time.After(m.cfg.RetryDelay):
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := m.connect(ctx)
		cancel()
		if err == nil {
			m.log.Info("Reconnected to MQTT broker")
			return true
		}
		m.log.Warnf("Failed to reconnect to MQTT broker: %v", err)
	}
}

func (m *MQTT) current() *paho.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

func (m *MQTT) publish(ctx context.Context, topic string, payload []byte) error {
	c := m.current()
	if c == nil {
		return fmt.Errorf("%w: not connected", ErrTransport)
	}
	if _, err := c.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     0,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("%w: publishing to %s: %v", ErrTransport, topic, err)
	}
	return nil
}

func (m *MQTT) SendEntry(ctx context.Context, e Entry) error {
	return m.publish(ctx, m.topic(m.cfg.DeviceID, topicKindEntry), MarshalEntry(e))
}

func (m *MQTT) RequestReplay(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return fmt.Errorf("relay: device id is required")
	}
	return m.publish(ctx, m.topic(deviceID, topicKindReplay), marshalReplay())
}

func (m *MQTT) OnEntry(f func(deviceID string, e Entry)) {
	m.mu.Lock()
	m.onEntry = f
	m.mu.Unlock()
}

func (m *MQTT) OnReplay(f func()) {
	m.mu.Lock()
	m.onReplay = f
	m.mu.Unlock()
}

func (m *MQTT) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.stop)
		m.mu.Lock()
		c := m.client
		m.client = nil
		m.mu.Unlock()
		if c != nil {
			err = c.Disconnect(&paho.Disconnect{ReasonCode: 0})
		}
		<-m.done
	})
	return err
}

func (m *MQTT) dispatch(topic string, payload []byte) {
	deviceID, kind, ok := m.parseTopic(topic)
	if !ok {
		m.log.Debugf("Ignoring message on %s", topic)
		return
	}
	m.mu.RLock()
	onEntry, onReplay := m.onEntry, m.onReplay
	m.mu.RUnlock()

	switch kind {
	case topicKindEntry:
		e, err := UnmarshalEntry(payload)
		if err != nil {
			m.log.Warnf("Dropping entry from %s: %v", deviceID, err)
			return
		}
		if onEntry != nil {
			onEntry(deviceID, e)
		}
	case topicKindReplay:
		if deviceID != m.cfg.DeviceID {
			return
		}
		if err := unmarshalReplay(payload); err != nil {
			m.log.Warnf("Dropping replay request: %v", err)
			return
		}
		if onReplay != nil {
			onReplay()
		}
	}
}

func (m *MQTT) subscription() string {
	if m.cfg.Role == RoleConsolidator {
		return m.topic("+", topicKindEntry)
	}
	return m.topic(m.cfg.DeviceID, topicKindReplay)
}

func (m *MQTT) topic(deviceID, kind string) string {
	if m.cfg.TopicPrefix == "" {
		return deviceID + "/" + kind
	}
	return m.cfg.TopicPrefix + "/" + deviceID + "/" + kind
}

func (m *MQTT) parseTopic(topic string) (deviceID, kind string, ok bool) {
	if m.cfg.TopicPrefix != "" {
		topic, ok = strings.CutPrefix(topic, m.cfg.TopicPrefix+"/")
		if !ok {
			return "", "", false
		}
	}
	deviceID, kind, ok = strings.Cut(topic, "/")
	if !ok || deviceID == "" || strings.Contains(kind, "/") {
		return "", "", false
	}
	return deviceID, kind, true
}

func brokerAddress(broker string) (string, error) {
	if broker == "" {
		return "", fmt.Errorf("relay: broker address is required")
	}
	host := broker
	if strings.Contains(broker, "://") {
		u, err := url.Parse(broker)
		if err != nil {
			return "", fmt.Errorf("relay: bad broker address %q: %w", broker, err)
		}
		host = u.Host
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(host, defaultMQTTPort)
	}
	return host, nil
}
