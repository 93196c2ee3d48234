package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"golang.org/x/time/rate"

	"github.com/markus-lassfolk/vesseltrack/pkg/gps"
	"github.com/markus-lassfolk/vesseltrack/pkg/logx"
)

// Config holds MQTT configuration
type Config struct {
	Broker         string        `json:"broker" mapstructure:"broker"`
	Port           int           `json:"port" mapstructure:"port"`
	ClientID       string        `json:"client_id" mapstructure:"client_id"`
	Username       string        `json:"username" mapstructure:"username"`
	Password       string        `json:"password" mapstructure:"password"`
	TopicPrefix    string        `json:"topic_prefix" mapstructure:"topic_prefix"`
	QoS            int           `json:"qos" mapstructure:"qos"`
	Retain         bool          `json:"retain" mapstructure:"retain"`
	Enabled        bool          `json:"enabled" mapstructure:"enabled"`
	PublishTimeout time.Duration `json:"publish_timeout" mapstructure:"publish_timeout"`
	// MaxPerSecond limits publishes; messages over the limit or sent while
	// disconnected wait in a bounded queue
	MaxPerSecond float64 `json:"max_per_second" mapstructure:"max_per_second"`
	MaxQueueSize int     `json:"max_queue_size" mapstructure:"max_queue_size"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:         "localhost",
		Port:           1883,
		ClientID:       "vesseltrackd",
		TopicPrefix:    "vesseltrack",
		QoS:            1,
		Retain:         false,
		Enabled:        false,
		PublishTimeout: 5 * time.Second,
		MaxPerSecond:   10,
		MaxQueueSize:   100,
	}
}

// conn is the part of MQTT.Client used for publishing
type conn interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	IsConnected() bool
	Disconnect(quiesce uint)
}

// QueuedMessage is a message waiting to be published
type QueuedMessage struct {
	Topic   string
	Payload []byte
	Retain  bool
	Time    time.Time
}

// Client publishes persisted location records and daemon state. It
// implements gps.RecordPublisher.
type Client struct {
	conn    conn
	logger  *logx.Logger
	config  *Config
	limiter *rate.Limiter

	connected   atomic.Bool
	published   atomic.Int64
	dropped     atomic.Int64
	lastPublish atomic.Int64

	queueMutex sync.Mutex
	queue      []*QueuedMessage
}

// NewClient creates a client; Connect must be called before messages leave
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = logx.Nop()
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 5 * time.Second
	}
	if config.MaxQueueSize <= 0 {
		config.MaxQueueSize = 100
	}
	limit := rate.Inf
	if config.MaxPerSecond > 0 {
		limit = rate.Limit(config.MaxPerSecond)
	}
	burst := int(config.MaxPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		logger:  logger,
		config:  config,
		limiter: rate.NewLimiter(limit, burst),
		queue:   make([]*QueuedMessage, 0, config.MaxQueueSize),
	}
}

// Connect establishes connection to the broker. Reconnects are automatic and
// flush the queue.
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)

	opts.SetOnConnectHandler(func(MQTT.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) { c.onConnectionLost(err) })

	client := MQTT.NewClient(opts)
	c.conn = client

	token := client.Connect()
	if !token.WaitTimeout(c.config.PublishTimeout) {
		c.logger.Warn("MQTT broker not reachable yet, retrying in background", "broker", c.config.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	c.logger.Info("MQTT client connected", "broker", c.config.Broker, "port", c.config.Port)
	return nil
}

// Disconnect disconnects from the broker
func (c *Client) Disconnect() {
	if c.conn != nil && c.connected.Load() {
		c.conn.Disconnect(250)
		c.connected.Store(false)
		c.logger.Info("MQTT client disconnected")
	}
}

func (c *Client) onConnect() {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")
	c.flushQueue()
}

func (c *Client) onConnectionLost(err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", "error", err)
}

// IsConnected returns whether the client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.conn != nil && c.conn.IsConnected()
}

// LastPublish returns the time of the last successful publish
func (c *Client) LastPublish() time.Time {
	ns := c.lastPublish.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Published is the number of messages delivered to the broker
func (c *Client) Published() int64 { return c.published.Load() }

// Dropped is the number of messages lost to a full queue
func (c *Client) Dropped() int64 { return c.dropped.Load() }

// Pending is the number of queued messages
func (c *Client) Pending() int {
	c.queueMutex.Lock()
	defer c.queueMutex.Unlock()
	return len(c.queue)
}

// LocationTopic is where every persisted record is published
func (c *Client) LocationTopic() string {
	return c.config.TopicPrefix + "/locations"
}

// VesselTopic is where the position of vesselID is published
func (c *Client) VesselTopic(vesselID string) string {
	return fmt.Sprintf("%s/vessels/%s/position", c.config.TopicPrefix, vesselID)
}

// PublishRecord publishes a persisted record and, when it moved a vessel, the
// vessel position
func (c *Client) PublishRecord(rec gps.Record, vesselID string) error {
	if !c.config.Enabled {
		return nil
	}

	if err := c.publishJSON(c.LocationTopic(), map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"record":    rec,
		"vessel_id": vesselID,
	}, c.config.Retain); err != nil {
		return err
	}
	if vesselID == "" {
		return nil
	}
	// vessel positions are retained so new subscribers see the last fix
	return c.publishJSON(c.VesselTopic(vesselID), gps.VesselPosition{
		VesselID:  vesselID,
		Latitude:  rec.Latitude,
		Longitude: rec.Longitude,
		Zone:      rec.Zone,
	}, true)
}

// PublishWatchState publishes the watch lifecycle state (retained)
func (c *Client) PublishWatchState(state gps.WatchState, mode gps.WatchMode) error {
	if !c.config.Enabled {
		return nil
	}
	return c.publishJSON(c.config.TopicPrefix+"/watch/state", map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"state":     state,
		"mode":      mode,
	}, true)
}

// PublishStatus publishes a daemon status snapshot
func (c *Client) PublishStatus(status map[string]interface{}) error {
	if !c.config.Enabled {
		return nil
	}
	return c.publishJSON(c.config.TopicPrefix+"/status", map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"status":    status,
	}, c.config.Retain)
}

// publishJSON sends immediately when connected and within the rate limit,
// otherwise queues
func (c *Client) publishJSON(topic string, payload interface{}, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if !c.IsConnected() || !c.limiter.Allow() {
		c.enqueue(&QueuedMessage{Topic: topic, Payload: data, Retain: retain, Time: time.Now()})
		return nil
	}

	c.flushQueue()
	return c.publishDirect(topic, data, retain)
}

func (c *Client) enqueue(msg *QueuedMessage) {
	c.queueMutex.Lock()
	defer c.queueMutex.Unlock()
	if len(c.queue) >= c.config.MaxQueueSize {
		c.queue = c.queue[1:]
		c.dropped.Add(1)
		c.logger.Warn("MQTT queue full, dropping oldest message", "topic", msg.Topic)
	}
	c.queue = append(c.queue, msg)
}

// flushQueue publishes queued messages in order; the first failure stops the
// flush and keeps the rest
func (c *Client) flushQueue() {
	c.queueMutex.Lock()
	pending := c.queue
	c.queue = make([]*QueuedMessage, 0, c.config.MaxQueueSize)
	c.queueMutex.Unlock()

	for i, msg := range pending {
		if err := c.publishDirect(msg.Topic, msg.Payload, msg.Retain); err != nil {
			c.logger.Warn("failed to publish queued message", "topic", msg.Topic, "error", err)
			c.queueMutex.Lock()
			c.queue = append(pending[i:], c.queue...)
			c.queueMutex.Unlock()
			return
		}
	}
}

func (c *Client) publishDirect(topic string, payload []byte, retain bool) error {
	if c.conn == nil || !c.conn.IsConnected() {
		return fmt.Errorf("not connected to MQTT broker")
	}

	token := c.conn.Publish(topic, byte(c.config.QoS), retain, payload)
	if !token.WaitTimeout(c.config.PublishTimeout) {
		return fmt.Errorf("publish to topic %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}

	c.published.Add(1)
	c.lastPublish.Store(time.Now().UnixNano())
	c.logger.Debug("MQTT message published", "topic", topic, "size", len(payload))
	return nil
}
