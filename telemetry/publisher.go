package telemetry

import (
	"encoding/json"
	"fmt"
	"path"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"golang.org/x/time/rate"

	"xdrive/geometry"
	"xdrive/motion"
)

// PublisherConfig describes the MQTT broker diagnostics are sent to.
type PublisherConfig struct {
	// Broker is a URL such as tcp://localhost:1883.
	Broker   string `json:"broker"`
	Topic    string `json:"topic"`
	ClientID string `json:"client_id,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	// RateHz caps tick and pose messages. Move results are never dropped.
	RateHz float64 `json:"rate_hz,omitempty"`
}

const (
	defaultRateHz     = 20
	connectTimeout    = 10 * time.Second
	disconnectQuiesce = 250
)

// Publisher sends JSON diagnostics over MQTT. Every failure is logged and
// dropped so a missing broker never affects the robot.
type Publisher struct {
	client  mqtt.Client
	topic   string
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewPublisher connects to the broker in cfg.
func NewPublisher(cfg PublisherConfig, logger logging.Logger) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("xdrive-%d", time.Now().Unix())
	}
	opts.SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		logger.Debugw("telemetry broker connection lost", "error", err)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, errors.Errorf("timed out connecting to %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, errors.Wrapf(err, "could not connect to %s", cfg.Broker)
	}
	logger.Infow("telemetry publisher connected", "broker", cfg.Broker, "client_id", clientID)
	return newPublisher(client, cfg, logger), nil
}

func newPublisher(client mqtt.Client, cfg PublisherConfig, logger logging.Logger) *Publisher {
	hz := cfg.RateHz
	if hz <= 0 {
		hz = defaultRateHz
	}
	topic := cfg.Topic
	if topic == "" {
		topic = "xdrive"
	}
	return &Publisher{
		client:  client,
		topic:   topic,
		limiter: rate.NewLimiter(rate.Limit(hz), 1),
		logger:  logger,
	}
}

// MoveTick publishes r to <topic>/tick unless the rate limit is exceeded.
func (p *Publisher) MoveTick(r motion.TickReport) {
	if !p.limiter.Allow() {
		return
	}
	p.publish("tick", r)
}

// MoveDone publishes the finished request and its outcome to <topic>/move.
func (p *Publisher) MoveDone(req motion.Request, outcome motion.Outcome) {
	p.publish("move", struct {
		Request motion.Request `json:"request"`
		Outcome string         `json:"outcome"`
	}{req, outcome.String()})
}

// PublishPose publishes pose to <topic>/pose unless the rate limit is exceeded.
func (p *Publisher) PublishPose(pose geometry.Pose) {
	if !p.limiter.Allow() {
		return
	}
	p.publish("pose", pose)
}

func (p *Publisher) publish(subtopic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Debugw("could not encode telemetry", "topic", subtopic, "error", err)
		return
	}
	token := p.client.Publish(path.Join(p.topic, subtopic), 0, false, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			p.logger.Debugw("telemetry publish failed", "topic", subtopic, "error", err)
		}
	default:
	}
}

// Close disconnects from the broker.
func (p *Publisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
}
