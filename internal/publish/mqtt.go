package publish

import (
	"context"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/metrics"
)

// MQTTConfig selects the broker and topics.
type MQTTConfig struct {
	Broker         string
	ClientID       string
	TopicFix       string
	TopicStatus    string
	TopicCommand   string
	QoS            byte
	ConnectTimeout time.Duration
	Logger         *zerolog.Logger
}

// OnlineTopic carries the retained "online"/"offline" flag, with the
// offline value set as the client's will.
func (c MQTTConfig) OnlineTopic() string { return c.TopicStatus + "/online" }

// MQTTSink publishes snapshots and listens for commands on one client.
type MQTTSink struct {
	cfg     MQTTConfig
	client  mqtt.Client
	online  atomic.Bool
	log     zerolog.Logger
	control Controller
}

// NewMQTTSink builds the client. control may be nil to ignore commands.
func NewMQTTSink(cfg MQTTConfig, control Controller) *MQTTSink {
	s := &MQTTSink{cfg: cfg, control: control}
	if cfg.Logger != nil {
		s.log = *cfg.Logger
	} else {
		s.log = logging.Component("mqtt")
	}

	// Suffix keeps restarts from kicking the previous session off the broker.
	clientID := cfg.ClientID + "-" + uuid.NewString()[:8]

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2 * time.Second).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetWill(cfg.OnlineTopic(), "offline", cfg.QoS, true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	s.client = mqtt.NewClient(opts)
	return s
}

// Connect starts connecting in the background; the client keeps retrying.
func (s *MQTTSink) Connect() {
	s.client.Connect()
	s.log.Info().Str("broker", s.cfg.Broker).Msg("connecting to MQTT broker")
}

func (s *MQTTSink) onConnect(c mqtt.Client) {
	s.online.Store(true)
	metrics.BrokerOnline.WithLabelValues(s.Name()).Set(1)
	s.log.Info().Str("broker", s.cfg.Broker).Msg("connected to MQTT broker")

	c.Publish(s.cfg.OnlineTopic(), s.cfg.QoS, true, "online")

	if s.control == nil || s.cfg.TopicCommand == "" {
		return
	}
	token := c.Subscribe(s.cfg.TopicCommand, s.cfg.QoS, s.handleCommand)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			s.log.Error().Err(err).Str("topic", s.cfg.TopicCommand).Msg("command subscribe failed")
			return
		}
		s.log.Info().Str("topic", s.cfg.TopicCommand).Msg("subscribed to commands")
	}()
}

func (s *MQTTSink) onConnectionLost(_ mqtt.Client, err error) {
	s.online.Store(false)
	metrics.BrokerOnline.WithLabelValues(s.Name()).Set(0)
	s.log.Warn().Err(err).Msg("MQTT connection lost")
}

func (s *MQTTSink) handleCommand(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		s.log.Warn().Err(err).Str("topic", msg.Topic()).Msg("ignoring command")
		return
	}
	s.log.Info().Str("command", string(cmd)).Msg("command received")

	// paho runs handlers on its router goroutine; a one-shot can take a while.
	go func() {
		if _, err := Execute(context.Background(), s.control, cmd, 30*time.Second); err != nil {
			s.log.Warn().Err(err).Str("command", string(cmd)).Msg("command failed")
		}
	}()
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Online() bool { return s.online.Load() }

// Publish sends m, retaining status messages.
func (s *MQTTSink) Publish(ctx context.Context, m Message) error {
	if !s.client.IsConnectionOpen() {
		return ErrOffline
	}
	topic, retained := s.cfg.TopicStatus, true
	if m.Kind == KindFix {
		topic, retained = s.cfg.TopicFix, false
	}

	token := s.client.Publish(topic, s.cfg.QoS, retained, m.Payload)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the bridge offline and disconnects.
func (s *MQTTSink) Close() {
	if s.client.IsConnectionOpen() {
		s.client.Publish(s.cfg.OnlineTopic(), s.cfg.QoS, true, "offline").WaitTimeout(time.Second)
	}
	s.client.Disconnect(250)
	s.online.Store(false)
	metrics.BrokerOnline.WithLabelValues(s.Name()).Set(0)
}
