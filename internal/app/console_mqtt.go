package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/relabs-tech/geotracker/internal/config"
	"github.com/relabs-tech/geotracker/internal/gps"
	"github.com/relabs-tech/geotracker/internal/logging"
	"github.com/relabs-tech/geotracker/internal/publish"
	"github.com/relabs-tech/geotracker/internal/tracker"
)

// RunConsoleMQTT prints what a running tracker publishes until ctx is
// canceled. A non-empty command is sent to the tracker first.
func RunConsoleMQTT(ctx context.Context, cfg config.MQTTConfig, out io.Writer, command string) error {
	log := logging.Component("console")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID + "-console-" + uuid.NewString()[:8]).
		SetConnectTimeout(cfg.ConnectTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Info().Str("broker", cfg.Broker).Msg("connected to MQTT broker")

	online := publish.MQTTConfig{TopicStatus: cfg.TopicStatus}.OnlineTopic()
	topics := map[string]mqtt.MessageHandler{
		cfg.TopicStatus: func(_ mqtt.Client, msg mqtt.Message) {
			var s tracker.Snapshot
			if err := json.Unmarshal(msg.Payload(), &s); err != nil {
				log.Warn().Err(err).Msg("status unmarshal error")
				return
			}
			fmt.Fprintln(out, FormatSnapshot(s, time.Now()))
		},
		cfg.TopicFix: func(_ mqtt.Client, msg mqtt.Message) {
			var f gps.Fix
			if err := json.Unmarshal(msg.Payload(), &f); err != nil {
				log.Warn().Err(err).Msg("fix unmarshal error")
				return
			}
			fmt.Fprintln(out, FormatFix(f))
		},
		online: func(_ mqtt.Client, msg mqtt.Message) {
			fmt.Fprintf(out, "[LINK] tracker %s\n", msg.Payload())
		},
	}
	for topic, handler := range topics {
		token := client.Subscribe(topic, cfg.QoS, handler)
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Info().Str("topic", topic).Msg("subscribed")
	}

	if command != "" {
		cmd, err := publish.ParseCommand([]byte(command))
		if err != nil {
			return err
		}
		token := client.Publish(cfg.TopicCommand, cfg.QoS, false, string(cmd))
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Info().Str("command", string(cmd)).Msg("command sent")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

// FormatFix renders one fix line.
func FormatFix(f gps.Fix) string {
	return fmt.Sprintf("[FIX ] lat=%.6f lon=%.6f acc=%.1fm at=%s",
		f.Latitude, f.Longitude, f.AccuracyMeters, f.ObservedAt.Format(time.RFC3339))
}

// FormatSnapshot renders one status line.
func FormatSnapshot(s tracker.Snapshot, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[STAT] phase=%-8s perm=%-7s active=%t", s.Phase, s.Permission, s.Active)
	if s.Fix != nil {
		fmt.Fprintf(&b, " fix=%.6f,%.6f±%.0fm age=%s",
			s.Fix.Latitude, s.Fix.Longitude, s.Fix.AccuracyMeters, s.Fix.Age(now).Truncate(time.Second))
	}
	if s.Error != nil {
		fmt.Fprintf(&b, " error=%s %q", s.Error.Kind, s.Error.Message)
	}
	if s.BackoffAttempts > 0 {
		fmt.Fprintf(&b, " attempts=%d", s.BackoffAttempts)
	}
	if s.NextRetryAt != nil {
		fmt.Fprintf(&b, " retry_in=%s", s.NextRetryAt.Sub(now).Round(100*time.Millisecond))
	}
	return b.String()
}
