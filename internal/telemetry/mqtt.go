// Package telemetry exports session activity: Prometheus metrics and MQTT
// event publishing.
package telemetry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/util"
)

// MQTT topics, relative to the configured prefix.
const (
	TopicAdmin  = "admin"
	TopicStatus = "status"
	TopicPhase  = "session/phase"
	TopicAuth   = "session/auth"
	TopicMap    = "session/map"
	TopicChat   = "session/chat"
	TopicDesync = "session/desync"
)

var eventTopics = map[events.EventType]string{
	events.EventPhaseStarted:   TopicPhase,
	events.EventPhaseEnded:     TopicPhase,
	events.EventAuthAccepted:   TopicAuth,
	events.EventAuthRefused:    TopicAuth,
	events.EventMapAssigned:    TopicMap,
	events.EventMapEntered:     TopicMap,
	events.EventMapChanged:     TopicMap,
	events.EventChatReceived:   TopicChat,
	events.EventProtocolDesync: TopicDesync,
	events.EventHeartbeat:      TopicStatus,
}

// MQTTPublisher forwards session events to an MQTT broker.
type MQTTPublisher struct {
	mu sync.Mutex

	cfg      config.MQTTConfig
	eventBus *events.EventBus
	client   mqtt.Client
	logger   zerolog.Logger

	// Metadata included in every message
	metadata map[string]interface{}
}

// NewMQTTPublisher creates a publisher. It does not connect until Start.
func NewMQTTPublisher(cfg config.MQTTConfig, eventBus *events.EventBus, version string) (*MQTTPublisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("MQTT is disabled")
	}

	sysInfo := util.GetSystemInfo()
	p := &MQTTPublisher{
		cfg:      cfg,
		eventBus: eventBus,
		logger:   log.With().Str("component", "mqtt").Logger(),
		metadata: map[string]interface{}{
			"hostname":    sysInfo.Hostname,
			"os":          sysInfo.OS,
			"cpu_model":   sysInfo.CPUModel,
			"cpu_cores":   sysInfo.CPUCores,
			"memory_mb":   sysInfo.TotalMemory,
			"app_version": version,
		},
	}

	opts := mqtt.NewClientOptions()
	scheme := "tcp"
	if cfg.UseTLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.BrokerURL, cfg.Port))

	if cfg.ClientID != "" {
		opts.SetClientID(cfg.ClientID)
	} else {
		opts.SetClientID(fmt.Sprintf("kafra-%s", sysInfo.Hostname))
	}

	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetCleanSession(false)

	if cfg.UseTLS {
		tlsConfig, err := mqttTLSConfig(cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		p.logger.Info().Msg("MQTT connected")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		p.logger.Warn().Err(err).Msg("MQTT connection lost")
	})

	p.client = mqtt.NewClient(opts)
	return p, nil
}

func mqttTLSConfig(cfg config.MQTTConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	// mTLS: load client certificate
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load MQTT TLS certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pem, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read MQTT CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	return tlsConfig, nil
}

// Start connects to the broker, forwards events until ctx is cancelled and
// then publishes a shutdown notice.
func (p *MQTTPublisher) Start(ctx context.Context) error {
	p.logger.Info().
		Str("broker", p.cfg.BrokerURL).
		Int("port", p.cfg.Port).
		Msg("connecting to MQTT broker")

	token := p.client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	for t := range eventTopics {
		p.eventBus.Subscribe(t, "mqtt."+string(t), p.onEvent)
	}
	defer func() {
		for t := range eventTopics {
			p.eventBus.Unsubscribe(t, "mqtt."+string(t))
		}
	}()

	<-ctx.Done()

	p.PublishShutdown()
	p.client.Disconnect(5000)
	p.logger.Info().Msg("MQTT disconnected")
	return nil
}

// Topic returns the full topic name for a relative topic.
func (p *MQTTPublisher) Topic(rel string) string {
	if p.cfg.TopicPrefix == "" {
		return rel
	}
	return p.cfg.TopicPrefix + "/" + rel
}

func (p *MQTTPublisher) onEvent(ctx context.Context, event events.Event) error {
	rel, ok := eventTopics[event.Type]
	if !ok {
		return nil
	}
	p.publish(p.Topic(rel), map[string]interface{}{
		"event":   string(event.Type),
		"source":  event.Source,
		"payload": event.Payload,
	})
	return nil
}

// publish sends a JSON message to an MQTT topic.
func (p *MQTTPublisher) publish(topic string, payload interface{}) {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return
	}

	data, err := json.Marshal(p.buildMessage(payload))
	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("failed to marshal MQTT message")
		return
	}

	token := client.Publish(topic, 1, false, data) // QoS 1
	go func() {
		token.Wait()
		if token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Str("topic", topic).Msg("MQTT publish failed")
		}
	}()
}

// buildMessage combines metadata with the event payload.
func (p *MQTTPublisher) buildMessage(payload interface{}) map[string]interface{} {
	msg := make(map[string]interface{}, len(p.metadata)+2)
	for k, v := range p.metadata {
		msg[k] = v
	}
	msg["payload"] = payload
	msg["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return msg
}

// PublishShutdown sends a shutdown message to the broker.
func (p *MQTTPublisher) PublishShutdown() {
	p.publish(p.Topic(TopicAdmin), map[string]interface{}{
		"event": "shutdown",
	})
}
