package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/energizer-project/kafra/internal/config"
	"github.com/energizer-project/kafra/internal/events"
	"github.com/energizer-project/kafra/internal/protocol"
)

func TestMetricsRecordsBusEvents(t *testing.T) {
	r := require.New(t)
	bus := events.NewEventBus()
	defer bus.Stop()

	m := NewMetrics()
	m.Attach(bus)

	ctx := context.Background()
	frame := events.FramePayload{Phase: protocol.PhaseGame, Opcode: protocol.OpNotifyTime, Name: "NotifyTime", Size: 6}
	r.NoError(bus.EmitSync(ctx, events.Event{Type: events.EventFrameReceived, Payload: frame}))
	r.NoError(bus.EmitSync(ctx, events.Event{Type: events.EventFrameReceived, Payload: frame}))
	r.NoError(bus.EmitSync(ctx, events.Event{
		Type:    events.EventProtocolDesync,
		Payload: events.DesyncPayload{Phase: protocol.PhaseCharList, Error: "unknown opcode"},
	}))
	r.NoError(bus.EmitSync(ctx, events.Event{
		Type:    events.EventPhaseStarted,
		Payload: events.PhasePayload{Phase: protocol.PhaseLogin, Name: "login", State: events.PhaseStateConnecting},
	}))
	r.Equal(1.0, testutil.ToFloat64(m.phaseActive.WithLabelValues("login")))

	r.NoError(bus.EmitSync(ctx, events.Event{
		Type:    events.EventPhaseEnded,
		Payload: events.PhasePayload{Phase: protocol.PhaseLogin, Name: "login", State: events.PhaseStateHandedOff, Duration: time.Second},
	}))
	r.NoError(bus.EmitSync(ctx, events.Event{
		Type:    events.EventAuthRefused,
		Payload: events.AuthRefusedPayload{Code: 8, Reason: "already online"},
	}))

	r.Equal(2.0, testutil.ToFloat64(m.framesTotal.WithLabelValues("game", "NotifyTime")))
	r.Equal(12.0, testutil.ToFloat64(m.frameBytes.WithLabelValues("game")))
	r.Equal(1.0, testutil.ToFloat64(m.desyncsTotal.WithLabelValues("charlist")))
	r.Equal(1.0, testutil.ToFloat64(m.phaseEvents.WithLabelValues("login", "handed_off")))
	r.Equal(0.0, testutil.ToFloat64(m.phaseActive.WithLabelValues("login")))
	r.Equal(1.0, testutil.ToFloat64(m.authRefused.WithLabelValues("already online")))

	m.Detach(bus)
	r.Equal(0, bus.HandlerCount(events.EventAny))
}

func TestMetricsHandlerExposesCollectors(t *testing.T) {
	m := NewMetrics()
	m.chatTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "kafra_chat_messages_total 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMQTTPublisherDisabled(t *testing.T) {
	_, err := NewMQTTPublisher(config.MQTTConfig{}, events.NewEventBus(), "test")
	require.Error(t, err)
}

func TestMQTTPublisherTopics(t *testing.T) {
	r := require.New(t)
	cfg := config.MQTTConfig{Enabled: true, BrokerURL: "localhost", Port: 1883, TopicPrefix: "kafra"}

	p, err := NewMQTTPublisher(cfg, events.NewEventBus(), "1.2.3")
	r.NoError(err)
	r.Equal("kafra/session/map", p.Topic(TopicMap))

	msg := p.buildMessage(map[string]interface{}{"event": "shutdown"})
	r.Equal("1.2.3", msg["app_version"])
	r.Contains(msg, "timestamp")
	r.Contains(msg, "hostname")

	cfg.TopicPrefix = ""
	p, err = NewMQTTPublisher(cfg, events.NewEventBus(), "1.2.3")
	r.NoError(err)
	r.Equal("admin", p.Topic(TopicAdmin))

	// not connected: publishing is a no-op
	r.NoError(p.onEvent(context.Background(), events.Event{Type: events.EventChatReceived}))
}

func TestMQTTTLSConfigMissingCA(t *testing.T) {
	_, err := mqttTLSConfig(config.MQTTConfig{UseTLS: true, CAFile: "/nonexistent/ca.pem"})
	require.Error(t, err)
}
