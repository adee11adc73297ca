// Package mqttbridge republishes controller events to an external MQTT
// broker so venue tooling (scoreboards, signage) can follow along without
// polling the admin API. Outbound only; nothing on the broker feeds back.
package mqttbridge

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/sparkgap/foxctl/internal/events"
)

const topicPrefix = "foxctl/events/"

type Bridge struct {
	conn      mqtt.Client
	connected atomic.Bool
	log       zerolog.Logger
}

type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	Log       zerolog.Logger
}

func Connect(opts Options) (*Bridge, error) {
	b := &Bridge{
		log: opts.Log.With().Str("component", "mqtt-bridge").Logger(),
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	b.conn = mqtt.NewClient(clientOpts)
	token := b.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}
	return b, nil
}

// Run pumps bus events to the broker until ctx is done. Publishes are
// qos 0 fire-and-forget; a slow broker must not stall the controller.
// Agent log lines stay off the broker, everything else goes out under
// foxctl/events/<type>.
func (b *Bridge) Run(ctx context.Context, bus *events.Bus) {
	ch, cancel := bus.Subscribe(events.TopicAdmin, events.Filter{})
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			b.Close()
			return
		case event := <-ch:
			if event.Type == events.TypeLog || !b.connected.Load() {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			b.conn.Publish(topicPrefix+event.Type, 0, false, data)
		}
	}
}

func (b *Bridge) onConnect(mqtt.Client) {
	b.connected.Store(true)
	b.log.Info().Msg("mqtt connected")
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.connected.Store(false)
	b.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (b *Bridge) IsConnected() bool {
	return b.connected.Load()
}

func (b *Bridge) Close() {
	b.log.Info().Msg("disconnecting mqtt bridge")
	b.conn.Disconnect(1000)
}
