//go:build e2e

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	paho "github.com/eclipse/paho.mqtt.golang"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/quentinglorieux/Temperature/internal/config"
	"github.com/quentinglorieux/Temperature/internal/sink"
)

const brokerPort = nat.Port("1883/tcp")

func TestClient_PublishesToBroker(t *testing.T) {
	host, port := startMosquitto(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	c, err := NewClient(config.Config{
		Mode:            config.ModePassive,
		MQTTBroker:      host,
		MQTTPort:        port,
		MQTTClientID:    "gateway-e2e",
		MQTTTopicPrefix: "switchbot",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Disconnect)

	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := c.PublishStatus(ctx, Status{Online: true, Mode: config.ModePassive}); err != nil {
		t.Fatalf("PublishStatus() error = %v", err)
	}

	// Subscribing after the status was published only sees it if retained.
	msgs := subscribe(t, host, port, "switchbot/#")

	status := waitMessage(t, msgs, "switchbot/gateway/status")
	if !status.Retained() {
		t.Errorf("status message not retained")
	}
	var st Status
	if err := json.Unmarshal(status.Payload(), &st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Online || st.Mode != config.ModePassive {
		t.Errorf("status = %+v; want online passive", st)
	}

	rssi := -61
	want := sink.Sample{
		Key:    "AA:BB:CC:DD:EE:FF",
		Name:   "office",
		Source: sink.SourceScan,
		TempC:  22.5,
		Hum:    50,
		RSSI:   &rssi,
		Time:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := c.Write(ctx, want); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	msg := waitMessage(t, msgs, "switchbot/aa:bb:cc:dd:ee:ff/telemetry")
	if msg.Retained() {
		t.Errorf("telemetry must not be retained")
	}
	var got sink.Sample
	if err := json.Unmarshal(msg.Payload(), &got); err != nil {
		t.Fatalf("decode telemetry: %v", err)
	}
	if got.Key != want.Key || got.Name != want.Name || got.TempC != want.TempC || got.Hum != want.Hum ||
		got.RSSI == nil || *got.RSSI != rssi || !got.Time.Equal(want.Time) {
		t.Errorf("telemetry = %+v; want %+v", got, want)
	}
}

func startMosquitto(t *testing.T) (string, int) {
	t.Helper()

	ctx := context.Background()
	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		ExposedPorts: []string{string(brokerPort)},
		WaitingFor:   wait.ForListeningPort(brokerPort).WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, brokerPort)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}
	return host, mapped.Int()
}

func subscribe(t *testing.T, host string, port int, filter string) <-chan paho.Message {
	t.Helper()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", host, port)).
		SetClientID("e2e-subscriber")
	client := paho.NewClient(opts)

	token := client.Connect()
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("subscriber connect: %v", token.Error())
	}
	t.Cleanup(func() { client.Disconnect(250) })

	msgs := make(chan paho.Message, 16)
	token = client.Subscribe(filter, 1, func(_ paho.Client, m paho.Message) {
		msgs <- m
	})
	if !token.WaitTimeout(10*time.Second) || token.Error() != nil {
		t.Fatalf("subscribe %s: %v", filter, token.Error())
	}
	return msgs
}

func waitMessage(t *testing.T, msgs <-chan paho.Message, topic string) paho.Message {
	t.Helper()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case m := <-msgs:
			if m.Topic() == topic {
				return m
			}
		case <-timeout:
			t.Fatalf("no message on %s", topic)
		}
	}
}
