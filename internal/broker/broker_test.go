package broker

import (
	"context"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, cfg Config) *Broker {
	t.Helper()
	cfg.Address = "127.0.0.1:0"
	b, err := New(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func connect(t *testing.T, url, user, pass string) (paho.Client, error) {
	t.Helper()
	opts := paho.NewClientOptions().AddBroker(url).SetClientID("probe").
		SetUsername(user).SetPassword(pass).SetAutoReconnect(false).SetConnectRetry(false)
	c := paho.NewClient(opts)
	tok := c.Connect()
	if !tok.WaitTimeout(5 * time.Second) {
		t.Fatal("connect timed out")
	}
	return c, tok.Error()
}

func TestBrokerRelaysToObserver(t *testing.T) {
	b := startBroker(t, Config{})

	got := make(chan string, 1)
	require.NoError(t, b.Observe("response/#", func(topic string, payload []byte) {
		got <- topic + " " + string(payload)
	}))

	c, err := connect(t, b.URL(), "", "")
	require.NoError(t, err)
	defer c.Disconnect(100)

	tok := c.Publish("response/A/all", 1, false, []byte(`[]`))
	require.True(t, tok.WaitTimeout(5*time.Second))
	require.NoError(t, tok.Error())

	select {
	case m := <-got:
		assert.Equal(t, "response/A/all []", m)
	case <-time.After(5 * time.Second):
		t.Fatal("observer never saw the publish")
	}
}

func TestBrokerEnforcesCredentials(t *testing.T) {
	b := startBroker(t, Config{Username: "gw", Password: "secret"})

	_, err := connect(t, b.URL(), "gw", "wrong")
	assert.Error(t, err)

	c, err := connect(t, b.URL(), "gw", "secret")
	require.NoError(t, err)
	c.Disconnect(100)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{Password: "x"}.Validate())
	assert.NoError(t, Config{}.Validate())
}
