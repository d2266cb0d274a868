// Package remote is the MQTT interface: it publishes measurement state for
// the dashboard and accepts tare / offset commands. It consumes the
// published result stream and never touches the acquisition loop.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/itohio/isoflux/pkg/balance"
	"github.com/itohio/isoflux/pkg/config"
)

const connectTimeout = 10 * time.Second

// Client is the MQTT remote interface.
type Client struct {
	cfg    config.RemoteConfig
	engine *balance.Engine

	conn mqtt.Client

	mu     sync.RWMutex
	latest balance.CycleResult
	has    bool
}

// New creates a remote interface bound to the heat balance engine for
// tare control.
func New(cfg config.RemoteConfig, engine *balance.Engine) *Client {
	return &Client{
		cfg:    cfg,
		engine: engine,
	}
}

// Run connects to the broker, subscribes to the control topics and
// publishes the measurement state at the configured interval until the
// context is cancelled or the result stream closes.
func (c *Client) Run(ctx context.Context, results <-chan balance.CycleResult) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.cfg.Broker).
		SetClientID("isoflux-" + c.cfg.Topic).
		SetAutoReconnect(true)

	c.conn = mqtt.NewClient(opts)
	token := c.conn.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timeout connecting to MQTT broker %s", c.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.cfg.Broker, err)
	}
	defer c.conn.Disconnect(250)

	controlTopic := c.cfg.Topic + "/control/#"
	if token := c.conn.Subscribe(controlTopic, 0, c.handleControl); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", controlTopic, token.Error())
	}

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case result, ok := <-results:
			if !ok {
				return nil
			}
			c.mu.Lock()
			c.latest = result
			c.has = true
			c.mu.Unlock()
		case <-ticker.C:
			c.publishState()
		}
	}
}

// handleControl dispatches tare and offset commands:
//
//	<topic>/control/tare            payload: stage index
//	<topic>/control/set_offsets/<n> payload: offset in watts
func (c *Client) handleControl(client mqtt.Client, msg mqtt.Message) {
	action := strings.TrimPrefix(msg.Topic(), c.cfg.Topic+"/control/")

	switch {
	case action == "tare":
		stage, err := strconv.Atoi(strings.TrimSpace(string(msg.Payload())))
		if err != nil {
			log.Printf("Invalid tare payload %q: %v", msg.Payload(), err)
			return
		}
		if err := c.engine.Tare(stage); err != nil {
			log.Printf("Tare failed: %v", err)
			return
		}
		log.Printf("Remote tare for stage %d", stage)
		c.publishOffsets()

	case strings.HasPrefix(action, "set_offsets/"):
		stage, err := strconv.Atoi(strings.TrimPrefix(action, "set_offsets/"))
		if err != nil {
			log.Printf("Invalid set_offsets topic %q: %v", msg.Topic(), err)
			return
		}
		watts, err := strconv.ParseFloat(strings.TrimSpace(string(msg.Payload())), 64)
		if err != nil {
			log.Printf("Invalid offset payload %q: %v", msg.Payload(), err)
			return
		}
		if err := c.engine.SetOffset(stage, watts); err != nil {
			log.Printf("Set offset failed: %v", err)
			return
		}
		c.publishOffsets()

	default:
		log.Printf("Unknown control action %q", action)
	}
}

// publishState publishes power, temperature and offset arrays, mirroring
// the dashboard contract: temp carries the first stage's inlet followed by
// every stage outlet.
func (c *Client) publishState() {
	c.mu.RLock()
	result := c.latest
	has := c.has
	c.mu.RUnlock()

	if !has {
		return
	}

	powers := make([]float64, len(result.Stages))
	temps := make([]float64, 0, len(result.Stages)+1)
	for i, st := range result.Stages {
		powers[i] = st.Power
		if i == 0 {
			temps = append(temps, st.InletTemp)
		}
		temps = append(temps, st.OutletTemp)
	}

	c.publishJSON(c.cfg.Topic+"/power", powers)
	c.publishJSON(c.cfg.Topic+"/temp", temps)
	c.publishOffsets()
}

func (c *Client) publishOffsets() {
	c.publishJSON(c.cfg.Topic+"/offset", c.engine.Offsets())
}

func (c *Client) publishJSON(topic string, v any) {
	if c.conn == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("Failed to marshal payload for %s: %v", topic, err)
		return
	}
	c.conn.Publish(topic, 0, false, payload)
}
