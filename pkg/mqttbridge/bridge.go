// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package mqttbridge publishes heater state to an MQTT broker and accepts
// on/off and demand commands from it.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/bluewire/pkg/heater"
	"github.com/Thermoquad/bluewire/pkg/runstate"
	"github.com/Thermoquad/bluewire/pkg/thermostat"
)

// Defaults
const (
	DefaultTopic    = "bluewire"
	DefaultInterval = 5 * time.Second

	publishTimeout = 2 * time.Second
	disconnectMs   = 250
)

// Controller is the heater surface the bridge drives
type Controller interface {
	Telemetry() runstate.Telemetry
	RunStateEx() int
	RequestOn() heater.StartResult
	RequestOff()
	Setpoint() *thermostat.Setpoint
	SetAmbient(degC float64)
}

// Options configure a Bridge
type Options struct {
	Broker   string // tcp://host:1883
	ClientID string
	Username string
	Password string
	Topic    string // prefix for every topic
	Interval time.Duration
	Logger   zerolog.Logger
}

// State is the JSON document published on <topic>/state
type State struct {
	Online      bool    `json:"online"`
	RunState    int     `json:"run_state"`
	RunString   string  `json:"run_string"`
	ErrState    int     `json:"err_state"`
	ErrString   string  `json:"err_string"`
	Supply      float64 `json:"supply_v,omitempty"`
	FanRPM      float64 `json:"fan_rpm,omitempty"`
	BodyTemp    float64 `json:"body_temp_c,omitempty"`
	GlowPower   float64 `json:"glow_w,omitempty"`
	PumpHz      float64 `json:"pump_hz,omitempty"`
	Demand      int     `json:"demand"`
	Thermostat  bool    `json:"thermostat"`
	FuelUsed    float64 `json:"fuel_used_ml"`
	LowVoltage  bool    `json:"low_voltage,omitempty"`
	FuelEmpty   bool    `json:"fuel_empty,omitempty"`
	BusStatus   string  `json:"bus,omitempty"`
	ForeignCtrl bool    `json:"oem,omitempty"`
}

// NewState builds the published state. Readings the heater has not
// reported are left out.
func NewState(t runstate.Telemetry, runEx int) State {
	s := State{
		Online:      t.Online,
		RunState:    runEx,
		RunString:   runstate.RunStateString(runEx),
		ErrState:    t.ErrState,
		ErrString:   runstate.ErrStateStringEx(t.ErrState),
		Demand:      t.Demand,
		Thermostat:  t.Thermostat,
		FuelUsed:    t.FuelUsed,
		LowVoltage:  t.LowVoltage,
		FuelEmpty:   t.FuelExhausted,
		BusStatus:   t.BusStatus,
		ForeignCtrl: t.ForeignController,
	}
	if t.Online {
		s.Supply = t.SupplyVoltage
		s.FanRPM = t.FanRPM
		s.BodyTemp = t.BodyTemp
		s.GlowPower = t.GlowPower()
		s.PumpHz = t.PumpActual
	}
	return s
}

// publisher is the part of mqtt.Client used to send
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bridge relays between a Controller and an MQTT broker
type Bridge struct {
	ctl  Controller
	opts Options
	log  zerolog.Logger
}

// New creates a bridge
func New(ctl Controller, opts Options) *Bridge {
	if opts.Topic == "" {
		opts.Topic = DefaultTopic
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.ClientID == "" {
		opts.ClientID = "bluewire"
	}
	return &Bridge{
		ctl:  ctl,
		opts: opts,
		log:  opts.Logger.With().Str("component", "mqtt").Logger(),
	}
}

func (b *Bridge) topic(parts ...string) string {
	return b.opts.Topic + "/" + strings.Join(parts, "/")
}

// Run connects to the broker and publishes state every Interval until ctx is
// done. The broker connection is retried in the background.
func (b *Bridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.opts.Broker)
	opts.SetClientID(b.opts.ClientID)
	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username)
		opts.SetPassword(b.opts.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetWill(b.topic("availability"), "offline", 1, true)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Info().Str("broker", b.opts.Broker).Msg("connected")
		c.Publish(b.topic("availability"), 1, true, "online")
		c.Subscribe(b.topic("set", "+"), 1, b.handle(c))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.log.Warn().Err(err).Msg("connection lost")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(publishTimeout) && token.Error() != nil {
		return fmt.Errorf("failed to connect to %s: %w", b.opts.Broker, token.Error())
	}
	defer func() {
		if token := client.Publish(b.topic("availability"), 1, true, "offline"); !token.WaitTimeout(publishTimeout) {
			b.log.Debug().Msg("offline notice not acknowledged")
		}
		client.Disconnect(disconnectMs)
	}()

	ticker := time.NewTicker(b.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !client.IsConnectionOpen() {
				continue
			}
			if err := b.publishState(client); err != nil {
				b.log.Warn().Err(err).Msg("state publish failed")
			}
		}
	}
}

func (b *Bridge) publishState(pub publisher) error {
	payload, err := json.Marshal(NewState(b.ctl.Telemetry(), b.ctl.RunStateEx()))
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	token := pub.Publish(b.topic("state"), 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return errors.New("publish timed out")
	}
	return token.Error()
}

// handle returns the handler for <topic>/set/<name> messages. The outcome is
// published on <topic>/result.
func (b *Bridge) handle(pub publisher) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		name := msg.Topic()[strings.LastIndexByte(msg.Topic(), '/')+1:]
		payload := strings.TrimSpace(string(msg.Payload()))

		result, err := b.command(name, payload)
		if err != nil {
			b.log.Warn().Err(err).Str("command", name).Str("payload", payload).Msg("command rejected")
			result = "Error: " + err.Error()
		} else {
			b.log.Info().Str("command", name).Str("payload", payload).Str("result", result).Msg("command")
		}
		pub.Publish(b.topic("result"), 0, false, result)
	}
}

// command applies one named command and returns the result message
func (b *Bridge) command(name, payload string) (string, error) {
	switch name {
	case "power":
		on, err := parseSwitch(payload)
		if err != nil {
			return "", err
		}
		if !on {
			b.ctl.RequestOff()
			return "OK", nil
		}
		return b.ctl.RequestOn().String(), nil

	case "demand":
		v, err := strconv.Atoi(payload)
		if err != nil {
			return "", fmt.Errorf("demand %q: %w", payload, err)
		}
		if err := b.ctl.Setpoint().SetDemand(v); err != nil {
			return "", err
		}
		return "OK", nil

	case "thermostat":
		on, err := parseSwitch(payload)
		if err != nil {
			return "", err
		}
		if err := b.ctl.Setpoint().SetThermostat(on); err != nil {
			return "", err
		}
		return "OK", nil

	case "ambient":
		v, err := strconv.ParseFloat(payload, 64)
		if err != nil {
			return "", fmt.Errorf("ambient %q: %w", payload, err)
		}
		b.ctl.SetAmbient(v)
		return "OK", nil

	default:
		return "", fmt.Errorf("unknown command %q", name)
	}
}

func parseSwitch(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	default:
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
}
