// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes heater telemetry and bus statistics to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

const namespace = "bluewire"

// TelemetrySource returns the latest heater telemetry
type TelemetrySource func() runstate.Telemetry

type gauge struct {
	desc  *prometheus.Desc
	value func(t *runstate.Telemetry) float64
}

type counter struct {
	desc  *prometheus.Desc
	value func(c *frame.Counters) uint64
}

// Collector reads telemetry and statistics at scrape time
type Collector struct {
	telemetry TelemetrySource
	stats     *frame.Statistics

	online   *prometheus.Desc
	runState *prometheus.Desc
	errState *prometheus.Desc
	bus      *prometheus.Desc
	gauges   []gauge
	counters []counter
}

func newDesc(name, help string, labels ...string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
}

// NewCollector builds a collector. stats may be nil when the link keeps no
// frame statistics.
func NewCollector(telemetry TelemetrySource, stats *frame.Statistics) *Collector {
	c := &Collector{
		telemetry: telemetry,
		stats:     stats,
		online:    newDesc("heater_online", "1 while the heater is answering"),
		runState:  newDesc("heater_run_state", "Heater run state code", "state"),
		errState:  newDesc("heater_error_state", "Heater error state code", "error"),
		bus:       newDesc("bus_controller_info", "Controllers seen on the bus", "status", "foreign", "lcd"),
	}

	c.gauges = []gauge{
		{newDesc("supply_volts", "Heater supply voltage"), func(t *runstate.Telemetry) float64 { return t.SupplyVoltage }},
		{newDesc("fan_rpm", "Combustion fan speed"), func(t *runstate.Telemetry) float64 { return t.FanRPM }},
		{newDesc("fan_volts", "Combustion fan voltage"), func(t *runstate.Telemetry) float64 { return t.FanVoltage }},
		{newDesc("body_temperature_celsius", "Heat exchanger temperature"), func(t *runstate.Telemetry) float64 { return t.BodyTemp }},
		{newDesc("glow_volts", "Glow plug voltage"), func(t *runstate.Telemetry) float64 { return t.GlowVoltage }},
		{newDesc("glow_amps", "Glow plug current"), func(t *runstate.Telemetry) float64 { return t.GlowCurrent }},
		{newDesc("pump_hz", "Fuel pump actual rate"), func(t *runstate.Telemetry) float64 { return t.PumpActual }},
		{newDesc("pump_fixed_hz", "Fuel pump fixed mode rate"), func(t *runstate.Telemetry) float64 { return t.PumpFixed }},
		{newDesc("demand", "Demand sent to the heater"), func(t *runstate.Telemetry) float64 { return float64(t.Demand) }},
		{newDesc("fuel_used_ml", "Fuel used since the gauge was reset"), func(t *runstate.Telemetry) float64 { return t.FuelUsed }},
		{newDesc("low_voltage", "1 while the supply is below the cutout"), func(t *runstate.Telemetry) float64 { return boolValue(t.LowVoltage) }},
		{newDesc("fuel_exhausted", "1 once the fuel limit is reached"), func(t *runstate.Telemetry) float64 { return boolValue(t.FuelExhausted) }},
	}

	c.counters = []counter{
		{newDesc("frames_total", "Frames seen on the bus"), func(c *frame.Counters) uint64 { return c.TotalFrames }},
		{newDesc("frames_valid_total", "Frames that passed validation"), func(c *frame.Counters) uint64 { return c.ValidFrames }},
		{newDesc("crc_errors_total", "Frames with a bad CRC"), func(c *frame.Counters) uint64 { return c.CRCErrors }},
		{newDesc("timeouts_total", "Heater replies not received"), func(c *frame.Counters) uint64 { return c.Timeouts }},
		{newDesc("malformed_frames_total", "Frames with a decode error"), func(c *frame.Counters) uint64 { return c.MalformedFrames }},
		{newDesc("anomalous_values_total", "Frames carrying out of range values"), func(c *frame.Counters) uint64 { return c.AnomalousValues }},
		{newDesc("exchanges_total", "Completed bus cycles"), func(c *frame.Counters) uint64 { return c.Exchanges }},
		{newDesc("foreign_exchanges_total", "Bus cycles led by another controller"), func(c *frame.Counters) uint64 { return c.ForeignExchanges }},
	}
	return c
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.online
	ch <- c.runState
	ch <- c.errState
	ch <- c.bus
	for _, g := range c.gauges {
		ch <- g.desc
	}
	if c.stats != nil {
		for _, k := range c.counters {
			ch <- k.desc
		}
	}
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	t := c.telemetry()

	ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, boolValue(t.Online))
	ch <- prometheus.MustNewConstMetric(c.runState, prometheus.GaugeValue,
		float64(t.RunState), runstate.RunStateString(t.RunState))
	ch <- prometheus.MustNewConstMetric(c.errState, prometheus.GaugeValue,
		float64(t.ErrState), runstate.ErrStateString(t.ErrState))
	ch <- prometheus.MustNewConstMetric(c.bus, prometheus.GaugeValue, 1,
		t.BusStatus, boolLabel(t.ForeignController), boolLabel(t.LCDController))

	// readings are stale or unknown while the heater is silent
	if t.Online {
		for _, g := range c.gauges {
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, g.value(&t))
		}
	}

	if c.stats == nil {
		return
	}
	snap := c.stats.Snapshot()
	for _, k := range c.counters {
		ch <- prometheus.MustNewConstMetric(k.desc, prometheus.CounterValue, float64(k.value(&snap)))
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// NewRegistry returns a registry holding the collector and the Go runtime
// collectors
func NewRegistry(c *Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	reg.MustRegister(collectors.NewGoCollector())
	return reg
}

// Handler serves the registry in the Prometheus exposition format
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}
