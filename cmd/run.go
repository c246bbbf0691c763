// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/bluewire/pkg/heater"
	"github.com/Thermoquad/bluewire/pkg/metrics"
	"github.com/Thermoquad/bluewire/pkg/mqttbridge"
	"github.com/Thermoquad/bluewire/pkg/runstate"
)

var (
	runDetectFirst  bool
	metricsListen   string
	mqttBroker      string
	mqttUsername    string
	mqttTopic       string
	mqttInterval    time.Duration
	telemetryPeriod time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the heater controller as a service",
	Long: `Drive the heater without a terminal UI.

The controller masters the bus (or follows an OEM controller), supervises
cyclic thermostat mode and persists settings and the fuel gauge. Optionally:
  - Prometheus metrics are served on --metrics-listen at /metrics
  - State is published to an MQTT broker and commands accepted from it

MQTT topics, under --mqtt-topic:
  state            JSON heater state (retained)
  availability     online / offline
  set/power        on | off
  set/demand       thermostat °C or fixed rate
  set/thermostat   on | off
  set/ambient      room temperature °C
  result           outcome of the last command

The MQTT password is read from the BLUEWIRE_MQTT_PASSWORD environment
variable.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolVar(&runDetectFirst, "detect", false, "Detect the heater style before starting")
	runCmd.Flags().StringVar(&metricsListen, "metrics-listen", ":9110", "Prometheus listen address (empty disables)")
	runCmd.Flags().StringVar(&mqttBroker, "mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883 (empty disables)")
	runCmd.Flags().StringVar(&mqttUsername, "mqtt-username", "", "MQTT username")
	runCmd.Flags().StringVar(&mqttTopic, "mqtt-topic", mqttbridge.DefaultTopic, "MQTT topic prefix")
	runCmd.Flags().DurationVar(&mqttInterval, "mqtt-interval", mqttbridge.DefaultInterval, "MQTT state publish interval")
	runCmd.Flags().DurationVar(&telemetryPeriod, "telemetry-interval", 30*time.Second, "Telemetry log interval (0 disables)")
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := openHeaterStack(log.Logger)
	if err != nil {
		return err
	}
	defer stack.Close()
	mgr := stack.mgr

	log.Info().Str("connection", stack.connInfo).Str("db", stack.store.Path()).Msg("starting")
	if err := mgr.Start(ctx); err != nil {
		return err
	}

	if runDetectFirst {
		style, err := mgr.Detect(ctx)
		if err != nil && !errors.Is(err, heater.ErrNotDetected) {
			return err
		}
		if err != nil {
			log.Warn().Str("style", style.String()).Msg("no heater detected, continuing with saved style")
		}
	}

	go mgr.Supervise(ctx)

	if metricsListen != "" {
		reg := metrics.NewRegistry(metrics.NewCollector(mgr.Telemetry, stack.stats))
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: metricsListen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Info().Str("addr", metricsListen).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	if mqttBroker != "" {
		bridge := mqttbridge.New(mgr, mqttbridge.Options{
			Broker:   mqttBroker,
			ClientID: "bluewire-" + mqttTopic,
			Username: mqttUsername,
			Password: os.Getenv("BLUEWIRE_MQTT_PASSWORD"),
			Topic:    mqttTopic,
			Interval: mqttInterval,
			Logger:   log.Logger,
		})
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Error().Err(err).Msg("mqtt bridge failed")
			}
		}()
	}

	if telemetryPeriod <= 0 {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		return nil
	}

	ticker := time.NewTicker(telemetryPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutting down")
			return nil
		case <-ticker.C:
			logTelemetry(mgr)
		}
	}
}

func logTelemetry(mgr *heater.Manager) {
	tel := mgr.Telemetry()
	ev := log.Info().
		Bool("online", tel.Online).
		Str("state", runstate.RunStateString(mgr.RunStateEx())).
		Str("error", runstate.ErrStateStringEx(tel.ErrState)).
		Int("demand", mgr.Demand()).
		Str("bus", tel.BusStatus)
	if tel.Online {
		ev = ev.Float64("supply", tel.SupplyVoltage).
			Float64("body", tel.BodyTemp).
			Float64("fan_rpm", tel.FanRPM).
			Float64("pump_hz", tel.PumpActual).
			Float64("fuel_ml", tel.FuelUsed)
	}
	ev.Msg("telemetry")
}
