// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Thermoquad/bluewire/pkg/config"
)

func openTemp(t *testing.T, guard sync.Locker) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bluewire.db"), guard)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ============================================================
// Empty Database Tests
// ============================================================

func TestStore_EmptyDefaults(t *testing.T) {
	s := openTemp(t, nil)

	cfg, err := s.LoadConfig()
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if cfg != config.Default() {
		t.Error("empty database should yield default config")
	}

	style, err := s.LoadStyle()
	if !errors.Is(err, ErrNotFound) || style != config.StyleBlueWire {
		t.Errorf("expected blue wire and ErrNotFound, got %v %v", style, err)
	}

	strokes, err := s.LoadFuel()
	if !errors.Is(err, ErrNotFound) || strokes != 0 {
		t.Errorf("expected 0 strokes and ErrNotFound, got %v %v", strokes, err)
	}
}

// ============================================================
// Persistence Tests
// ============================================================

func TestStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bluewire.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	cfg := config.Default()
	cfg.Settings.DegC = 19
	cfg.Settings.FramePeriodMs = 750
	cfg.Tuning.PumpMax = 5.2
	if err := s.SaveConfig(cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := s.SaveStyle(config.StyleAlt); err != nil {
		t.Fatalf("save style: %v", err)
	}
	if err := s.SaveFuel(1234.5); err != nil {
		t.Fatalf("save fuel: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(path, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if got != cfg {
		t.Errorf("config mismatch:\n got %+v\nwant %+v", got, cfg)
	}
	if style, err := s.LoadStyle(); err != nil || style != config.StyleAlt {
		t.Errorf("expected alt style, got %v %v", style, err)
	}
	if strokes, err := s.LoadFuel(); err != nil || strokes != 1234.5 {
		t.Errorf("expected 1234.5 strokes, got %v %v", strokes, err)
	}
}

func TestStore_RejectsInvalidConfig(t *testing.T) {
	s := openTemp(t, nil)

	good := config.Default()
	good.Settings.DegC = 20
	if err := s.SaveConfig(good); err != nil {
		t.Fatalf("save: %v", err)
	}

	bad := good
	bad.Settings.FramePeriodMs = 50
	if err := s.SaveConfig(bad); err == nil {
		t.Fatal("expected validation error")
	}

	got, err := s.LoadConfig()
	if err != nil || got != good {
		t.Errorf("invalid save should leave the old config, got %+v %v", got, err)
	}
}

func TestStore_InvalidSavedConfigFallsBack(t *testing.T) {
	s := openTemp(t, nil)

	bad := config.Default()
	bad.Tuning.SystemVoltage = 48
	if err := s.put(bucketHeater, keyConfig, bad); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.LoadConfig()
	if err == nil {
		t.Error("expected an error for an invalid saved config")
	}
	if got != config.Default() {
		t.Error("invalid saved config should yield defaults")
	}
}

// ============================================================
// Guard Tests
// ============================================================

func TestStore_WriteWaitsForGuard(t *testing.T) {
	var guard sync.Mutex
	s := openTemp(t, &guard)

	guard.Lock()
	done := make(chan error, 1)
	go func() { done <- s.SaveFuel(10) }()

	select {
	case <-done:
		t.Fatal("write completed while the guard was held")
	case <-time.After(50 * time.Millisecond):
	}

	guard.Unlock()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("save: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("write did not complete after the guard was released")
	}

	// reads do not take the guard
	guard.Lock()
	defer guard.Unlock()
	if strokes, err := s.LoadFuel(); err != nil || strokes != 10 {
		t.Errorf("expected 10 strokes, got %v %v", strokes, err)
	}
}
