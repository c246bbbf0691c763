// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package store persists heater configuration, the detected heater style and
// the fuel gauge in a bbolt database. Records are CBOR encoded.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/Thermoquad/bluewire/pkg/config"
)

// ErrNotFound is returned when nothing has been saved under a key yet
var ErrNotFound = errors.New("not found")

var (
	bucketHeater = []byte("heater")
	bucketFuel   = []byte("fuel")

	keyConfig  = []byte("config")
	keyStyle   = []byte("style")
	keyStrokes = []byte("strokes")
)

// openTimeout bounds the wait for the database file lock
const openTimeout = time.Second

// Store is the persistent settings database
type Store struct {
	db    *bolt.DB
	guard sync.Locker
}

type noGuard struct{}

func (noGuard) Lock()   {}
func (noGuard) Unlock() {}

// Open opens or creates the database at path. Writes hold guard so they
// never overlap a frame transmission; nil disables this.
func Open(path string, guard sync.Locker) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketHeater, bucketFuel} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	if guard == nil {
		guard = noGuard{}
	}
	return &Store{db: db, guard: guard}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file name
func (s *Store) Path() string {
	return s.db.Path()
}

func (s *Store) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get(key)
		if data == nil {
			return ErrNotFound
		}
		if err := cbor.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to decode %s: %w", key, err)
		}
		return nil
	})
}

func (s *Store) put(bucket, key []byte, v any) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	s.guard.Lock()
	defer s.guard.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

// LoadConfig returns the saved configuration, or the defaults with
// ErrNotFound if none was saved. A saved configuration that no longer
// validates is replaced by the defaults.
func (s *Store) LoadConfig() (config.Config, error) {
	var cfg config.Config
	if err := s.get(bucketHeater, keyConfig, &cfg); err != nil {
		return config.Default(), err
	}
	if err := cfg.Validate(); err != nil {
		return config.Default(), fmt.Errorf("saved config invalid: %w", err)
	}
	return cfg, nil
}

// SaveConfig stores the configuration
func (s *Store) SaveConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return s.put(bucketHeater, keyConfig, cfg)
}

// LoadStyle returns the last detected heater style
func (s *Store) LoadStyle() (config.Style, error) {
	var style config.Style
	if err := s.get(bucketHeater, keyStyle, &style); err != nil {
		return config.StyleBlueWire, err
	}
	return style, nil
}

// SaveStyle stores the detected heater style
func (s *Store) SaveStyle(style config.Style) error {
	return s.put(bucketHeater, keyStyle, style)
}

// LoadFuel returns the persisted fuel gauge reading in pump strokes
func (s *Store) LoadFuel() (float64, error) {
	var strokes float64
	if err := s.get(bucketFuel, keyStrokes, &strokes); err != nil {
		return 0, err
	}
	return strokes, nil
}

// SaveFuel stores the fuel gauge reading
func (s *Store) SaveFuel(strokes float64) error {
	return s.put(bucketFuel, keyStrokes, strokes)
}
