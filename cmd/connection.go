// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/bluewire/pkg/frame"
	"github.com/Thermoquad/bluewire/pkg/sim"
)

// readTimeout lets a blocked serial read return so a stopped link releases
// the port
const readTimeout = 100 * time.Millisecond

const (
	wsHandshakeTimeout = 10 * time.Second
	wsDialTimeout      = 15 * time.Second
)

// Connection is a byte stream onto the bus with its transmit enable
type Connection interface {
	io.ReadWriteCloser

	SetGate(on bool) error
}

// serialConn drives the transceiver's transmit enable from RTS
type serialConn struct {
	serial.Port
}

func (s serialConn) SetGate(on bool) error { return s.SetRTS(on) }

func openSerial(name string, baud int) (Connection, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", name, err)
	}
	if err := port.SetRTS(false); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to release transmit gate on %s: %w", name, err)
	}
	return serialConn{port}, nil
}

// ErrConnectionClosed is returned by reads after a WebSocket bridge has gone
var ErrConnectionClosed = fmt.Errorf("websocket connection closed")

// wsConn carries bus bytes in binary WebSocket messages. The bridge at the
// far end gates its own transmitter.
type wsConn struct {
	conn    *websocket.Conn
	pending []byte
	failed  bool
}

func (w *wsConn) Read(p []byte) (int, error) {
	if w.failed {
		return 0, ErrConnectionClosed
	}
	for len(w.pending) == 0 {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			w.failed = true
			return 0, err
		}
		if kind == websocket.BinaryMessage {
			w.pending = data
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error       { return w.conn.Close() }
func (w *wsConn) SetGate(bool) error { return nil }

func dialWebSocket(rawURL, username, password string, skipVerify bool) (Connection, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %q (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipVerify}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsDialTimeout)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, rawURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return &wsConn{conn: conn}, nil
}

// bridgePassword reads BLUEWIRE_PASSWORD, or prompts for it without echo
func bridgePassword() (string, error) {
	if pw := os.Getenv("BLUEWIRE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	pw, err := term.ReadPassword(int(syscall.Stdin))
	if err == nil {
		return string(pw), nil
	}
	// stdin is not a terminal
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// OpenConnection opens the connection the flags select. A simulated bus
// carries traffic from a simulated OEM controller so passive commands have
// something to show.
func OpenConnection() (Connection, string, error) {
	return openConnection(true)
}

func openConnection(withOEM bool) (Connection, string, error) {
	switch {
	case simStyle != "":
		if simStyle != "bluewire" {
			return nil, "", fmt.Errorf("--sim %s has no byte stream (use --sim bluewire)", simStyle)
		}
		bus := sim.NewBus(sim.NewHeater())
		if withOEM {
			ctl := frame.NewControlFrame()
			ctl.SetDemand(22)
			ctl.SetCRC()
			bus.StartOEM(ctl, time.Second)
		}
		return bus, "Simulated blue wire heater", nil

	case wsURL != "":
		var password string
		if wsUsername != "" {
			var err error
			if password, err = bridgePassword(); err != nil {
				return nil, "", err
			}
		}
		conn, err := dialWebSocket(wsURL, wsUsername, password, wsNoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return conn, "WebSocket: " + wsURL, nil

	case portName != "":
		conn, err := openSerial(portName, baudRate)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("Serial: %s @ %d baud", portName, baudRate), nil
	}
	return nil, "", fmt.Errorf("one of --port, --url or --sim must be specified")
}
