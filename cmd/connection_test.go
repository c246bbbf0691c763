// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// bridgeServer is a WebSocket bridge that sends a text banner and two
// frames in one binary message, then forwards what the client writes
func bridgeServer(t *testing.T, received chan<- []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if user, pass, ok := r.BasicAuth(); !ok || user != "admin" || pass != "secret" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		payload := make([]byte, 48)
		for i := range payload {
			payload[i] = byte(i)
		}
		conn.WriteMessage(websocket.TextMessage, []byte("bridge ready"))
		conn.WriteMessage(websocket.BinaryMessage, payload)

		if _, data, err := conn.ReadMessage(); err == nil {
			received <- data
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURLFor(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDialWebSocket_RejectsBadURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"http://bridge.local/ws", "unsupported URL scheme"},
		{"bridge.local/ws", "unsupported URL scheme"},
		{"ws://[::1", "invalid URL"},
	}

	for _, tt := range tests {
		_, err := dialWebSocket(tt.url, "", "", false)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("dialWebSocket(%q) error = %v, want %q", tt.url, err, tt.want)
		}
	}
}

func TestDialWebSocket_Unauthorized(t *testing.T) {
	srv := bridgeServer(t, make(chan []byte, 1))
	_, err := dialWebSocket(wsURLFor(srv), "admin", "wrong", false)
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Errorf("error = %v, want HTTP 401", err)
	}
}

func TestWsConn_Exchange(t *testing.T) {
	received := make(chan []byte, 1)
	srv := bridgeServer(t, received)

	conn, err := dialWebSocket(wsURLFor(srv), "admin", "secret", false)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.SetGate(true); err != nil {
		t.Errorf("SetGate: %v", err)
	}

	// Text banner skipped, binary message split across reads
	buf := make([]byte, 24)
	for want := 0; want < 48; want += 24 {
		n, err := conn.Read(buf)
		if err != nil || n != 24 {
			t.Fatalf("read = %d, %v", n, err)
		}
		if buf[0] != byte(want) || buf[23] != byte(want+23) {
			t.Errorf("read bytes % X, want starting at %d", buf[:n], want)
		}
	}

	ctl := bytes.Repeat([]byte{0x76}, 24)
	if n, err := conn.Write(ctl); err != nil || n != len(ctl) {
		t.Fatalf("write = %d, %v", n, err)
	}
	select {
	case got := <-received:
		if !bytes.Equal(got, ctl) {
			t.Errorf("bridge received % X", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge received nothing")
	}

	// Bridge hangs up after one message
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("read after hang up should fail")
	}
	if _, err := conn.Read(buf); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("second read error = %v, want ErrConnectionClosed", err)
	}
	if !isClosed(ErrConnectionClosed) {
		t.Error("ErrConnectionClosed should end reader loops")
	}
}
