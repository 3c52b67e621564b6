// Package server exposes HTTP handlers, including the WebSocket upgrade and
// the health check.
package server

import (
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// NewWebSocketHandler returns the upgrade handler bound to hub. It validates
// the method, upgrades the connection, captures device metadata from the
// request, and registers the client; the hub launches the pump goroutines.
func NewWebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("WebSocket upgrade failed: %v", err)
			return
		}

		client := NewClient(conn, hub, r.RemoteAddr, deviceInfoFromRequest(r))

		select {
		case hub.register <- client:
		case <-hub.ctx.Done():
			client.closeNow()
		}
	}
}

// deviceInfoFromRequest derives coarse browser/OS hints from the User-Agent.
// The result is forwarded to the peer on match, never interpreted here.
func deviceInfoFromRequest(r *http.Request) DeviceInfo {
	ua := r.UserAgent()

	browser := "Unknown"
	switch {
	case strings.Contains(ua, "Firefox"):
		browser = "Firefox"
	case strings.Contains(ua, "Chrome"):
		browser = "Chrome"
	case strings.Contains(ua, "Safari"):
		browser = "Safari"
	}

	os := "Unknown"
	switch {
	case strings.Contains(ua, "Windows"):
		os = "Windows"
	case strings.Contains(ua, "Mac"):
		os = "Mac"
	case strings.Contains(ua, "Linux"):
		os = "Linux"
	}

	return DeviceInfo{Browser: browser, OS: os, Network: r.RemoteAddr}
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Pairwire signaling server is running!")
}
