// Package main runs a demo WebSocket client for run events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Ingest a minimal fleet snapshot
	snapshot := []byte(`{"depotId":"d_demo","snapshot":{"trainsets":[{"id":"TS-1","status":"operational","batteryLevel":85,"mileageKm":42000,"stablingId":"SP-1","parkingDepth":1}],"certificates":[{"id":"C-1","trainsetId":"TS-1","type":"rolling_stock","expiresAt":"2027-01-01T00:00:00Z","valid":true}],"stablingPositions":[{"id":"SP-1","track":"T1","depth":1,"occupied":true,"occupantId":"TS-1"}]}}`)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/fleet/snapshot", bytes.NewReader(snapshot))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Depot-Id", "d_demo")
	req.Header.Set("X-Role", "admin")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()

	// Connect WS and follow the depot topic
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/ws/run-events"}
	hdr := http.Header{}
	hdr.Set("X-Depot-Id", "d_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	// connection_init
	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	// subscribe to every event the depot produces
	pl, _ := json.Marshal(map[string]any{"depotId": "d_demo"})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger an induction run so an event arrives
	time.Sleep(500 * time.Millisecond)
	runBody := []byte(`{"depotId":"d_demo"}`)
	runReq, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize/induction", bytes.NewReader(runBody))
	runReq.Header.Set("Content-Type", "application/json")
	runReq.Header.Set("X-Depot-Id", "d_demo")
	runReq.Header.Set("X-Role", "admin")
	_, _ = http.DefaultClient.Do(runReq)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
