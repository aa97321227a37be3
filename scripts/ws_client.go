// Package main runs a demo WebSocket client that starts a short training run
// and prints its progress events.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

type event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:"+envOr("PORT", "8080"), "API host:port")
	name := flag.String("name", "demo", "model name")
	episodes := flag.Int("episodes", 50, "training episodes")
	wait := flag.Duration("wait", 5*time.Minute, "how long to wait for the run")
	flag.Parse()
	token := os.Getenv("AUTH_TOKEN")

	// Connect first so no progress event is missed.
	u := url.URL{Scheme: "ws", Host: *host, Path: "/v1/training/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m event
			if err := c.ReadJSON(&m); err != nil {
				log.WithError(err).Warn("read")
				return
			}
			log.WithField("type", m.Type).Info(string(m.Data))
			if m.Type == "training.completed" || m.Type == "training.failed" {
				return
			}
		}
	}()

	body, _ := json.Marshal(map[string]any{
		"model_name":    *name,
		"episodes":      *episodes,
		"num_customers": 10,
		"num_vehicles":  2,
		"activate":      true,
	})
	req, _ := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/v1/training/start", *host), bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("start training: %s", resp.Status)
	}

	select {
	case <-time.After(*wait):
		log.Warn("timed out waiting for the run to finish")
	case <-done:
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
