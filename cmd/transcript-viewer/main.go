// Transcript viewer: consumes the transcription topics from Kafka and relays
// every event to connected browsers over a websocket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"

	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
)

// Hub manages websocket connections.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan models.Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan models.Event, 100),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", n).Msg("Viewer connected")

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			log.Info().Int("clients", n).Msg("Viewer disconnected")

		case event := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					log.Warn().Err(err).Msg("Viewer write failed")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func wsHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Websocket upgrade failed")
			return
		}
		hub.register <- conn

		go func() {
			defer func() {
				hub.unregister <- conn
			}()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func consumeKafka(ctx context.Context, hub *Hub, brokers []string, topic string, since time.Duration) {
	// Partition reader without a consumer group so several viewers can tail the same topic.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-since)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Could not seek, reading from the start")
	}
	log.Info().Str("topic", topic).Dur("since", since).Msg("Consuming topic")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("topic", topic).Msg("Kafka read error")
			time.Sleep(time.Second)
			continue
		}

		var event models.Event
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Skipping undecodable message")
			continue
		}

		text := ""
		if event.Fragment != nil {
			text = truncate(event.Fragment.Text, 40)
		}
		log.Debug().
			Str("type", string(event.Type)).
			Str("sessionId", event.SessionID).
			Str("engine", string(event.Engine)).
			Str("text", text).
			Msg("Event received")

		select {
		case hub.broadcast <- event:
		case <-ctx.Done():
			return
		}
	}
}

const page = `<!doctype html>
<html><head><meta charset="utf-8"><title>Live transcripts</title>
<style>
body{font-family:sans-serif;margin:0;display:flex;height:100vh}
section{flex:1;padding:1em;overflow-y:auto;border-right:1px solid #ddd}
.partial{color:#888;font-style:italic}
.meta{color:#555;font-size:.85em}
</style></head>
<body>
<section><h2>Streaming</h2><div id="streaming"></div><p class="partial" id="streaming-partial"></p></section>
<section><h2>Local</h2><div id="local"></div><p class="partial" id="local-partial"></p></section>
<section><h2>Session</h2><div id="meta" class="meta"></div></section>
<script>
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (m) => {
  const ev = JSON.parse(m.data);
  if (ev.fragment) {
    const engine = ev.engine === "local" ? "local" : "streaming";
    if (ev.fragment.isFinal) {
      const p = document.createElement("p");
      p.textContent = ev.fragment.text;
      document.getElementById(engine).appendChild(p);
      document.getElementById(engine + "-partial").textContent = "";
    } else {
      document.getElementById(engine + "-partial").textContent = ev.fragment.text;
    }
    return;
  }
  const line = document.createElement("div");
  line.textContent = new Date(ev.timestamp).toLocaleTimeString() + " " + ev.type +
    (ev.engine ? " [" + ev.engine + "]" : "") + (ev.state ? " " + ev.state : "") +
    (ev.error ? " " + ev.error.message : "");
  document.getElementById("meta").prepend(line);
};
</script></body></html>`

func main() {
	_ = godotenv.Load()
	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	addr := flag.String("addr", ":8081", "HTTP listen address")
	brokers := flag.String("brokers", envOr("KAFKA_BROKERS", "localhost:9092"), "Kafka brokers (comma-separated)")
	topicPartial := flag.String("topic-partial", envOr("KAFKA_TOPIC_PARTIAL", "transcription.partial"), "Partial transcript topic")
	topicFinal := flag.String("topic-final", envOr("KAFKA_TOPIC_FINAL", "transcription.final"), "Final transcript topic")
	topicLifecycle := flag.String("topic-lifecycle", envOr("KAFKA_TOPIC_LIFECYCLE", "transcription.session"), "Lifecycle/status/error topic")
	since := flag.Duration("since", time.Hour, "How far back to replay on start")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	hub := newHub()
	go hub.run(ctx)

	brokerList := strings.Split(*brokers, ",")
	for _, topic := range []string{*topicPartial, *topicFinal, *topicLifecycle} {
		go consumeKafka(ctx, hub, brokerList, topic, *since)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(page))
	})
	mux.HandleFunc("/ws", wsHandler(hub))

	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("addr", *addr).
		Strs("brokers", brokerList).
		Msg("Transcript viewer starting")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server error")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
