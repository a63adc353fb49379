package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"live-transcription-service/internal/audio"
	"live-transcription-service/internal/models"
	"live-transcription-service/internal/observability/logging"
	"live-transcription-service/internal/observability/metrics"
)

const (
	maxFrameBytes = 1 << 20
	writeWait     = 5 * time.Second
	stopTimeout   = 45 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 4 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// IngestHeader is the first text message on an ingest connection. It declares
// the layout of every binary frame that follows.
type IngestHeader struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
	// AutoSession starts a session when none is active and stops it when the
	// connection ends.
	AutoSession bool `json:"autoSession,omitempty"`
}

// IngestReply is sent as a text message after the header and whenever a frame
// is rejected.
type IngestReply struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

func (h IngestHeader) parse() (audio.SampleFormat, error) {
	if h.Format == "" {
		h.Format = "s16le"
	}
	format, err := audio.ParseSampleFormat(h.Format)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", models.ErrUnsupportedFormat, err)
	}
	if h.SampleRate <= 0 {
		return 0, fmt.Errorf("%w: sampleRate must be positive", models.ErrUnsupportedFormat)
	}
	if h.Channels != 1 && h.Channels != 2 {
		return 0, fmt.Errorf("%w: channels must be 1 or 2", models.ErrUnsupportedFormat)
	}
	return format, nil
}

func writeReply(conn *websocket.Conn, reply IngestReply) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(reply)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// ingest accepts one audio producer. Binary frames are decoded with the
// declared layout and handed to the pipeline in arrival order.
func (a *api) ingest(w http.ResponseWriter, r *http.Request) {
	log := logging.WithComponent("ingest")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameBytes)

	m := metrics.DefaultMetrics
	m.IngestConnections.Inc()
	defer m.IngestConnections.Dec()

	mt, data, err := conn.ReadMessage()
	if err != nil {
		log.Debug().Err(err).Msg("Ingest connection closed before header")
		return
	}
	var hdr IngestHeader
	if mt != websocket.TextMessage {
		closeWith(conn, websocket.CloseUnsupportedData, "first message must be a JSON header")
		return
	}
	if err := json.Unmarshal(data, &hdr); err != nil {
		closeWith(conn, websocket.CloseUnsupportedData, "invalid header: "+err.Error())
		return
	}
	format, err := hdr.parse()
	if err != nil {
		closeWith(conn, websocket.CloseUnsupportedData, err.Error())
		return
	}

	owned := false
	if hdr.AutoSession && !a.Pipeline.Active() {
		_, err := a.Pipeline.StartSession(r.Context())
		switch {
		case err == nil:
			owned = true
		case errors.Is(err, models.ErrSessionAlreadyActive):
		default:
			_ = writeReply(conn, IngestReply{Type: "error", Error: err.Error(), Kind: models.Kind(err)})
			closeWith(conn, websocket.CloseInternalServerErr, "session start failed")
			return
		}
	}
	if owned {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			if _, err := a.Pipeline.StopSession(ctx); err != nil {
				log.Warn().Err(err).Msg("Stopping ingest-owned session failed")
			}
		}()
	}

	status := a.Pipeline.Status()
	if err := writeReply(conn, IngestReply{Type: "ready", SessionID: status.SessionID}); err != nil {
		return
	}
	log.Info().
		Str("format", format.String()).
		Int("sampleRate", hdr.SampleRate).
		Int("channels", hdr.Channels).
		Bool("autoSession", owned).
		Msg("Ingest stream started")

	var frames, rejected int64
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Ingest read ended")
			}
			break
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := audio.FrameFromBytes(format, data, hdr.SampleRate, hdr.Channels)
		if err == nil {
			err = a.Pipeline.OnFrame(frame.WithTimestamp(time.Now()))
		}
		if err != nil {
			rejected++
			if rejected == 1 || rejected%100 == 0 {
				_ = writeReply(conn, IngestReply{Type: "error", Error: err.Error(), Kind: models.Kind(err)})
			}
			continue
		}
		frames++
	}

	log.Info().
		Int64("frames", frames).
		Int64("rejected", rejected).
		Msg("Ingest stream ended")
}

// streamEvents relays bus events to a websocket client as JSON text messages.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	log := logging.WithComponent("events-ws")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch, cancel := a.Bus.Subscribe(256)
	defer cancel()

	// Drain client messages so close frames are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("Event client write failed")
				return
			}
		}
	}
}
