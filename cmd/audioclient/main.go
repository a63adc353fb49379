package main

import (
	"encoding/json"
	"flag"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"live-transcription-service/internal/audio"
	apihttp "live-transcription-service/internal/http"
	"live-transcription-service/internal/observability/logging"
)

// Frames are sent every 100ms to simulate a live microphone.
const chunkIntervalMs = 100

func main() {
	logging.Init(logging.Config{Level: "info", Format: "console", TimeFormat: time.RFC3339})

	audioFile := flag.String("audio", "testdata/sample-16khz.wav", "Path to a 16-bit PCM WAV file")
	server := flag.String("server", "localhost:8080", "Control API address")
	auto := flag.Bool("auto-session", true, "Start a session for this stream and stop it at the end")
	linger := flag.Duration("linger", 2*time.Second, "How long to keep the connection open after the last frame")
	flag.Parse()

	data, err := os.ReadFile(*audioFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read audio file")
	}
	samples, info, err := audio.DecodeWAV(data)
	if err != nil {
		log.Fatal().Err(err).Msg("Not a usable WAV file")
	}
	log.Info().
		Uint32("sampleRate", info.SampleRate).
		Uint16("channels", info.Channels).
		Float64("durationSec", info.Duration).
		Msg("WAV file loaded")

	u := url.URL{Scheme: "ws", Host: *server, Path: "/v1/ingest"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", u.String()).Msg("Failed to connect")
	}
	defer conn.Close()

	hdr := apihttp.IngestHeader{
		Format:      "s16le",
		SampleRate:  int(info.SampleRate),
		Channels:    int(info.Channels),
		AutoSession: *auto,
	}
	if err := conn.WriteJSON(hdr); err != nil {
		log.Fatal().Err(err).Msg("Failed to send header")
	}
	var ready apihttp.IngestReply
	if err := conn.ReadJSON(&ready); err != nil {
		log.Fatal().Err(err).Msg("Server rejected the stream")
	}
	if ready.Type != "ready" {
		log.Fatal().Str("error", ready.Error).Msg("Server rejected the stream")
	}
	log.Info().Str("sessionId", ready.SessionID).Msg("Streaming audio")

	// Print rejections while streaming.
	go func() {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var reply apihttp.IngestReply
			if json.Unmarshal(msg, &reply) == nil && reply.Type == "error" {
				log.Warn().Str("kind", reply.Kind).Str("error", reply.Error).Msg("Frame rejected")
			}
		}
	}()

	step := int(info.SampleRate) * int(info.Channels) * chunkIntervalMs / 1000
	ticker := time.NewTicker(chunkIntervalMs * time.Millisecond)
	defer ticker.Stop()

	start := time.Now()
	var chunkNum int
	for off := 0; off < len(samples); off += step {
		end := off + step
		if end > len(samples) {
			end = len(samples)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, audio.Int16ToBytes(samples[off:end])); err != nil {
			log.Fatal().Err(err).Msg("Failed to send frame")
		}
		chunkNum++
		if chunkNum%10 == 0 {
			log.Info().Int("chunks", chunkNum).Int("offsetMs", chunkNum*chunkIntervalMs).Msg("Progress")
		}
		<-ticker.C
	}

	log.Info().
		Int("chunks", chunkNum).
		Dur("elapsed", time.Since(start)).
		Msg("Finished streaming, waiting for trailing transcripts")
	time.Sleep(*linger)

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	log.Info().Str("sessionId", ready.SessionID).Msg("Stream completed")
}
