// Package google provides a Google Cloud Speech-to-Text transport for the
// streaming client.
package google

import (
	"context"
	"errors"
	"io"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"

	"live-transcription-service/internal/service/stt/streaming"
)

// Config holds Google STT configuration.
type Config struct {
	LanguageCode   string
	SampleRateHz   int32
	InterimResults bool
	AudioEncoding  string
	Model          string
}

// DefaultConfig returns sensible default Google STT configuration.
func DefaultConfig() Config {
	return Config{
		LanguageCode:   "en-US",
		SampleRateHz:   16000,
		InterimResults: true,
		AudioEncoding:  "LINEAR16",
	}
}

// parseAudioEncoding maps an encoding name to the API enum.
// Unknown or non-uppercase names fall back to LINEAR16.
func parseAudioEncoding(s string) speechpb.RecognitionConfig_AudioEncoding {
	switch s {
	case "LINEAR16":
		return speechpb.RecognitionConfig_LINEAR16
	case "MULAW":
		return speechpb.RecognitionConfig_MULAW
	case "FLAC":
		return speechpb.RecognitionConfig_FLAC
	case "AMR":
		return speechpb.RecognitionConfig_AMR
	case "AMR_WB":
		return speechpb.RecognitionConfig_AMR_WB
	case "OGG_OPUS":
		return speechpb.RecognitionConfig_OGG_OPUS
	case "SPEEX_WITH_HEADER_BYTE":
		return speechpb.RecognitionConfig_SPEEX_WITH_HEADER_BYTE
	case "WEBM_OPUS":
		return speechpb.RecognitionConfig_WEBM_OPUS
	default:
		return speechpb.RecognitionConfig_LINEAR16
	}
}

// streamingConfig merges per-connection options over cfg.
func streamingConfig(cfg Config, opts streaming.DialOptions) *speechpb.StreamingRecognitionConfig {
	rate := cfg.SampleRateHz
	if opts.SampleRate > 0 {
		rate = int32(opts.SampleRate)
	}
	lang := cfg.LanguageCode
	if opts.Language != "" {
		lang = opts.Language
	}
	model := cfg.Model
	if opts.Model != "" && opts.Model != "universal-streaming" {
		model = opts.Model
	}
	return &speechpb.StreamingRecognitionConfig{
		Config: &speechpb.RecognitionConfig{
			Encoding:                   parseAudioEncoding(cfg.AudioEncoding),
			SampleRateHertz:            rate,
			LanguageCode:               lang,
			Model:                      model,
			EnableAutomaticPunctuation: true,
		},
		InterimResults: cfg.InterimResults,
	}
}

// closeCode converts a gRPC status into a close error.
// Credential and permission failures are permanent.
func closeCode(err error) error {
	if errors.Is(err, io.EOF) {
		return &streaming.CloseError{Code: 1000, Reason: "stream ended"}
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated, codes.PermissionDenied:
		return &streaming.CloseError{Code: 4001, Reason: st.Message(), Permanent: true}
	case codes.InvalidArgument:
		return &streaming.CloseError{Code: 1008, Reason: st.Message(), Permanent: true}
	case codes.Canceled:
		return &streaming.CloseError{Code: 1000, Reason: st.Message()}
	default:
		return &streaming.CloseError{Code: 1011, Reason: st.Code().String() + ": " + st.Message()}
	}
}

// Dialer implements streaming.Dialer using Cloud Speech StreamingRecognize.
// Credentials come from GOOGLE_APPLICATION_CREDENTIALS unless an API key is supplied.
type Dialer struct {
	cfg     Config
	options []option.ClientOption
}

// NewDialer creates a Google STT dialer.
func NewDialer(cfg Config, opts ...option.ClientOption) *Dialer {
	return &Dialer{cfg: cfg, options: opts}
}

func (d *Dialer) Name() string         { return "google" }
func (d *Dialer) RequiresAPIKey() bool { return false }

// Dial opens a recognition stream and sends the streaming config as the first message.
func (d *Dialer) Dial(ctx context.Context, opts streaming.DialOptions) (streaming.Conn, error) {
	clientOpts := append([]option.ClientOption(nil), d.options...)
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client, err := speech.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, err
	}

	// The stream outlives the dial context.
	streamCtx, cancel := context.WithCancel(context.Background())
	stream, err := client.StreamingRecognize(streamCtx)
	if err != nil {
		cancel()
		client.Close()
		return nil, closeCode(err)
	}
	err = stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: streamingConfig(d.cfg, opts),
		},
	})
	if err != nil {
		cancel()
		client.Close()
		return nil, closeCode(err)
	}

	return &conn{
		client:  client,
		stream:  stream,
		cancel:  cancel,
		pending: []streaming.Inbound{{Kind: streaming.InboundBegin, SessionID: uuid.NewString()}},
	}, nil
}

type conn struct {
	client *speech.Client
	stream speechpb.Speech_StreamingRecognizeClient
	cancel context.CancelFunc

	// pending is only touched by the reader goroutine.
	pending []streaming.Inbound

	closeOnce sync.Once
}

func (c *conn) WriteAudio(pcm []byte) error {
	err := c.stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{
			AudioContent: pcm,
		},
	})
	if err != nil {
		return closeCode(err)
	}
	return nil
}

func (c *conn) Terminate() error {
	return c.stream.CloseSend()
}

// ReadEvent returns buffered results first, then receives the next response.
func (c *conn) ReadEvent() (streaming.Inbound, error) {
	for len(c.pending) == 0 {
		resp, err := c.stream.Recv()
		if err != nil {
			return streaming.Inbound{}, closeCode(err)
		}
		c.pending = translate(resp)
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func translate(resp *speechpb.StreamingRecognizeResponse) []streaming.Inbound {
	if e := resp.GetError(); e != nil {
		return []streaming.Inbound{{Kind: streaming.InboundError, Error: e.GetMessage()}}
	}
	var out []streaming.Inbound
	for _, r := range resp.GetResults() {
		if len(r.GetAlternatives()) == 0 {
			continue
		}
		alt := r.GetAlternatives()[0]
		ev := streaming.Inbound{
			Kind:      streaming.InboundTranscript,
			Text:      alt.GetTranscript(),
			EndOfTurn: r.GetIsFinal(),
		}
		if r.GetIsFinal() {
			conf := float64(alt.GetConfidence())
			ev.Confidence = &conf
		}
		out = append(out, ev)
	}
	// Speech events without results have no transcript equivalent.
	if len(out) == 0 && resp.GetSpeechEventType() != speechpb.StreamingRecognizeResponse_SPEECH_EVENT_UNSPECIFIED {
		raw, err := protojson.Marshal(resp)
		if err != nil {
			raw = []byte(resp.GetSpeechEventType().String())
		}
		out = append(out, streaming.Inbound{Kind: streaming.InboundUnrecognized, Raw: string(raw)})
	}
	return out
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.client.Close()
	})
	return err
}
