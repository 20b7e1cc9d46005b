// Package transcribe turns voice notes into text with the Whisper API.
package transcribe

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for a Whisper transcriber.
const (
	DefaultModel    = "whisper-1"
	DefaultLanguage = "pt"
	DefaultTimeout  = 60 * time.Second
)

// Opts holds parameters for creating a Whisper transcriber.
type Opts struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string
	Timeout  time.Duration
}

// Whisper transcribes audio through the OpenAI transcription endpoint.
type Whisper struct {
	client   openai.Client
	model    string
	language string
	timeout  time.Duration
}

// New creates a Whisper transcriber.
func New(opts Opts) (*Whisper, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("transcribe: api key is required")
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Whisper{
		client:   openai.NewClient(reqOpts...),
		model:    opts.Model,
		language: opts.Language,
		timeout:  opts.Timeout,
	}, nil
}

// Transcribe returns the text spoken in audio. An empty transcription is an
// error so callers can ask the user to type instead.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("transcribe: empty audio")
	}
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if mimeType == "" {
		mimeType = "audio/ogg"
	}
	res, err := w.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:     openai.File(bytes.NewReader(audio), "audio"+extension(mimeType), mimeType),
		Model:    openai.AudioModel(w.model),
		Language: openai.String(w.language),
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", fmt.Errorf("transcribe: no speech recognized")
	}
	return text, nil
}

// extension maps a voice-note mime type to a file extension Whisper accepts.
func extension(mimeType string) string {
	base, _, _ := strings.Cut(mimeType, ";")
	switch strings.TrimSpace(strings.ToLower(base)) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/m4a", "audio/x-m4a":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "audio/webm":
		return ".webm"
	default:
		return ".ogg"
	}
}
