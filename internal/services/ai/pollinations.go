package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

const maxResponseBytes = 20 << 20

// Service is the AI gateway used by the handlers
type Service interface {
	Complete(ctx context.Context, messages []models.APIMessage) (string, error)
	Transcribe(ctx context.Context, audio []byte, format string) (Transcript, error)
	AnalyzeImage(ctx context.Context, image []byte, format, question, systemPrompt string) (string, error)
	GenerateImage(ctx context.Context, req ImageRequest) ([]byte, error)
}

// Transcript is a voice recognition result. Refused is set when Text is a fallback apology.
type Transcript struct {
	Text    string
	Refused bool
}

// Observer receives per-request timings, usually the metrics recorder
type Observer func(operation, status string, duration time.Duration)

var (
	audioFormats = map[string]bool{"mp3": true, "wav": true, "ogg": true, "m4a": true, "flac": true}
	imageFormats = map[string]string{
		"jpg": "image/jpeg", "jpeg": "image/jpeg", "png": "image/png", "gif": "image/gif", "webp": "image/webp",
	}
)

// PollinationsAI talks to the Pollinations OpenAI-compatible text endpoint and the image endpoint
type PollinationsAI struct {
	cfg        *config.GatewayConfig
	httpClient *http.Client
	refusal    *RefusalDetector
	observe    Observer
	logger     *logrus.Logger
}

// NewPollinationsAI creates a gateway client with a shared connection pool
func NewPollinationsAI(cfg *config.GatewayConfig, logger *logrus.Logger) *PollinationsAI {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	transport.MaxIdleConns = cfg.MaxIdleConns
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost

	logger.WithFields(logrus.Fields{
		"text_url":  cfg.TextURL,
		"image_url": cfg.ImageURL,
		"model":     cfg.TextModel,
	}).Info("AI gateway initialized")

	return &PollinationsAI{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		refusal:    NewRefusalDetector(&cfg.Refusal),
		observe:    func(string, string, time.Duration) {},
		logger:     logger,
	}
}

// WithObserver installs a request timing hook
func (p *PollinationsAI) WithObserver(fn Observer) *PollinationsAI {
	if fn != nil {
		p.observe = fn
	}
	return p
}

// Refusal exposes the detector used for transcripts
func (p *PollinationsAI) Refusal() *RefusalDetector {
	return p.refusal
}

// Complete sends the conversation to the text model and returns the raw reply
func (p *PollinationsAI) Complete(ctx context.Context, messages []models.APIMessage) (string, error) {
	const op = "complete"
	if len(messages) == 0 {
		return "", errs.New(errs.KindValidation, op, "no messages")
	}
	for i, m := range messages {
		if m.Role == "" || m.Content == "" {
			return "", errs.New(errs.KindValidation, op, fmt.Sprintf("message %d has no role or content", i))
		}
	}

	messages = p.trimPayload(messages)

	payload := map[string]interface{}{
		"model":      p.cfg.TextModel,
		"messages":   messages,
		"seed":       p.cfg.Seed,
		"max_tokens": p.cfg.MaxTokens,
	}
	return p.chat(ctx, op, payload)
}

// trimPayload drops the oldest non-system messages once the payload exceeds the hard ceiling
func (p *PollinationsAI) trimPayload(messages []models.APIMessage) []models.APIMessage {
	total := payloadChars(messages)
	if total <= p.cfg.MaxPayloadChars {
		return messages
	}

	var head []models.APIMessage
	rest := messages
	if rest[0].Role == models.RoleSystem {
		head, rest = rest[:1], rest[1:]
	}
	for len(rest) > 1 && payloadChars(head)+payloadChars(rest) > p.cfg.TrimPayloadChars {
		rest = rest[1:]
	}

	trimmed := append(append([]models.APIMessage{}, head...), rest...)
	p.logger.WithFields(logrus.Fields{
		"before_chars": total,
		"after_chars":  payloadChars(trimmed),
		"dropped":      len(messages) - len(trimmed),
	}).Warn("Payload too large, dropped oldest messages")
	return trimmed
}

func payloadChars(messages []models.APIMessage) int {
	n := 0
	for _, m := range messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// Transcribe converts speech to text. Refusals and empty results come back as a fallback
// apology with Refused set.
func (p *PollinationsAI) Transcribe(ctx context.Context, audio []byte, format string) (Transcript, error) {
	const op = "transcribe"
	format = strings.ToLower(format)
	if !audioFormats[format] {
		return Transcript{}, errs.New(errs.KindValidation, op, "unsupported audio format "+format)
	}
	if len(audio) == 0 {
		return Transcript{}, errs.New(errs.KindValidation, op, "empty audio")
	}

	payload := map[string]interface{}{
		"model": p.cfg.AudioModel,
		"messages": []map[string]interface{}{
			{"role": models.RoleSystem, "content": p.cfg.TranscribePrompt},
			{"role": models.RoleUser, "content": []map[string]interface{}{{
				"type": "input_audio",
				"input_audio": map[string]string{
					"data":   base64.StdEncoding.EncodeToString(audio),
					"format": format,
				},
			}}},
		},
		"temperature": 0.3,
		"max_tokens":  1000,
	}

	raw, err := p.chat(ctx, op, payload)
	if err != nil && errs.KindOf(err) != errs.KindGatewayMalformed {
		return Transcript{}, err
	}

	text := p.refusal.CleanTranscript(raw)
	if text == "" || p.refusal.IsRefusal(text) {
		p.logger.WithField("raw", preview(raw)).Warn("Transcription refused or empty")
		return Transcript{Text: p.refusal.Fallback(), Refused: true}, nil
	}
	return Transcript{Text: text}, nil
}

// AnalyzeImage asks the vision model a question about an image. When the model ignores a
// separate system message, the instructions are folded into the user turn and asked once more.
func (p *PollinationsAI) AnalyzeImage(ctx context.Context, image []byte, format, question, systemPrompt string) (string, error) {
	const op = "analyze_image"
	mime, ok := imageFormats[strings.ToLower(format)]
	if !ok {
		return "", errs.New(errs.KindValidation, op, "unsupported image format "+format)
	}
	if len(image) == 0 {
		return "", errs.New(errs.KindValidation, op, "empty image")
	}
	dataURL := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(image)

	text, err := p.vision(ctx, op, dataURL, question, systemPrompt)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if systemPrompt == "" || ctx.Err() != nil {
		return "", p.emptyOr(op, err)
	}

	p.logger.WithError(err).Warn("Vision request with system prompt failed, retrying with inline instructions")
	text, err = p.vision(ctx, op, dataURL, "Instructions: "+systemPrompt+"\n\n"+question, "")
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	return "", p.emptyOr(op, err)
}

func (p *PollinationsAI) emptyOr(op string, err error) error {
	if err != nil {
		return err
	}
	return errs.New(errs.KindGatewayMalformed, op, "empty response")
}

func (p *PollinationsAI) vision(ctx context.Context, op, dataURL, question, systemPrompt string) (string, error) {
	var messages []map[string]interface{}
	if systemPrompt != "" {
		messages = append(messages, map[string]interface{}{"role": models.RoleSystem, "content": systemPrompt})
	}
	messages = append(messages, map[string]interface{}{
		"role": models.RoleUser,
		"content": []map[string]interface{}{
			{"type": "text", "text": question},
			{"type": "image_url", "image_url": map[string]string{"url": dataURL}},
		},
	})

	return p.chat(ctx, op, map[string]interface{}{
		"model":      p.cfg.VisionModel,
		"messages":   messages,
		"max_tokens": p.cfg.MaxTokens,
	})
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Response *string `json:"response"`
	Error    *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// chat posts an OpenAI-style payload and extracts the reply text
func (p *PollinationsAI) chat(ctx context.Context, op string, payload interface{}) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, op, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, p.cfg.TextURL, bytes.NewReader(body))
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	p.authorize(req)

	data, err := p.do(req, op)
	if err != nil {
		return "", err
	}

	var result chatResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", errs.Wrap(errs.KindGatewayMalformed, op, err)
	}
	if result.Error != nil && result.Error.Message != "" {
		return "", errs.New(errs.KindGatewayMalformed, op, result.Error.Message)
	}

	switch {
	case len(result.Choices) > 0:
		return result.Choices[0].Message.Content, nil
	case result.Response != nil:
		return *result.Response, nil
	default:
		return "", errs.New(errs.KindGatewayMalformed, op, "no choices or response in reply")
	}
}

// do executes the request, classifies failures and returns the body of a 200 response
func (p *PollinationsAI) do(req *http.Request, op string) ([]byte, error) {
	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		err = classify(op, err)
		p.observe(op, string(errs.KindOf(err)), time.Since(start))
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		err = classify(op, err)
		p.observe(op, string(errs.KindOf(err)), time.Since(start))
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		p.observe(op, fmt.Sprintf("%d", resp.StatusCode), time.Since(start))
		p.logger.WithFields(logrus.Fields{
			"operation": op,
			"status":    resp.StatusCode,
			"body":      preview(string(data)),
		}).Error("Gateway request failed")
		return nil, errs.HTTP(op, resp.StatusCode, string(data))
	}

	p.observe(op, "ok", time.Since(start))
	return data, nil
}

func (p *PollinationsAI) authorize(req *http.Request) {
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}
}

// classify maps transport failures to error kinds. Caller cancellation is passed through
// unclassified so a force-stop never surfaces as a gateway error.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return errs.Wrap(errs.KindGatewayTimeout, op, err)
	}
	return errs.Wrap(errs.KindGatewayHTTP, op, err)
}

func preview(s string) string {
	if r := []rune(s); len(r) > 200 {
		return string(r[:200]) + "..."
	}
	return s
}
