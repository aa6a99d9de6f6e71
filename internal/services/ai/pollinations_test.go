package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Model    string            `json:"model"`
	Messages []json.RawMessage `json:"messages"`
	Seed     int               `json:"seed"`
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*PollinationsAI, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.Defaults().Gateway
	cfg.TextURL = srv.URL
	cfg.ImageURL = srv.URL
	cfg.Token = "test-token-123"
	return NewPollinationsAI(&cfg, logger.Discard()), srv
}

func TestCompleteReturnsChoiceContent(t *testing.T) {
	var got capturedRequest
	var auth string
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"Hi there!"}}]}`))
	})

	reply, err := gw.Complete(context.Background(), []models.APIMessage{
		{Role: models.RoleSystem, Content: "be nice"},
		{Role: models.RoleUser, Content: "Hello"},
	})

	require.NoError(t, err)
	assert.Equal(t, "Hi there!", reply)
	assert.Equal(t, "Bearer test-token-123", auth)
	assert.Equal(t, "openai", got.Model)
	assert.Equal(t, 42, got.Seed)
	assert.Len(t, got.Messages, 2)
}

func TestCompleteAcceptsResponseField(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"response":"plain reply"}`))
	})

	reply, err := gw.Complete(context.Background(), []models.APIMessage{{Role: models.RoleUser, Content: "q"}})
	require.NoError(t, err)
	assert.Equal(t, "plain reply", reply)
}

func TestCompleteErrorKinds(t *testing.T) {
	msgs := []models.APIMessage{{Role: models.RoleUser, Content: "q"}}

	t.Run("http status", func(t *testing.T) {
		gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream exploded", http.StatusBadGateway)
		})
		_, err := gw.Complete(context.Background(), msgs)
		require.Error(t, err)
		assert.Equal(t, errs.KindGatewayHTTP, errs.KindOf(err))
		assert.Equal(t, http.StatusBadGateway, errs.StatusOf(err))
		assert.Contains(t, err.Error(), "upstream exploded")
	})

	t.Run("malformed", func(t *testing.T) {
		gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"unexpected":true}`))
		})
		_, err := gw.Complete(context.Background(), msgs)
		assert.Equal(t, errs.KindGatewayMalformed, errs.KindOf(err))
	})

	t.Run("not json", func(t *testing.T) {
		gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>oops</html>`))
		})
		_, err := gw.Complete(context.Background(), msgs)
		assert.Equal(t, errs.KindGatewayMalformed, errs.KindOf(err))
	})

	t.Run("timeout", func(t *testing.T) {
		release := make(chan struct{})
		gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		})
		defer close(release)
		gw.cfg.Timeout = 0

		_, err := gw.Complete(context.Background(), msgs)
		assert.Equal(t, errs.KindGatewayTimeout, errs.KindOf(err))
	})

	t.Run("validation", func(t *testing.T) {
		gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("gateway must not be called")
		})
		_, err := gw.Complete(context.Background(), nil)
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		_, err = gw.Complete(context.Background(), []models.APIMessage{{Role: models.RoleUser}})
		assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	})
}

func TestCompleteTrimsOversizedPayload(t *testing.T) {
	var got capturedRequest
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	})
	gw.cfg.MaxPayloadChars = 1000
	gw.cfg.TrimPayloadChars = 500

	msgs := []models.APIMessage{{Role: models.RoleSystem, Content: "system prompt"}}
	for i := 0; i < 10; i++ {
		msgs = append(msgs, models.APIMessage{Role: models.RoleUser, Content: strings.Repeat("x", 200)})
	}

	_, err := gw.Complete(context.Background(), msgs)
	require.NoError(t, err)

	require.Len(t, got.Messages, 3)
	var first models.APIMessage
	require.NoError(t, json.Unmarshal(got.Messages[0], &first))
	assert.Equal(t, models.APIMessage{Role: models.RoleSystem, Content: "system prompt"}, first)
}

func TestTranscribe(t *testing.T) {
	var reply atomic.Value
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(body), `"input_audio"`)
		assert.Contains(t, string(body), `"openai-audio"`)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{{"message": map[string]string{"content": reply.Load().(string)}}},
		})
	})

	reply.Store("Transcription: Meet me at the station at five")
	tr, err := gw.Transcribe(context.Background(), []byte("RIFF"), "wav")
	require.NoError(t, err)
	assert.False(t, tr.Refused)
	assert.Equal(t, "Meet me at the station at five", tr.Text)

	reply.Store("I'm sorry, I cannot help with that")
	tr, err = gw.Transcribe(context.Background(), []byte("RIFF"), "wav")
	require.NoError(t, err)
	assert.True(t, tr.Refused)
	assert.True(t, gw.Refusal().IsFallback(tr.Text))

	_, err = gw.Transcribe(context.Background(), []byte("RIFF"), "aiff")
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestIsRefusal(t *testing.T) {
	d := NewRefusalDetector(&config.Defaults().Gateway.Refusal)

	tests := []struct {
		name string
		text string
		want bool
	}{
		{name: "apology", text: "I'm sorry, I cannot help with that", want: true},
		{name: "foreign greeting", text: "Bonjour! Comment puis-je vous aider?", want: false},
		{name: "empty", text: "", want: false},
		{name: "blank", text: "  \n ", want: false},
		{name: "too short", text: "ok fine", want: true},
		{name: "service words only", text: "Audio message", want: true},
		{name: "formal hedging", text: "Please note the weather is nice today", want: true},
		{name: "russian phrase", text: "Извините, я не могу это расшифровать", want: true},
		{name: "plain transcript", text: "Meet me at the station at five", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsRefusal(tt.text), tt.text)
		})
	}
}

func TestAnalyzeImageFallsBackToInlineInstructions(t *testing.T) {
	var calls atomic.Int32
	var second string
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if calls.Add(1) == 1 {
			_, _ = w.Write([]byte(`{"choices":[{"message":{"content":""}}]}`))
			return
		}
		second = string(body)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"A cat on a sofa"}}]}`))
	})

	text, err := gw.AnalyzeImage(context.Background(), []byte{0xff, 0xd8, 0xff}, "jpg", "What is this?", "Be brief")
	require.NoError(t, err)
	assert.Equal(t, "A cat on a sofa", text)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, second, `Instructions: Be brief\n\nWhat is this?`)
	assert.Contains(t, second, "data:image/jpeg;base64,")
}

func TestImageURLIsDeterministic(t *testing.T) {
	gw, srv := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {})
	seed := int64(7)
	req := ImageRequest{Prompt: "red fox / snow", Width: 1024, Height: 768, Seed: &seed}

	u := gw.ImageURL(req)
	assert.Equal(t, u, gw.ImageURL(req))
	assert.Equal(t, srv.URL+"/prompt/red%20fox%20%2F%20snow?height=768&model=flux&nologo=true&seed=7&width=1024", u)
}

func TestGenerateImage(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n0000")
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1024", r.URL.Query().Get("width"))
		_, _ = w.Write(png)
	})

	data, err := gw.GenerateImage(context.Background(), ImageRequest{Prompt: "fox", Width: 1024, Height: 1024})
	require.NoError(t, err)
	assert.Equal(t, png, data)

	gwText, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("rate limited, try later"))
	})
	_, err = gwText.GenerateImage(context.Background(), ImageRequest{Prompt: "fox", Width: 1024, Height: 1024})
	assert.Equal(t, errs.KindGatewayMalformed, errs.KindOf(err))
}

func TestObserverSeesStatus(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	var status string
	gw.WithObserver(func(op, s string, _ time.Duration) { status = op + ":" + s })

	_, _ = gw.Complete(context.Background(), []models.APIMessage{{Role: models.RoleUser, Content: "q"}})
	assert.Equal(t, "complete:429", status)
}

func TestClampDimension(t *testing.T) {
	assert.Equal(t, 256, ClampDimension(10, 256, 1920))
	assert.Equal(t, 1920, ClampDimension(5000, 256, 1920))
	assert.Equal(t, 800, ClampDimension(800, 256, 1920))
}
