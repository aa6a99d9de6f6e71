package handlers

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/i18n"
	"github.com/pollinations-tgbot-go/internal/middleware"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/internal/services/ai"
	"github.com/pollinations-tgbot-go/internal/services/cache"
	"github.com/pollinations-tgbot-go/internal/services/conversation"
	"github.com/pollinations-tgbot-go/internal/services/queue"
	"github.com/pollinations-tgbot-go/internal/transport"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/stretchr/testify/require"
)

type edit struct {
	MessageID int
	Text      string
	Keyboard  transport.Keyboard
}

type fakeTransport struct {
	mu           sync.Mutex
	nextID       int
	messages     []transport.OutgoingMessage
	ids          []int
	photos       []transport.Photo
	edits        []edit
	deleted      []int
	actions      int
	answers      []string
	files        map[string][]byte
	rejectMarkup bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{nextID: 100, files: make(map[string][]byte)}
}

func (f *fakeTransport) Send(_ context.Context, msg transport.OutgoingMessage) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.rejectMarkup && msg.ParseMode != "" {
		return 0, fmt.Errorf("%w: can't parse entities", transport.ErrFormatting)
	}
	f.nextID++
	f.messages = append(f.messages, msg)
	f.ids = append(f.ids, f.nextID)
	return f.nextID, nil
}

func (f *fakeTransport) Edit(_ context.Context, _ int64, messageID int, text, _ string, kb transport.Keyboard) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edit{MessageID: messageID, Text: text, Keyboard: kb})
	return nil
}

func (f *fakeTransport) Delete(_ context.Context, _ int64, messageID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func (f *fakeTransport) SendPhoto(_ context.Context, photo transport.Photo) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.photos = append(f.photos, photo)
	return f.nextID, nil
}

func (f *fakeTransport) SendChatAction(context.Context, int64, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions++
	return nil
}

func (f *fakeTransport) DownloadFile(_ context.Context, fileID string, _ int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[fileID]
	if !ok {
		return nil, errs.New(errs.KindMediaDownload, "download", "no such file")
	}
	return data, nil
}

func (f *fakeTransport) AnswerCallback(_ context.Context, _ string, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers = append(f.answers, text)
	return nil
}

func (f *fakeTransport) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m.Text)
	}
	return out
}

// idOf returns the transport id of the first sent message containing sub
func (f *fakeTransport) idOf(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.messages {
		if strings.Contains(m.Text, sub) {
			return f.ids[i]
		}
	}
	return 0
}

type fakeAI struct {
	mu           sync.Mutex
	complete     func(ctx context.Context, messages []models.APIMessage) (string, error)
	calls        [][]models.APIMessage
	transcript   ai.Transcript
	analysis     string
	analyzeCalls int
	image        []byte
	imageReqs    []ai.ImageRequest
}

func (f *fakeAI) Complete(ctx context.Context, messages []models.APIMessage) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, messages)
	fn := f.complete
	f.mu.Unlock()

	if fn == nil {
		return "Hi there!", nil
	}
	return fn(ctx, messages)
}

func (f *fakeAI) Transcribe(context.Context, []byte, string) (ai.Transcript, error) {
	return f.transcript, nil
}

func (f *fakeAI) AnalyzeImage(context.Context, []byte, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	return f.analysis, nil
}

func (f *fakeAI) GenerateImage(_ context.Context, req ai.ImageRequest) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageReqs = append(f.imageReqs, req)
	return f.image, nil
}

func (f *fakeAI) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type passthroughTranscoder struct{}

func (passthroughTranscoder) ToWAV(_ context.Context, audio []byte, _ string) ([]byte, error) {
	return audio, nil
}

type fixture struct {
	cfg       *config.Config
	transport *fakeTransport
	ai        *fakeAI
	store     *conversation.Store
	queue     *queue.Manager
	messages  *MessageHandler
	commands  *CommandHandler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := config.Defaults()
	cfg.I18n.DefaultLanguage = "en"
	cfg.I18n.Directory = ""
	cfg.Formatting.PartDelay = 0
	cfg.RateLimit.Enabled = false

	log := logger.Discard()
	security := middleware.NewSecurityMiddleware(&cfg.Security, log)
	store := conversation.NewStore(cfg, security, log)
	q := queue.NewManager(log, nil)

	formatter, err := markdown.NewFormatter(cfg.Formatting.MaxMessageLength, cfg.Formatting.AdPatterns)
	require.NoError(t, err)
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	require.NoError(t, err)

	tr := newFakeTransport()
	fake := &fakeAI{analysis: "a small cat", image: pngBytes()}
	metrics := middleware.NewMetrics()

	mh := NewMessageHandler(cfg, tr, fake, store, q, cache.NewCache(&cfg.Cache, log), passthroughTranscoder{},
		formatter, middleware.NewRateLimiter(cfg, log), localizer, metrics, log)
	ch := NewCommandHandler(cfg, tr, mh, store, q, localizer, metrics,
		func() middleware.HealthStatus { return metrics.Health(nil) }, log)

	return &fixture{cfg: cfg, transport: tr, ai: fake, store: store, queue: q, messages: mh, commands: ch}
}

func pngBytes() []byte {
	return append([]byte("\x89PNG\x0D\x0A\x1A\x0A"), make([]byte, 32)...)
}

const privateChat int64 = 42

var ann = models.Author{ID: 7, Name: "Ann"}

func privateText(id int, text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		ChatID:    privateChat,
		ChatKind:  models.ChatPrivate,
		MessageID: id,
		Text:      text,
		From:      ann,
	}
}

func command(id int, name, args string) *models.IncomingMessage {
	in := privateText(id, "/"+name+" "+args)
	in.Command, in.CommandArgs = name, args
	return in
}
