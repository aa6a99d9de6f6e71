package handlers

import (
	"context"
	"strings"
	"testing"

	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/middleware"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/internal/services/ai"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleMessage_AnswersInPrivateChat(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := privateText(1, "Hello")
	in.From = models.Author{}
	f.messages.HandleMessage(ctx, in)
	f.messages.Wait()

	require.Len(t, f.ai.calls, 1)
	payload := f.ai.calls[0]
	require.Len(t, payload, 2)
	assert.Equal(t, models.RoleSystem, payload[0].Role)
	assert.Equal(t, models.RoleUser, payload[1].Role)
	assert.Equal(t, "Hello", payload[1].Content)

	assert.Equal(t, []string{"Hi there!"}, f.transport.texts())
	assert.Equal(t, 1, f.transport.messages[0].ReplyToID)

	history := f.store.Context(privateChat)
	require.Len(t, history, 2)
	assert.Equal(t, models.RoleUser, history[0].Role)
	assert.Equal(t, models.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hi there!", history[1].Content)
	assert.False(t, f.store.IsGenerating(privateChat, models.OpText))
}

func TestHandleMessage_PrefixesAuthor(t *testing.T) {
	f := newFixture(t)

	f.messages.HandleMessage(context.Background(), privateText(1, "Hello"))
	f.messages.Wait()

	require.Len(t, f.ai.calls, 1)
	assert.Equal(t, "Ann: Hello", f.ai.calls[0][1].Content)
}

func TestHandleMessage_QueuesWhileAnswering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	replies := []string{"first answer", "second answer"}
	call := 0
	f.ai.complete = func(ctx context.Context, _ []models.APIMessage) (string, error) {
		entered <- struct{}{}
		<-release
		call++
		return replies[call-1], nil
	}

	f.messages.HandleMessage(ctx, privateText(1, "one"))
	<-entered

	f.messages.HandleMessage(ctx, privateText(2, "two"))
	queuedID := f.transport.idOf("queued at position 1")
	require.NotZero(t, queuedID, "sent: %v", f.transport.texts())
	assert.Equal(t, 1, f.queue.Stats().Pending)

	close(release)
	f.messages.Wait()

	assert.Equal(t, []string{
		"⏳ I'm still answering the previous message. Your request is queued at position 1.",
		"first answer",
		"second answer",
	}, f.transport.texts())
	assert.Contains(t, f.transport.deleted, queuedID)
	assert.Zero(t, f.queue.Stats().Pending)

	// The queued request sees the first exchange
	second := f.ai.calls[1]
	require.Len(t, second, 4)
	assert.Equal(t, "Ann: one", second[1].Content)
	assert.Equal(t, "first answer", second[2].Content)
	assert.Equal(t, "Ann: two", second[3].Content)
}

func TestHandleMessage_GatewayError(t *testing.T) {
	f := newFixture(t)
	f.ai.complete = func(context.Context, []models.APIMessage) (string, error) {
		return "", errs.HTTP("complete", 502, "bad gateway")
	}

	f.messages.HandleMessage(context.Background(), privateText(1, "Hello"))
	f.messages.Wait()

	texts := f.transport.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "status 502")
	assert.Equal(t, markdown.ModePlain, f.transport.messages[0].ParseMode)

	assert.False(t, f.store.IsGenerating(privateChat, models.OpText))
	history := f.store.Context(privateChat)
	require.Len(t, history, 1)
	assert.Equal(t, models.RoleUser, history[0].Role)
}

func TestHandleMessage_ErrorRemovedAfterNextAnswer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.ai.complete = func(context.Context, []models.APIMessage) (string, error) {
		return "", errs.HTTP("complete", 502, "bad gateway")
	}
	f.messages.HandleMessage(ctx, privateText(1, "Hello"))
	f.messages.Wait()

	errorID := f.transport.idOf("status 502")
	require.NotZero(t, errorID)
	assert.Equal(t, 1, f.store.CleanupCount(privateChat))
	assert.Empty(t, f.transport.deleted)

	f.ai.complete = nil
	f.messages.HandleMessage(ctx, privateText(2, "Hello again"))
	f.messages.Wait()

	assert.Equal(t, "Hi there!", f.transport.texts()[1])
	assert.Equal(t, []int{errorID}, f.transport.deleted)
	assert.Zero(t, f.store.CleanupCount(privateChat))
}

func TestHandleMessage_EmptyAnswerIsMalformed(t *testing.T) {
	f := newFixture(t)
	f.ai.complete = func(context.Context, []models.APIMessage) (string, error) {
		return "   ", nil
	}

	f.messages.HandleMessage(context.Background(), privateText(1, "Hello"))
	f.messages.Wait()

	texts := f.transport.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "empty or unreadable")
}

func TestHandleMessage_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t)

	f.messages.HandleMessage(context.Background(), privateText(1, strings.Repeat("a", 5000)))
	f.messages.Wait()

	assert.Zero(t, f.ai.callCount())
	texts := f.transport.texts()
	require.Len(t, texts, 1)
	assert.Equal(t, "⚠️ message too long: 5000 characters", texts[0])
	assert.Empty(t, f.store.Context(privateChat))
}

func TestHandleMessage_GroupModes(t *testing.T) {
	const group int64 = -100

	groupText := func(id int, text string) *models.IncomingMessage {
		return &models.IncomingMessage{ChatID: group, ChatKind: models.ChatGroup, MessageID: id, Text: text, From: ann}
	}

	t.Run("not addressed is recorded only", func(t *testing.T) {
		f := newFixture(t)

		f.messages.HandleMessage(context.Background(), groupText(1, "just chatting"))
		f.messages.Wait()

		assert.Zero(t, f.ai.callCount())
		assert.Empty(t, f.transport.texts())
		require.Len(t, f.store.Context(group), 1)
	})

	t.Run("mention is answered with earlier talk", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()

		f.messages.HandleMessage(ctx, groupText(1, "just chatting"))
		in := groupText(2, "@bot what do you think?")
		in.Mentioned = true
		f.messages.HandleMessage(ctx, in)
		f.messages.Wait()

		require.Equal(t, 1, f.ai.callCount())
		assert.Len(t, f.ai.calls[0], 3)
		assert.Equal(t, []string{"Hi there!"}, f.transport.texts())
	})

	t.Run("silent ignores mentions", func(t *testing.T) {
		f := newFixture(t)
		f.store.UpdateSettings(group, func(s *models.ChatSettings) { s.GroupMode = models.GroupModeSilent })

		in := groupText(1, "@bot hello")
		in.Mentioned = true
		f.messages.HandleMessage(context.Background(), in)
		f.messages.Wait()

		assert.Zero(t, f.ai.callCount())
	})

	t.Run("always answers everything", func(t *testing.T) {
		f := newFixture(t)
		f.store.UpdateSettings(group, func(s *models.ChatSettings) { s.GroupMode = models.GroupModeAlways })

		f.messages.HandleMessage(context.Background(), groupText(1, "hello"))
		f.messages.Wait()

		assert.Equal(t, 1, f.ai.callCount())
	})
}

func TestHandleMessage_MarkupFallback(t *testing.T) {
	f := newFixture(t)
	f.transport.rejectMarkup = true
	f.ai.complete = func(context.Context, []models.APIMessage) (string, error) {
		return "Some **bold** text", nil
	}

	f.messages.HandleMessage(context.Background(), privateText(1, "Hello"))
	f.messages.Wait()

	require.Len(t, f.transport.messages, 1)
	msg := f.transport.messages[0]
	assert.Equal(t, markdown.ModePlain, msg.ParseMode)
	assert.Equal(t, "Some **bold** text", msg.Text)
	assert.Equal(t, 1, msg.ReplyToID)

	history := f.store.Context(privateChat)
	assert.Equal(t, "Some **bold** text", history[len(history)-1].Content)
}

func TestHandleMessage_LongAnswerIsSplit(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("word ", 1500)
	f.ai.complete = func(context.Context, []models.APIMessage) (string, error) {
		return long, nil
	}

	f.messages.HandleMessage(context.Background(), privateText(1, "Hello"))
	f.messages.Wait()

	texts := f.transport.texts()
	require.Len(t, texts, 2)
	assert.True(t, strings.HasPrefix(texts[0], "📄 Part 1/2"))
	assert.True(t, strings.HasPrefix(texts[1], "📄 Part 2/2"))
	assert.Equal(t, 1, f.transport.messages[0].ReplyToID)
	assert.Zero(t, f.transport.messages[1].ReplyToID)
	for _, text := range texts {
		assert.LessOrEqual(t, len([]rune(text)), f.cfg.Formatting.MaxMessageLength)
	}
}

func TestHandleMessage_RateLimited(t *testing.T) {
	f := newFixture(t)
	f.cfg.RateLimit.Enabled = true
	f.messages.rateLimiter = middleware.NewRateLimiter(f.cfg, logger.Discard())
	ctx := context.Background()

	f.messages.HandleMessage(ctx, privateText(1, "one"))
	f.messages.Wait()
	f.messages.HandleMessage(ctx, privateText(2, "two"))
	f.messages.Wait()

	assert.Equal(t, 1, f.ai.callCount())
	texts := f.transport.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "Too many requests")
	assert.Equal(t, 1, f.store.CleanupCount(privateChat))
}

func TestHandleMessage_Voice(t *testing.T) {
	f := newFixture(t)
	f.transport.files["voice-1"] = []byte("ogg data")
	f.ai.transcript = ai.Transcript{Text: "what time is it"}

	in := privateText(1, "")
	in.Attachment = &models.Attachment{Kind: models.AttachmentVoice, FileID: "voice-1", Size: 8, Format: "ogg"}
	f.messages.HandleMessage(context.Background(), in)
	f.messages.Wait()

	require.Len(t, f.transport.edits, 1)
	assert.Equal(t, "🎤 Recognized: what time is it", f.transport.edits[0].Text)

	require.Equal(t, 1, f.ai.callCount())
	payload := f.ai.calls[0]
	assert.Equal(t, "Ann: what time is it", payload[len(payload)-1].Content)

	texts := f.transport.texts()
	assert.Equal(t, "Hi there!", texts[len(texts)-1])
	assert.False(t, f.store.IsGenerating(privateChat, models.OpVoice))
}

func TestHandleMessage_VoiceRefusalShowsFallback(t *testing.T) {
	f := newFixture(t)
	f.transport.files["voice-1"] = []byte("ogg data")
	f.ai.transcript = ai.Transcript{Text: "Could not recognize speech.", Refused: true}

	in := privateText(1, "")
	in.Attachment = &models.Attachment{Kind: models.AttachmentVoice, FileID: "voice-1", Size: 8, Format: "ogg"}
	f.messages.HandleMessage(context.Background(), in)
	f.messages.Wait()

	require.Len(t, f.transport.edits, 1)
	assert.Equal(t, "Could not recognize speech.", f.transport.edits[0].Text)
	assert.Zero(t, f.ai.callCount())
}

func TestHandleMessage_VoiceTooLarge(t *testing.T) {
	f := newFixture(t)

	in := privateText(1, "")
	in.Attachment = &models.Attachment{Kind: models.AttachmentVoice, FileID: "voice-1", Size: 60 << 20, Format: "ogg"}
	f.messages.HandleMessage(context.Background(), in)
	f.messages.Wait()

	texts := f.transport.texts()
	require.Len(t, texts, 1)
	assert.Contains(t, texts[0], "limit is 50 MB")
}

func TestHandleMessage_Photo(t *testing.T) {
	f := newFixture(t)
	f.transport.files["photo-1"] = pngBytes()
	ctx := context.Background()

	photo := func(id int) *models.IncomingMessage {
		in := privateText(id, "what is this?")
		in.Attachment = &models.Attachment{Kind: models.AttachmentPhoto, FileID: "photo-1", Size: 40, Format: "jpg"}
		return in
	}

	f.messages.HandleMessage(ctx, photo(1))
	f.messages.Wait()

	texts := f.transport.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "a small cat")
	assert.Contains(t, f.transport.deleted, f.transport.ids[0])

	history := f.store.Context(privateChat)
	require.Len(t, history, 2)
	assert.Equal(t, "what is this?", history[0].Content)
	assert.True(t, history[1].IsImageContext)

	// Same image and question come from the cache
	f.messages.HandleMessage(ctx, photo(2))
	f.messages.Wait()
	assert.Equal(t, 1, f.ai.analyzeCalls)
}

func TestHandleMessage_PhotoDownloadFails(t *testing.T) {
	f := newFixture(t)

	in := privateText(1, "")
	in.Attachment = &models.Attachment{Kind: models.AttachmentPhoto, FileID: "missing", Size: 40, Format: "jpg"}
	f.messages.HandleMessage(context.Background(), in)
	f.messages.Wait()

	texts := f.transport.texts()
	require.Len(t, texts, 2)
	assert.Contains(t, texts[1], "Couldn't download")
	assert.Empty(t, f.store.Context(privateChat))
	assert.False(t, f.store.IsGenerating(privateChat, models.OpImage))
}
