package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Telegram implements Transport on the Bot API
type Telegram struct {
	bot        *tgbotapi.BotAPI
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *logrus.Logger
}

// NewTelegram wraps an authorized bot. Outbound calls are paced below the Bot API
// global limit of 30 requests per second.
func NewTelegram(bot *tgbotapi.BotAPI, logger *logrus.Logger) *Telegram {
	return &Telegram{
		bot:        bot,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		limiter:    rate.NewLimiter(rate.Limit(25), 5),
		logger:     logger,
	}
}

// Username returns the bot's own username without "@"
func (t *Telegram) Username() string {
	return t.bot.Self.UserName
}

func (t *Telegram) wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

func (t *Telegram) Send(ctx context.Context, msg OutgoingMessage) (int, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewMessage(msg.ChatID, msg.Text)
	cfg.ParseMode = msg.ParseMode
	cfg.ReplyToMessageID = msg.ReplyToID
	cfg.DisableWebPagePreview = true
	if len(msg.Keyboard) > 0 {
		cfg.ReplyMarkup = inlineKeyboard(msg.Keyboard)
	}

	sent, err := t.bot.Send(cfg)
	if err != nil {
		return 0, classifySendError(err)
	}
	return sent.MessageID, nil
}

func (t *Telegram) Edit(ctx context.Context, chatID int64, messageID int, text, parseMode string, kb Keyboard) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, text)
	cfg.ParseMode = parseMode
	cfg.DisableWebPagePreview = true
	if len(kb) > 0 {
		markup := inlineKeyboard(kb)
		cfg.ReplyMarkup = &markup
	}

	if _, err := t.bot.Send(cfg); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return classifySendError(err)
	}
	return nil
}

func (t *Telegram) Delete(ctx context.Context, chatID int64, messageID int) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.NewDeleteMessage(chatID, messageID))
	return err
}

func (t *Telegram) SendPhoto(ctx context.Context, photo Photo) (int, error) {
	if err := t.wait(ctx); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewPhoto(photo.ChatID, tgbotapi.FileBytes{Name: "image.jpg", Bytes: photo.Data})
	cfg.Caption = photo.Caption
	cfg.ParseMode = photo.ParseMode
	cfg.ReplyToMessageID = photo.ReplyToID
	if len(photo.Keyboard) > 0 {
		cfg.ReplyMarkup = inlineKeyboard(photo.Keyboard)
	}

	sent, err := t.bot.Send(cfg)
	if err != nil {
		return 0, classifySendError(err)
	}
	return sent.MessageID, nil
}

func (t *Telegram) SendChatAction(ctx context.Context, chatID int64, action string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.NewChatAction(chatID, action))
	return err
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	_, err := t.bot.Request(tgbotapi.NewCallback(callbackID, text))
	return err
}

// DownloadFile fetches a file, refusing anything larger than maxBytes
func (t *Telegram) DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error) {
	const op = "download"

	file, err := t.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
	if err != nil {
		return nil, errs.Wrap(errs.KindMediaDownload, op, err)
	}
	if size := int64(file.FileSize); maxBytes > 0 && size > maxBytes {
		return nil, errs.New(errs.KindMediaTooLarge, op, fmt.Sprintf("file is %d bytes, limit %d", size, maxBytes))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, file.Link(t.bot.Token), nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindMediaDownload, op, err)
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindMediaDownload, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindMediaDownload, op, fmt.Sprintf("status %d", resp.StatusCode))
	}
	return ReadLimited(resp.Body, maxBytes)
}

// ReadLimited reads at most maxBytes, failing with MediaTooLarge past the ceiling
func ReadLimited(r io.Reader, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, errs.Wrap(errs.KindMediaDownload, "download", err)
		}
		return data, nil
	}
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, errs.Wrap(errs.KindMediaDownload, "download", err)
	}
	if int64(len(data)) > maxBytes {
		return nil, errs.New(errs.KindMediaTooLarge, "download", fmt.Sprintf("file exceeds %d bytes", maxBytes))
	}
	if len(data) == 0 {
		return nil, errs.New(errs.KindMediaDownload, "download", "empty file")
	}
	return data, nil
}

func inlineKeyboard(kb Keyboard) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(kb))
	for _, r := range kb {
		row := make([]tgbotapi.InlineKeyboardButton, 0, len(r))
		for _, b := range r {
			row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		rows = append(rows, row)
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "can't parse entities") || strings.Contains(msg, "can't find end of") ||
		strings.Contains(msg, "unsupported start tag") {
		return fmt.Errorf("%w: %s", ErrFormatting, err.Error())
	}
	return err
}

// ConvertMessage maps a Bot API message to the transport-neutral form
func (t *Telegram) ConvertMessage(msg *tgbotapi.Message) *models.IncomingMessage {
	if msg == nil || msg.From == nil || msg.From.ID == t.bot.Self.ID {
		return nil
	}
	return convertMessage(msg, t.bot.Self.ID, t.bot.Self.UserName)
}

// ConvertCallback maps an inline keyboard press
func (t *Telegram) ConvertCallback(q *tgbotapi.CallbackQuery) *models.Callback {
	if q == nil || q.From == nil {
		return nil
	}
	cb := &models.Callback{
		ID:   q.ID,
		Data: q.Data,
		From: author(q.From),
	}
	if q.Message != nil && q.Message.Chat != nil {
		cb.ChatID = q.Message.Chat.ID
		cb.ChatKind = chatKind(q.Message.Chat)
		cb.MessageID = q.Message.MessageID
		cb.Caption = q.Message.Caption
	}
	return cb
}

func convertMessage(msg *tgbotapi.Message, selfID int64, username string) *models.IncomingMessage {
	in := &models.IncomingMessage{
		ChatID:    msg.Chat.ID,
		ChatKind:  chatKind(msg.Chat),
		MessageID: msg.MessageID,
		From:      author(msg.From),
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	if msg.IsCommand() {
		in.Command = strings.ToLower(msg.Command())
		in.CommandArgs = strings.TrimSpace(msg.CommandArguments())
	}

	mention := "@" + username
	if username != "" && strings.Contains(strings.ToLower(text), strings.ToLower(mention)) {
		in.Mentioned = true
		text = removeFold(text, mention)
	}
	in.Text = strings.TrimSpace(text)

	if r := msg.ReplyToMessage; r != nil {
		in.ReplyToMessageID = r.MessageID
		in.ReplyToBot = r.From != nil && r.From.ID == selfID
	}

	switch {
	case msg.Voice != nil:
		in.Attachment = &models.Attachment{
			Kind:     models.AttachmentVoice,
			FileID:   msg.Voice.FileID,
			Size:     int64(msg.Voice.FileSize),
			Format:   audioFormat(msg.Voice.MimeType),
			Duration: msg.Voice.Duration,
		}
	case msg.Audio != nil:
		in.Attachment = &models.Attachment{
			Kind:     models.AttachmentVoice,
			FileID:   msg.Audio.FileID,
			Size:     int64(msg.Audio.FileSize),
			Format:   audioFormat(msg.Audio.MimeType),
			Duration: msg.Audio.Duration,
		}
	case len(msg.Photo) > 0:
		largest := msg.Photo[len(msg.Photo)-1]
		in.Attachment = &models.Attachment{
			Kind:   models.AttachmentPhoto,
			FileID: largest.FileID,
			Size:   int64(largest.FileSize),
			Format: "jpg",
		}
	}
	return in
}

func chatKind(chat *tgbotapi.Chat) models.ChatKind {
	if chat.IsPrivate() {
		return models.ChatPrivate
	}
	return models.ChatGroup
}

func author(u *tgbotapi.User) models.Author {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	return models.Author{ID: u.ID, Name: name, Username: u.UserName}
}

func audioFormat(mime string) string {
	switch {
	case strings.Contains(mime, "mpeg"), strings.Contains(mime, "mp3"):
		return "mp3"
	case strings.Contains(mime, "wav"):
		return "wav"
	case strings.Contains(mime, "mp4"), strings.Contains(mime, "m4a"):
		return "m4a"
	case strings.Contains(mime, "flac"):
		return "flac"
	default:
		return "ogg"
	}
}

// removeFold deletes every case-insensitive occurrence of sub
func removeFold(s, sub string) string {
	lower, lsub := strings.ToLower(s), strings.ToLower(sub)
	if len(lower) != len(s) {
		return strings.ReplaceAll(s, sub, "")
	}
	var b strings.Builder
	for {
		i := strings.Index(lower, lsub)
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:i])
		s, lower = s[i+len(sub):], lower[i+len(sub):]
	}
}
