package handlers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/i18n"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/internal/transport"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// typingInterval is below the 5 second lifetime of a Telegram chat action
const typingInterval = 4 * time.Second

// lang resolves the chat language; "auto" maps to the default language
func (h *MessageHandler) lang(chatID int64) string {
	lang := h.store.Settings(chatID).Lang
	if lang == "" || lang == models.LangAuto {
		return h.localizer.DefaultLanguage()
	}
	return lang
}

// admit applies the rate limiter and warns the user on rejection
func (h *MessageHandler) admit(ctx context.Context, in *models.IncomingMessage, interval time.Duration) bool {
	if h.rateLimiter.Admit(in.From.ID, in.ChatID, interval, h.config.RateLimit.RequestsPerMinute) {
		return true
	}

	h.metrics.RecordAdmissionRejected("rate_limit")
	wait := h.rateLimiter.WaitTime(in.From.ID, in.ChatID, interval)
	seconds := int(math.Ceil(wait.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	h.notify(ctx, in.ChatID, in.MessageID, i18n.MsgRateLimited, map[string]interface{}{"Seconds": seconds})
	return false
}

// deliver formats text for the chat and sends it part by part. A part rejected for its markup
// is resent as plain text; a failed part does not stop the following ones.
func (h *MessageHandler) deliver(ctx context.Context, chatID int64, replyTo int, text string) error {
	parts := h.formatter.Prepare(text, h.store.Settings(chatID).Format)
	if len(parts) == 0 {
		return errs.New(errs.KindValidation, "deliver", "nothing to send")
	}

	pace := rate.NewLimiter(rate.Every(h.config.Formatting.PartDelay), 1)
	failed := 0
	var lastErr error
	for i, part := range parts {
		if err := pace.Wait(ctx); err != nil {
			return err
		}

		msg := transport.OutgoingMessage{ChatID: chatID, Text: part.Text, ParseMode: part.ParseMode}
		if i == 0 {
			msg.ReplyToID = replyTo
		}
		_, err := h.transport.Send(ctx, msg)
		if errors.Is(err, transport.ErrFormatting) {
			h.metrics.RecordDeliveryFallback()
			h.logger.WithError(err).WithFields(logrus.Fields{
				"chat_id": chatID,
				"part":    i + 1,
			}).Warn("Markup rejected, resending as plain text")
			msg.Text, msg.ParseMode = part.Plain, markdown.ModePlain
			_, err = h.transport.Send(ctx, msg)
		}
		if err != nil {
			failed++
			lastErr = err
			h.logger.WithError(err).WithFields(logrus.Fields{
				"chat_id": chatID,
				"part":    i + 1,
				"parts":   len(parts),
			}).Error("Failed to send message part")
		}
	}

	if failed == len(parts) {
		return fmt.Errorf("no part delivered: %w", lastErr)
	}
	return nil
}

// keepTyping refreshes a chat action until the returned function is called
func (h *MessageHandler) keepTyping(ctx context.Context, chatID int64, action string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()

		for {
			if err := h.transport.SendChatAction(ctx, chatID, action); err != nil && ctx.Err() == nil {
				h.logger.WithError(err).WithField("chat_id", chatID).Debug("Failed to send chat action")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// reportError replies with one short localized message describing err
func (h *MessageHandler) reportError(ctx context.Context, chatID int64, replyTo int, err error) {
	h.sendError(ctx, chatID, replyTo, err, 0)
}

// reportMediaError is reportError for downloads, where the size ceiling is shown
func (h *MessageHandler) reportMediaError(ctx context.Context, in *models.IncomingMessage, err error, limitMB int) {
	h.sendError(ctx, in.ChatID, in.MessageID, err, limitMB)
}

func (h *MessageHandler) sendError(ctx context.Context, chatID int64, replyTo int, err error, limitMB int) {
	if ctx.Err() != nil {
		return
	}

	var id string
	data := map[string]interface{}{}
	switch errs.KindOf(err) {
	case errs.KindGatewayTimeout:
		id = i18n.MsgErrorTimeout
	case errs.KindGatewayHTTP:
		id = i18n.MsgErrorGateway
		data["Status"] = errs.StatusOf(err)
	case errs.KindGatewayMalformed:
		id = i18n.MsgErrorMalformed
	case errs.KindRefusal:
		id = i18n.MsgErrorRefusal
	case errs.KindMediaTooLarge:
		id = i18n.MsgErrorTooLarge
		data["Limit"] = limitMB
	case errs.KindMediaDownload:
		id = i18n.MsgErrorDownload
	case errs.KindTranscode:
		id = i18n.MsgErrorTranscode
	case errs.KindValidation:
		id = i18n.MsgErrorValidation
		data["Detail"] = detail(err)
	default:
		id = i18n.MsgErrorUnknown
		data["Detail"] = err.Error()
	}

	text := markdown.Truncate(h.localizer.Get(h.lang(chatID), id, data), h.config.Formatting.ErrorMaxLength)
	messageID, sendErr := h.send(ctx, chatID, replyTo, text, nil)
	if sendErr != nil {
		h.logger.WithError(sendErr).WithField("chat_id", chatID).Error("Failed to send error message")
		return
	}
	// Removed after the next successful answer
	h.store.AddCleanupMessage(chatID, messageID)
}

// detail returns the message of a classified error without its kind and operation
func detail(err error) string {
	var e *errs.Error
	if errors.As(err, &e) && e.Err != nil {
		return e.Err.Error()
	}
	return err.Error()
}

// notify sends a transient localized message that is deleted after the next answer
func (h *MessageHandler) notify(ctx context.Context, chatID int64, replyTo int, messageID string, data map[string]interface{}) int {
	id, err := h.send(ctx, chatID, replyTo, h.localizer.Get(h.lang(chatID), messageID, data), nil)
	if err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to send notice")
		return 0
	}
	h.store.AddCleanupMessage(chatID, id)
	return id
}

func (h *MessageHandler) send(ctx context.Context, chatID int64, replyTo int, text string, kb transport.Keyboard) (int, error) {
	return h.transport.Send(ctx, transport.OutgoingMessage{
		ChatID:    chatID,
		Text:      text,
		ParseMode: markdown.ModePlain,
		ReplyToID: replyTo,
		Keyboard:  kb,
	})
}

func (h *MessageHandler) deleteMessage(ctx context.Context, chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if err := h.transport.Delete(ctx, chatID, messageID); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"chat_id":    chatID,
			"message_id": messageID,
		}).Debug("Failed to delete message")
	}
}

// cleanupTransient deletes the chat's notices once a real answer has been sent
func (h *MessageHandler) cleanupTransient(ctx context.Context, chatID int64) {
	for _, id := range h.store.ConsumeCleanupMessages(chatID) {
		h.deleteMessage(ctx, chatID, id)
	}
}
