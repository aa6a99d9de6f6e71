package handlers

import (
	"context"
	"sync"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/i18n"
	"github.com/pollinations-tgbot-go/internal/middleware"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/internal/services/ai"
	"github.com/pollinations-tgbot-go/internal/services/cache"
	"github.com/pollinations-tgbot-go/internal/services/conversation"
	"github.com/pollinations-tgbot-go/internal/services/media"
	"github.com/pollinations-tgbot-go/internal/services/queue"
	"github.com/pollinations-tgbot-go/internal/transport"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

const voicePreviewLength = 100

// MessageHandler handles regular messages
type MessageHandler struct {
	config      *config.Config
	transport   transport.Transport
	aiService   ai.Service
	store       *conversation.Store
	queue       *queue.Manager
	cache       cache.Service
	transcoder  media.Transcoder
	formatter   *markdown.Formatter
	rateLimiter middleware.RateLimiter
	security    *middleware.SecurityMiddleware
	localizer   *i18n.Localizer
	metrics     *middleware.Metrics
	logger      *logrus.Logger
	wg          sync.WaitGroup
}

// NewMessageHandler creates a new message handler
func NewMessageHandler(
	cfg *config.Config,
	tr transport.Transport,
	aiService ai.Service,
	store *conversation.Store,
	queue *queue.Manager,
	cache cache.Service,
	transcoder media.Transcoder,
	formatter *markdown.Formatter,
	rateLimiter middleware.RateLimiter,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	logger *logrus.Logger,
) *MessageHandler {
	return &MessageHandler{
		config:      cfg,
		transport:   tr,
		aiService:   aiService,
		store:       store,
		queue:       queue,
		cache:       cache,
		transcoder:  transcoder,
		formatter:   formatter,
		rateLimiter: rateLimiter,
		security:    middleware.NewSecurityMiddleware(&cfg.Security, logger),
		localizer:   localizer,
		metrics:     metrics,
		logger:      logger,
	}
}

// Wait blocks until background generations and queue drains have finished
func (h *MessageHandler) Wait() {
	h.wg.Wait()
	h.queue.Wait()
}

// HandleMessage processes a non-command message
func (h *MessageHandler) HandleMessage(ctx context.Context, in *models.IncomingMessage) {
	kind := "text"
	if in.Attachment != nil {
		kind = string(in.Attachment.Kind)
	}
	// Record metrics
	h.metrics.RecordMessageReceived(string(in.ChatKind), kind)

	// Wizard input never reaches the chat model
	if in.Attachment == nil && in.Text != "" {
		if state, ok := h.store.UserState(in.ChatID); ok && h.handleWizardInput(ctx, in, state) {
			return
		}
	}

	respond := h.shouldRespond(in)
	logger.WithContext(h.logger, in.ChatID, in.From.ID).WithFields(logrus.Fields{
		"kind":      kind,
		"chat_kind": in.ChatKind,
		"respond":   respond,
	}).Debug("Incoming message")

	// Route by content
	switch {
	case in.Attachment != nil && in.Attachment.Kind == models.AttachmentVoice:
		if respond {
			h.handleVoice(ctx, in)
		}
	case in.Attachment != nil && in.Attachment.Kind == models.AttachmentPhoto:
		if respond {
			h.handlePhoto(ctx, in)
		}
	case in.Text != "":
		h.handleText(ctx, in, respond)
	}
}

// shouldRespond applies the chat's group mode. Private chats always get an answer.
func (h *MessageHandler) shouldRespond(in *models.IncomingMessage) bool {
	if in.ChatKind == models.ChatPrivate {
		return true
	}
	switch h.store.Settings(in.ChatID).GroupMode {
	case models.GroupModeAlways:
		return true
	case models.GroupModeMentionOnly:
		return in.Mentioned
	case models.GroupModeReplyOnly:
		return in.ReplyToBot
	case models.GroupModeSilent:
		return false
	default:
		return in.Mentioned || in.ReplyToBot
	}
}

func (h *MessageHandler) handleText(ctx context.Context, in *models.IncomingMessage, respond bool) {
	if !respond {
		// Kept so later answers in the group know what was said
		h.store.AddMessage(in.ChatID, models.RoleUser, in.Text, &in.From)
		return
	}

	// Validate input
	if err := h.security.ValidateInput(in.Text); err != nil {
		logger.WithContext(h.logger, in.ChatID, in.From.ID).WithError(err).Warn("Input validation failed")
		h.reportError(ctx, in.ChatID, in.MessageID, err)
		return
	}
	if !h.admit(ctx, in, h.config.RateLimit.MinInterval()) {
		return
	}

	h.submitText(ctx, in.ChatID, models.PendingRequest{
		UserMessage: in.Text,
		Author:      in.From,
		ReplyToID:   in.MessageID,
	})
}

// submitText starts req right away when the chat's text slot is free, otherwise it is queued
// behind the running generation.
func (h *MessageHandler) submitText(ctx context.Context, chatID int64, req models.PendingRequest) {
	var op *conversation.Operation
	position, started := h.queue.Submit(chatID, req, func() bool {
		var ok bool
		op, ok = h.store.StartOperation(ctx, chatID, models.OpText)
		return ok
	})

	if started {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.runText(ctx, op, req)
		}()
		return
	}

	h.metrics.RecordQueued()
	h.notify(ctx, chatID, req.ReplyToID, i18n.MsgQueued, map[string]interface{}{"Position": position})
}

func (h *MessageHandler) runText(ctx context.Context, op *conversation.Operation, req models.PendingRequest) {
	func() {
		defer op.Finish()
		defer func() {
			if r := recover(); r != nil {
				h.logger.WithField("chat_id", op.ChatID).Errorf("Panic while answering: %v", r)
			}
		}()
		h.answer(op, req)
	}()
	h.drain(ctx, op.ChatID)
}

// drain hands the chat's queued requests to the queue manager, one claimed slot at a time
func (h *MessageHandler) drain(ctx context.Context, chatID int64) {
	var op *conversation.Operation
	start := func() bool {
		var ok bool
		op, ok = h.store.StartOperation(ctx, chatID, models.OpText)
		return ok
	}
	process := func(_ context.Context, req models.PendingRequest) error {
		defer op.Finish()
		return h.answer(op, req)
	}
	h.queue.Drain(ctx, chatID, start, process)
}

// answer records the user message, asks the gateway and delivers the reply. The caller owns
// op and finishes it.
func (h *MessageHandler) answer(op *conversation.Operation, req models.PendingRequest) error {
	ctx := op.Context()
	chatID := op.ChatID
	log := logger.WithContext(h.logger, chatID, req.Author.ID)

	// Add user message to history
	h.store.AddMessage(chatID, models.RoleUser, req.UserMessage, &req.Author)
	if op.Stopped() {
		return nil
	}

	h.metrics.OperationStarted(string(models.OpText))
	defer h.metrics.OperationFinished(string(models.OpText))

	// Generate response
	stopTyping := h.keepTyping(ctx, chatID, transport.ActionTyping)
	reply, err := h.aiService.Complete(ctx, h.store.BuildAPIMessages(chatID))
	stopTyping()

	if op.Stopped() {
		h.store.ConsumeForceStop(chatID)
		log.Info("Generation stopped, answer discarded")
		return nil
	}
	if err == nil {
		if reply = h.formatter.Clean(reply); reply == "" {
			err = errs.New(errs.KindGatewayMalformed, "complete", "empty answer")
		}
	}
	if err != nil {
		h.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to generate answer")
		h.reportError(ctx, chatID, req.ReplyToID, err)
		return err
	}

	// Send response
	if err := h.deliver(ctx, chatID, req.ReplyToID, reply); err != nil {
		h.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to deliver answer")
		return err
	}

	h.store.AddMessage(chatID, models.RoleAssistant, reply, nil)
	h.cleanupTransient(ctx, chatID)

	// Record metrics
	h.metrics.RecordMessageProcessed("success")
	log.WithField("length", len(reply)).Info("Answer delivered")
	return nil
}

func (h *MessageHandler) handleVoice(ctx context.Context, in *models.IncomingMessage) {
	if in.Attachment.Size > h.config.Media.MaxVoiceBytes() {
		h.reportMediaError(ctx, in, errs.New(errs.KindMediaTooLarge, "voice", "voice exceeds size limit"), h.config.Media.MaxVoiceSizeMB)
		return
	}
	if !h.admit(ctx, in, h.config.RateLimit.MediaInterval()) {
		return
	}

	op, ok := h.store.StartOperation(ctx, in.ChatID, models.OpVoice)
	if !ok {
		h.metrics.RecordAdmissionRejected("busy")
		h.notify(ctx, in.ChatID, in.MessageID, i18n.MsgBusyVoice, nil)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		text, ok := h.transcribe(op, in)
		if !ok {
			return
		}
		h.submitText(ctx, in.ChatID, models.PendingRequest{
			UserMessage: text,
			Author:      in.From,
			ReplyToID:   in.MessageID,
		})
	}()
}

// transcribe turns a voice message into text and shows it to the user. It finishes op before
// returning so the answer can be generated under the text slot.
func (h *MessageHandler) transcribe(op *conversation.Operation, in *models.IncomingMessage) (string, bool) {
	defer op.Finish()

	ctx := op.Context()
	detached := context.WithoutCancel(ctx)
	log := logger.WithContext(h.logger, in.ChatID, in.From.ID)
	lang := h.lang(in.ChatID)

	h.metrics.OperationStarted(string(models.OpVoice))
	defer h.metrics.OperationFinished(string(models.OpVoice))

	statusID := h.status(ctx, in.ChatID, in.MessageID, h.localizer.Get(lang, i18n.MsgVoiceProcessing, nil))
	stopTyping := h.keepTyping(ctx, in.ChatID, transport.ActionTyping)

	// Transcribe voice
	var transcript ai.Transcript
	audio, err := h.transport.DownloadFile(ctx, in.Attachment.FileID, h.config.Media.MaxVoiceBytes())
	if err == nil {
		var wav []byte
		if wav, err = h.transcoder.ToWAV(ctx, audio, in.Attachment.Format); err == nil {
			transcript, err = h.aiService.Transcribe(ctx, wav, "wav")
		}
	}
	stopTyping()

	if op.Stopped() {
		h.store.ConsumeForceStop(in.ChatID)
		h.deleteMessage(detached, in.ChatID, statusID)
		return "", false
	}
	if err != nil {
		log.WithError(err).Error("Failed to transcribe voice message")
		h.metrics.RecordMessageProcessed("error")
		h.deleteMessage(ctx, in.ChatID, statusID)
		h.reportMediaError(ctx, in, err, h.config.Media.MaxVoiceSizeMB)
		return "", false
	}

	if transcript.Refused {
		log.Info("Transcription refused, fallback shown")
		h.replaceStatus(ctx, in.ChatID, in.MessageID, statusID, transcript.Text)
		return "", false
	}

	// Show the recognized text
	recognized := h.localizer.Get(lang, i18n.MsgVoiceRecognized, map[string]interface{}{
		"Text": markdown.Truncate(transcript.Text, voicePreviewLength),
	})
	h.replaceStatus(ctx, in.ChatID, in.MessageID, statusID, recognized)
	log.WithField("length", len(transcript.Text)).Info("Voice message transcribed")
	return transcript.Text, true
}

func (h *MessageHandler) handlePhoto(ctx context.Context, in *models.IncomingMessage) {
	if in.Attachment.Size > h.config.Media.MaxImageBytes() {
		h.reportMediaError(ctx, in, errs.New(errs.KindMediaTooLarge, "photo", "photo exceeds size limit"), h.config.Media.MaxImageSizeMB)
		return
	}
	if in.Text != "" {
		if err := h.security.ValidateInput(in.Text); err != nil {
			h.reportError(ctx, in.ChatID, in.MessageID, err)
			return
		}
	}
	if !h.admit(ctx, in, h.config.RateLimit.MediaInterval()) {
		return
	}

	op, ok := h.store.StartOperation(ctx, in.ChatID, models.OpImage)
	if !ok {
		h.metrics.RecordAdmissionRejected("busy")
		h.notify(ctx, in.ChatID, in.MessageID, i18n.MsgBusyImage, nil)
		return
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer op.Finish()
		h.analyzePhoto(op, in)
	}()
}

func (h *MessageHandler) analyzePhoto(op *conversation.Operation, in *models.IncomingMessage) {
	ctx := op.Context()
	log := logger.WithContext(h.logger, in.ChatID, in.From.ID)
	lang := h.lang(in.ChatID)

	h.metrics.OperationStarted(string(models.OpImage))
	defer h.metrics.OperationFinished(string(models.OpImage))

	statusID := h.status(ctx, in.ChatID, in.MessageID, h.localizer.Get(lang, i18n.MsgPhotoProcessing, nil))
	stopTyping := h.keepTyping(ctx, in.ChatID, transport.ActionTyping)

	question := in.Text
	if question == "" {
		question = h.config.Media.DefaultQuestion
	}

	// Download and analyze
	var analysis string
	image, err := h.transport.DownloadFile(ctx, in.Attachment.FileID, h.config.Media.MaxImageBytes())
	if err == nil {
		analysis, err = h.analyze(ctx, image, in.Attachment.Format, question, h.config.Media.AnalysisPrompt)
	}
	stopTyping()

	if op.Stopped() {
		h.store.ConsumeForceStop(in.ChatID)
		h.deleteMessage(context.WithoutCancel(ctx), in.ChatID, statusID)
		return
	}
	h.deleteMessage(ctx, in.ChatID, statusID)
	if err != nil {
		log.WithError(err).Error("Failed to analyze photo")
		h.metrics.RecordMessageProcessed("error")
		h.reportMediaError(ctx, in, err, h.config.Media.MaxImageSizeMB)
		return
	}

	if in.Text != "" {
		h.store.AddMessage(in.ChatID, models.RoleUser, in.Text, &in.From)
	}

	// Send analysis
	text := h.localizer.Get(lang, i18n.MsgPhotoAnalysis, map[string]interface{}{"Analysis": analysis})
	if err := h.deliver(ctx, in.ChatID, in.MessageID, text); err != nil {
		log.WithError(err).Error("Failed to deliver photo analysis")
		return
	}
	h.store.AddImageContext(in.ChatID, analysis)
	h.cleanupTransient(ctx, in.ChatID)

	// Record metrics
	h.metrics.RecordMessageProcessed("success")
	log.WithField("length", len(analysis)).Info("Photo analyzed")
}

// analyze answers a question about an image, consulting the analysis cache first
func (h *MessageHandler) analyze(ctx context.Context, image []byte, format, question, systemPrompt string) (string, error) {
	if answer, ok := h.cache.Get(image, question); ok {
		h.metrics.RecordCacheHit()
		return answer, nil
	}
	h.metrics.RecordCacheMiss()

	answer, err := h.aiService.AnalyzeImage(ctx, image, format, question, systemPrompt)
	if err != nil {
		return "", err
	}
	if answer = h.formatter.Clean(answer); answer == "" {
		return "", errs.New(errs.KindGatewayMalformed, "analyze image", "empty answer")
	}
	h.cache.Set(image, question, answer)
	return answer, nil
}

// replaceStatus edits a status message, or sends text as a new reply when there is none
func (h *MessageHandler) replaceStatus(ctx context.Context, chatID int64, replyTo, statusID int, text string) {
	if statusID != 0 {
		if err := h.transport.Edit(ctx, chatID, statusID, text, markdown.ModePlain, nil); err == nil {
			return
		}
	}
	if _, err := h.send(ctx, chatID, replyTo, text, nil); err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to send status")
	}
}

func (h *MessageHandler) status(ctx context.Context, chatID int64, replyTo int, text string) int {
	id, err := h.send(ctx, chatID, replyTo, text, nil)
	if err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to send status message")
		return 0
	}
	return id
}
