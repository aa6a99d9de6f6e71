package handlers

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/i18n"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/internal/services/ai"
	"github.com/pollinations-tgbot-go/internal/services/conversation"
	"github.com/pollinations-tgbot-go/internal/transport"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

const (
	captionLimit = 1024
	maxSeed      = 1<<31 - 1
	noStyle      = "none"
	customSize   = "custom"
)

var sizePattern = regexp.MustCompile(`^(\d{2,5})\s*[xх×*\s]\s*(\d{2,5})$`)

// imageJob describes one image generation
type imageJob struct {
	Prompt    string
	StyleKey  string
	Width     int
	Height    int
	Seed      *int64
	ReplyToID int
	// Cleanup lists messages deleted once the image has been sent
	Cleanup []int
}

// startImage claims the chat's image slot and generates in the background. It reports false
// when an image operation is already running.
func (h *MessageHandler) startImage(ctx context.Context, chatID int64, job imageJob) bool {
	op, ok := h.store.StartOperation(ctx, chatID, models.OpImage)
	if !ok {
		h.metrics.RecordAdmissionRejected("busy")
		return false
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer op.Finish()
		h.generateImage(op, job)
	}()
	return true
}

func (h *MessageHandler) generateImage(op *conversation.Operation, job imageJob) {
	ctx := op.Context()
	chatID := op.ChatID
	lang := h.lang(chatID)
	log := h.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"width":   job.Width,
		"height":  job.Height,
	})

	h.metrics.OperationStarted(string(models.OpImage))
	defer h.metrics.OperationFinished(string(models.OpImage))

	prompt := job.Prompt
	if style, ok := h.style(job.StyleKey); ok {
		prompt += ", " + style.Suffix
	}
	seed := job.Seed
	if seed == nil {
		s := rand.Int63n(maxSeed) + 1
		seed = &s
	}

	stopKB := transport.Keyboard{transport.Row(transport.Button{
		Text: h.localizer.Get(lang, i18n.MsgButtonStop, nil),
		Data: "stop",
	})}
	statusText := h.localizer.Get(lang, i18n.MsgImageGenerating, map[string]interface{}{
		"Width":  job.Width,
		"Height": job.Height,
	})
	statusID, err := h.send(ctx, chatID, job.ReplyToID, statusText, stopKB)
	if err != nil {
		log.WithError(err).Warn("Failed to send generation status")
	}

	stopTyping := h.keepTyping(ctx, chatID, transport.ActionUploadPhoto)
	data, err := h.aiService.GenerateImage(ctx, ai.ImageRequest{
		Prompt: prompt,
		Width:  job.Width,
		Height: job.Height,
		Seed:   seed,
	})
	stopTyping()

	if op.Stopped() {
		h.store.ConsumeForceStop(chatID)
		if statusID != 0 {
			detached := context.WithoutCancel(ctx)
			stopped := h.localizer.Get(lang, i18n.MsgImageStopped, nil)
			if err := h.transport.Edit(detached, chatID, statusID, stopped, markdown.ModePlain, nil); err != nil {
				log.WithError(err).Debug("Failed to mark generation as stopped")
			}
			h.store.AddCleanupMessage(chatID, statusID)
		}
		log.Info("Image generation stopped")
		return
	}
	if err != nil {
		h.deleteMessage(ctx, chatID, statusID)
		h.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to generate image")
		h.reportError(ctx, chatID, job.ReplyToID, err)
		return
	}

	if h.store.Settings(chatID).AutoAnalyze {
		analysis, err := h.analyze(ctx, data, imageFormat(data), h.config.Imagine.AnalysisPrompt, "")
		if err != nil {
			log.WithError(err).Warn("Failed to analyze generated image")
		} else {
			h.store.AddImageContext(chatID, analysis)
		}
	}

	kb := transport.Keyboard{
		transport.Row(transport.Button{
			Text: h.localizer.Get(lang, i18n.MsgButtonRegenerate, nil),
			Data: fmt.Sprintf("regen:%dx%d", job.Width, job.Height),
		}),
		transport.Row(transport.Button{
			Text: h.localizer.Get(lang, i18n.MsgButtonNewImage, nil),
			Data: "imagine:new",
		}),
	}
	if _, err := h.transport.SendPhoto(ctx, transport.Photo{
		ChatID:    chatID,
		Data:      data,
		Caption:   markdown.Truncate(prompt, captionLimit),
		ReplyToID: job.ReplyToID,
		Keyboard:  kb,
	}); err != nil {
		h.deleteMessage(ctx, chatID, statusID)
		h.metrics.RecordMessageProcessed("error")
		log.WithError(err).Error("Failed to send image")
		h.reportError(ctx, chatID, job.ReplyToID, err)
		return
	}

	h.deleteMessage(ctx, chatID, statusID)
	for _, id := range job.Cleanup {
		h.deleteMessage(ctx, chatID, id)
	}
	h.cleanupTransient(ctx, chatID)
	h.metrics.RecordMessageProcessed("success")
	log.WithField("bytes", len(data)).Info("Image generated")
}

// imageFormat maps sniffed image bytes to a gateway vision format
func imageFormat(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/gif":
		return "gif"
	default:
		return "jpg"
	}
}

func (h *MessageHandler) style(key string) (config.StylePreset, bool) {
	if key == "" || key == noStyle {
		return config.StylePreset{}, false
	}
	for _, s := range h.config.Imagine.Styles {
		if s.Key == key {
			return s, true
		}
	}
	return config.StylePreset{}, false
}

func (h *MessageHandler) sizePreset(key string) (config.SizePreset, bool) {
	return findSize(h.config.Imagine.Sizes, key)
}

func findSize(sizes []config.SizePreset, key string) (config.SizePreset, bool) {
	for _, s := range sizes {
		if strings.EqualFold(s.Key, key) {
			return s, true
		}
	}
	return config.SizePreset{}, false
}

// startWizard begins the step-by-step /imagine flow with the size keyboard
func (h *MessageHandler) startWizard(ctx context.Context, chatID int64, replyTo int) {
	h.store.SetUserState(chatID, models.ImagineState{Step: models.StepSizeSelection})

	lang := h.lang(chatID)
	text := h.localizer.Get(lang, i18n.MsgImagineChooseSize, nil)
	if _, err := h.send(ctx, chatID, replyTo, text, h.sizeKeyboard(lang)); err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to send size selection")
	}
}

func (h *MessageHandler) sizeKeyboard(lang string) transport.Keyboard {
	buttons := make([]transport.Button, 0, len(h.config.Imagine.Sizes))
	for _, s := range h.config.Imagine.Sizes {
		buttons = append(buttons, transport.Button{
			Text: fmt.Sprintf("%s %d×%d", s.Title, s.Width, s.Height),
			Data: "size:" + s.Key,
		})
	}
	kb := grid(buttons, 2)
	return append(kb, transport.Row(transport.Button{
		Text: h.localizer.Get(lang, i18n.MsgButtonCustomSize, nil),
		Data: "size:" + customSize,
	}))
}

func (h *MessageHandler) styleKeyboard(lang string) transport.Keyboard {
	buttons := make([]transport.Button, 0, len(h.config.Imagine.Styles))
	for _, s := range h.config.Imagine.Styles {
		buttons = append(buttons, transport.Button{Text: s.Title, Data: "style:" + s.Key})
	}
	kb := grid(buttons, 2)
	return append(kb, transport.Row(transport.Button{
		Text: h.localizer.Get(lang, i18n.MsgButtonNoStyle, nil),
		Data: "style:" + noStyle,
	}))
}

func grid(buttons []transport.Button, perRow int) transport.Keyboard {
	var kb transport.Keyboard
	for i := 0; i < len(buttons); i += perRow {
		end := i + perRow
		if end > len(buttons) {
			end = len(buttons)
		}
		kb = append(kb, transport.Row(buttons[i:end]...))
	}
	return kb
}

// selectSize handles a size button. It returns the text for the callback answer.
func (h *MessageHandler) selectSize(ctx context.Context, cb *models.Callback, key string) string {
	lang := h.lang(cb.ChatID)
	state, ok := h.store.UserState(cb.ChatID)
	if !ok || state.Step != models.StepSizeSelection {
		return h.localizer.Get(lang, i18n.MsgImagineExpired, nil)
	}

	if key == customSize {
		h.store.SetUserState(cb.ChatID, models.ImagineState{Step: models.StepCustomSize})
		text := h.localizer.Get(lang, i18n.MsgImagineCustomSize, map[string]interface{}{
			"Min": h.config.Imagine.MinDimension,
			"Max": h.config.Imagine.MaxDimension,
		})
		h.editMessage(ctx, cb.ChatID, cb.MessageID, text, nil)
		return ""
	}

	size, ok := h.sizePreset(key)
	if !ok {
		return h.localizer.Get(lang, i18n.MsgImagineExpired, nil)
	}
	h.chooseStyle(ctx, cb.ChatID, cb.MessageID, 0, models.ImagineState{
		SizeKey: size.Key,
		Width:   size.Width,
		Height:  size.Height,
	})
	return ""
}

// chooseStyle stores the size and shows the style keyboard, editing messageID when set
func (h *MessageHandler) chooseStyle(ctx context.Context, chatID int64, messageID, replyTo int, state models.ImagineState) {
	state.Step = models.StepStyleSelection
	h.store.SetUserState(chatID, state)

	lang := h.lang(chatID)
	text := h.localizer.Get(lang, i18n.MsgImagineChooseStyle, map[string]interface{}{
		"Width":  state.Width,
		"Height": state.Height,
	})
	if messageID != 0 {
		h.editMessage(ctx, chatID, messageID, text, h.styleKeyboard(lang))
		return
	}
	if _, err := h.send(ctx, chatID, replyTo, text, h.styleKeyboard(lang)); err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Error("Failed to send style selection")
	}
}

// selectStyle handles a style button and asks for the description
func (h *MessageHandler) selectStyle(ctx context.Context, cb *models.Callback, key string) string {
	lang := h.lang(cb.ChatID)
	state, ok := h.store.UserState(cb.ChatID)
	if !ok || state.Step != models.StepStyleSelection {
		return h.localizer.Get(lang, i18n.MsgImagineExpired, nil)
	}

	title := ""
	if key != noStyle {
		style, ok := h.style(key)
		if !ok {
			return h.localizer.Get(lang, i18n.MsgImagineExpired, nil)
		}
		state.StyleKey, title = style.Key, style.Title
	}
	state.Step = models.StepWaitDescription
	h.store.SetUserState(cb.ChatID, state)

	text := h.localizer.Get(lang, i18n.MsgImagineDescribe, map[string]interface{}{
		"Width":  state.Width,
		"Height": state.Height,
		"Style":  title,
	})
	h.editMessage(ctx, cb.ChatID, cb.MessageID, text, nil)
	return ""
}

// handleWizardInput consumes text typed during the wizard. It reports whether the message
// belonged to the wizard.
func (h *MessageHandler) handleWizardInput(ctx context.Context, in *models.IncomingMessage, state models.ImagineState) bool {
	switch state.Step {
	case models.StepCustomSize:
		w, ht, ok := parseSize(in.Text)
		if !ok {
			h.notify(ctx, in.ChatID, in.MessageID, i18n.MsgImagineInvalidSize, nil)
			return true
		}
		lo, hi := h.config.Imagine.MinDimension, h.config.Imagine.MaxDimension
		h.chooseStyle(ctx, in.ChatID, 0, in.MessageID, models.ImagineState{
			SizeKey: customSize,
			Width:   ai.ClampDimension(w, lo, hi),
			Height:  ai.ClampDimension(ht, lo, hi),
		})
		return true

	case models.StepWaitDescription:
		if err := h.security.ValidateInput(in.Text); err != nil {
			h.reportError(ctx, in.ChatID, in.MessageID, err)
			return true
		}
		// Wizard state is kept so the description can be sent again after the wait
		if !h.admit(ctx, in, h.config.RateLimit.MediaInterval()) {
			return true
		}
		job := imageJob{
			Prompt:   in.Text,
			StyleKey: state.StyleKey,
			Width:    state.Width,
			Height:   state.Height,
			Cleanup:  []int{in.MessageID},
		}
		if !h.startImage(ctx, in.ChatID, job) {
			h.notify(ctx, in.ChatID, in.MessageID, i18n.MsgBusyImage, nil)
			return true
		}
		h.store.ClearUserState(in.ChatID)
		return true
	}
	return false
}

// regenerate repeats a generation from the prompt in the photo caption with a fresh seed
func (h *MessageHandler) regenerate(ctx context.Context, cb *models.Callback, size string) string {
	lang := h.lang(cb.ChatID)
	prompt := strings.TrimSpace(cb.Caption)
	w, ht, ok := parseSize(size)
	if prompt == "" || !ok {
		return h.localizer.Get(lang, i18n.MsgImagineExpired, nil)
	}

	if !h.admit(ctx, &models.IncomingMessage{ChatID: cb.ChatID, ChatKind: cb.ChatKind, From: cb.From}, h.config.RateLimit.MediaInterval()) {
		return ""
	}

	lo, hi := h.config.Imagine.MinDimension, h.config.Imagine.RegenerateMax
	job := imageJob{
		Prompt: prompt,
		Width:  ai.ClampDimension(w, lo, hi),
		Height: ai.ClampDimension(ht, lo, hi),
	}
	if !h.startImage(ctx, cb.ChatID, job) {
		return h.localizer.Get(lang, i18n.MsgBusyImage, nil)
	}
	return h.localizer.Get(lang, i18n.MsgImagineRegenerate, nil)
}

func (h *MessageHandler) editMessage(ctx context.Context, chatID int64, messageID int, text string, kb transport.Keyboard) {
	if err := h.transport.Edit(ctx, chatID, messageID, text, markdown.ModePlain, kb); err != nil {
		h.logger.WithError(err).WithField("chat_id", chatID).Warn("Failed to edit message")
	}
}

// parseSize reads "WIDTHxHEIGHT"; x, ×, * or a space separate the sides
func parseSize(s string) (int, int, bool) {
	m := sizePattern.FindStringSubmatch(strings.ToLower(strings.TrimSpace(s)))
	if m == nil {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(m[1])
	h, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return w, h, true
}

// parseImagineArgs reads quick mode arguments: "[preset] [--w N] [--h N] prompt [seed:N]".
// Without a preset the first configured size is used; dimensions are clamped to [lo, hi].
func parseImagineArgs(args string, sizes []config.SizePreset, lo, hi int) (imageJob, bool) {
	fields := strings.Fields(args)
	job := imageJob{Width: 1024, Height: 1024}
	if len(sizes) > 0 {
		job.Width, job.Height = sizes[0].Width, sizes[0].Height
	}

	if len(fields) > 0 {
		if size, ok := findSize(sizes, fields[0]); ok {
			job.Width, job.Height = size.Width, size.Height
			fields = fields[1:]
		}
	}

	words := make([]string, 0, len(fields))
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		switch {
		case (f == "--w" || f == "--h") && i+1 < len(fields):
			n, err := strconv.Atoi(fields[i+1])
			if err != nil {
				words = append(words, f)
				continue
			}
			if f == "--w" {
				job.Width = n
			} else {
				job.Height = n
			}
			i++
		case strings.HasPrefix(strings.ToLower(f), "seed:"):
			n, err := strconv.ParseInt(f[len("seed:"):], 10, 64)
			if err != nil {
				words = append(words, f)
				continue
			}
			job.Seed = &n
		default:
			words = append(words, f)
		}
	}

	job.Prompt = strings.Join(words, " ")
	if job.Prompt == "" {
		return imageJob{}, false
	}
	job.Width = ai.ClampDimension(job.Width, lo, hi)
	job.Height = ai.ClampDimension(job.Height, lo, hi)
	return job, true
}
