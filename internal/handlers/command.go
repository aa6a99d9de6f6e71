package handlers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/i18n"
	"github.com/pollinations-tgbot-go/internal/middleware"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/pollinations-tgbot-go/internal/services/conversation"
	"github.com/pollinations-tgbot-go/internal/services/queue"
	"github.com/pollinations-tgbot-go/internal/transport"
	"github.com/pollinations-tgbot-go/pkg/logger"
	"github.com/pollinations-tgbot-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

const promptPreviewLength = 100

var (
	verbosityCycle = []string{models.VerbosityShort, models.VerbosityNormal, models.VerbosityLong}
	langCycle      = []string{models.LangAuto, models.LangRU, models.LangEN}
	groupModeCycle = []string{
		models.GroupModeMentionOrReply,
		models.GroupModeAlways,
		models.GroupModeMentionOnly,
		models.GroupModeReplyOnly,
		models.GroupModeSilent,
	}
	formatCycle       = []string{models.FormatMarkdown, models.FormatHTML, models.FormatPlain}
	contextLimitSteps = []int{10, 20, 50, 100, 200}
)

// CommandHandler handles bot commands and inline keyboard callbacks
type CommandHandler struct {
	config    *config.Config
	transport transport.Transport
	messages  *MessageHandler
	store     *conversation.Store
	queue     *queue.Manager
	localizer *i18n.Localizer
	metrics   *middleware.Metrics
	health    func() middleware.HealthStatus
	logger    *logrus.Logger
}

// NewCommandHandler creates a new command handler
func NewCommandHandler(
	cfg *config.Config,
	tr transport.Transport,
	messages *MessageHandler,
	store *conversation.Store,
	queue *queue.Manager,
	localizer *i18n.Localizer,
	metrics *middleware.Metrics,
	health func() middleware.HealthStatus,
	logger *logrus.Logger,
) *CommandHandler {
	return &CommandHandler{
		config:    cfg,
		transport: tr,
		messages:  messages,
		store:     store,
		queue:     queue,
		localizer: localizer,
		metrics:   metrics,
		health:    health,
		logger:    logger,
	}
}

// HandleCommand processes a command message
func (h *CommandHandler) HandleCommand(ctx context.Context, in *models.IncomingMessage) {
	// Record metrics
	h.metrics.RecordCommandExecuted(in.Command)
	logger.WithContext(h.logger, in.ChatID, in.From.ID).WithFields(logrus.Fields{
		"command": in.Command,
		"args":    markdown.Truncate(in.CommandArgs, 50),
	}).Info("Command received")

	lang := h.messages.lang(in.ChatID)

	// Route command
	switch in.Command {
	case "start":
		h.handleStart(ctx, in, lang)
	case "help":
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgHelp, nil), nil)
	case "reset", "clear":
		n := h.store.Reset(in.ChatID)
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgContextCleared, map[string]interface{}{"Count": n}), nil)
	case "roles", "role":
		h.handleRoles(ctx, in, lang)
	case "setrole":
		h.handleSetRole(ctx, in, lang)
	case "resetrole":
		h.store.ResetRole(in.ChatID)
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgRoleReset, nil), nil)
	case "prompt":
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgPromptCurrent, map[string]interface{}{
			"Role":   h.roleTitle(h.store.Role(in.ChatID)),
			"Prompt": markdown.Truncate(h.store.SystemPrompt(in.ChatID), h.config.Formatting.MaxMessageLength-200),
		}), nil)
	case "setprompt":
		h.handleSetPrompt(ctx, in, lang)
	case "resetprompt":
		h.store.ResetSystemPrompt(in.ChatID)
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgPromptReset, nil), nil)
	case "contextlimit":
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgContextLimitCurrent, map[string]interface{}{
			"Limit":    h.store.ContextLimit(in.ChatID),
			"Messages": h.store.Summary(in.ChatID).Messages,
			"Max":      h.config.Context.MaxLimit,
		}), nil)
	case "setcontextlimit":
		h.handleSetContextLimit(ctx, in, lang)
	case "settings":
		h.reply(ctx, in, h.settingsText(in.ChatID, lang), h.settingsKeyboard(lang))
	case "stop":
		h.reply(ctx, in, h.stop(in.ChatID, lang), nil)
	case "imagine":
		h.handleImagine(ctx, in, lang)
	case "health", "stats":
		h.reply(ctx, in, h.healthText(lang), nil)
	default:
		if in.ChatKind == models.ChatPrivate {
			h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgUnknownCommand, nil), nil)
		}
	}
}

func (h *CommandHandler) reply(ctx context.Context, in *models.IncomingMessage, text string, kb transport.Keyboard) {
	if _, err := h.messages.send(ctx, in.ChatID, in.MessageID, text, kb); err != nil {
		h.logger.WithError(err).WithFields(logrus.Fields{
			"chat_id": in.ChatID,
			"command": in.Command,
		}).Error("Failed to send command reply")
	}
}

func (h *CommandHandler) handleStart(ctx context.Context, in *models.IncomingMessage, lang string) {
	role := h.roleTitle(h.store.Role(in.ChatID))
	if in.ChatKind != models.ChatPrivate {
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgWelcomeGroup, map[string]interface{}{"Role": role}), nil)
		return
	}

	name := in.From.Name
	if name == "" {
		name = in.From.DisplayName()
	}
	h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgWelcome, map[string]interface{}{
		"Name":   name,
		"Role":   role,
		"Prompt": markdown.Truncate(h.store.SystemPrompt(in.ChatID), promptPreviewLength),
	}), nil)
}

func (h *CommandHandler) roleTitle(key string) string {
	for _, p := range h.store.Personas() {
		if p.Key == key {
			return p.Title
		}
	}
	return key
}

func (h *CommandHandler) roleKeys() string {
	personas := h.store.Personas()
	keys := make([]string, 0, len(personas))
	for _, p := range personas {
		keys = append(keys, p.Key)
	}
	return strings.Join(keys, ", ")
}

func (h *CommandHandler) rolesKeyboard(lang string) transport.Keyboard {
	personas := h.store.Personas()
	buttons := make([]transport.Button, 0, len(personas))
	for _, p := range personas {
		buttons = append(buttons, transport.Button{Text: p.Title, Data: "role:" + p.Key})
	}
	kb := grid(buttons, 2)
	return append(kb, transport.Row(transport.Button{
		Text: h.localizer.Get(lang, i18n.MsgButtonRoleReset, nil),
		Data: "role:reset",
	}))
}

func (h *CommandHandler) handleRoles(ctx context.Context, in *models.IncomingMessage, lang string) {
	text := h.localizer.Get(lang, i18n.MsgRolesList, map[string]interface{}{
		"Role": h.roleTitle(h.store.Role(in.ChatID)),
	})
	h.reply(ctx, in, text, h.rolesKeyboard(lang))
}

func (h *CommandHandler) handleSetRole(ctx context.Context, in *models.IncomingMessage, lang string) {
	key := strings.ToLower(strings.TrimSpace(in.CommandArgs))
	if key == "" {
		h.handleRoles(ctx, in, lang)
		return
	}
	if err := h.store.SetRole(in.ChatID, key); err != nil {
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgRoleUnknown, map[string]interface{}{
			"Role":  key,
			"Roles": h.roleKeys(),
		}), nil)
		return
	}
	h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgRoleSet, map[string]interface{}{"Role": h.roleTitle(key)}), nil)
}

func (h *CommandHandler) handleSetPrompt(ctx context.Context, in *models.IncomingMessage, lang string) {
	if strings.TrimSpace(in.CommandArgs) == "" {
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgPromptUsage, nil), nil)
		return
	}
	if err := h.store.SetSystemPrompt(in.ChatID, in.CommandArgs); err != nil {
		logger.WithContext(h.logger, in.ChatID, in.From.ID).WithError(err).Warn("Custom prompt rejected")
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgPromptInvalid, map[string]interface{}{"Detail": detail(err)}), nil)
		return
	}
	h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgPromptSet, nil), nil)
}

func (h *CommandHandler) handleSetContextLimit(ctx context.Context, in *models.IncomingMessage, lang string) {
	usage := h.localizer.Get(lang, i18n.MsgContextLimitUsage, map[string]interface{}{"Max": h.config.Context.MaxLimit})

	n, err := strconv.Atoi(strings.TrimSpace(in.CommandArgs))
	if err != nil {
		h.reply(ctx, in, usage, nil)
		return
	}
	limit, trimmed, err := h.store.SetContextLimit(in.ChatID, n)
	if err != nil {
		h.reply(ctx, in, usage, nil)
		return
	}
	h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgContextLimitSet, map[string]interface{}{
		"Limit":   limit,
		"Trimmed": trimmed,
	}), nil)
}

func (h *CommandHandler) handleImagine(ctx context.Context, in *models.IncomingMessage, lang string) {
	// No arguments starts the wizard
	if strings.TrimSpace(in.CommandArgs) == "" {
		h.messages.startWizard(ctx, in.ChatID, in.MessageID)
		return
	}

	job, ok := parseImagineArgs(in.CommandArgs, h.config.Imagine.Sizes, h.config.Imagine.MinDimension, h.config.Imagine.MaxDimension)
	if !ok {
		keys := make([]string, 0, len(h.config.Imagine.Sizes))
		for _, s := range h.config.Imagine.Sizes {
			keys = append(keys, s.Key)
		}
		h.reply(ctx, in, h.localizer.Get(lang, i18n.MsgImagineUsage, map[string]interface{}{
			"Presets": strings.Join(keys, ", "),
		}), nil)
		return
	}
	// Validate prompt and apply rate limiting
	if err := h.messages.security.ValidateInput(job.Prompt); err != nil {
		h.messages.reportError(ctx, in.ChatID, in.MessageID, err)
		return
	}
	if !h.messages.admit(ctx, in, h.config.RateLimit.MediaInterval()) {
		return
	}

	job.ReplyToID = in.MessageID
	if !h.messages.startImage(ctx, in.ChatID, job) {
		h.messages.notify(ctx, in.ChatID, in.MessageID, i18n.MsgBusyImage, nil)
	}
}

// stop cancels every running operation, drops queued requests and the wizard state
func (h *CommandHandler) stop(chatID int64, lang string) string {
	stopped := h.store.ForceStopAllOperations(chatID)
	dropped := h.queue.Clear(chatID)

	if len(stopped) == 0 && dropped == 0 {
		return h.localizer.Get(lang, i18n.MsgNothingToStop, nil)
	}

	kinds := make([]string, 0, len(stopped)+1)
	for _, k := range stopped {
		kinds = append(kinds, string(k))
	}
	if dropped > 0 {
		kinds = append(kinds, "queue")
	}
	h.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"stopped": kinds,
		"dropped": dropped,
	}).Info("Stop requested")

	return h.localizer.Get(lang, i18n.MsgStopped, map[string]interface{}{
		"Kinds":  strings.Join(kinds, ", "),
		"Queued": dropped,
	})
}

func (h *CommandHandler) healthText(lang string) string {
	status := h.health()
	return h.localizer.Get(lang, i18n.MsgHealth, map[string]interface{}{
		"Status":     status.Status,
		"Uptime":     status.Uptime,
		"Chats":      status.Store.ActiveContexts,
		"Messages":   status.Store.TotalMessages,
		"Operations": status.Store.ActiveOperations,
		"Queued":     h.queue.Stats().Pending,
		"Requests":   status.Requests,
		"Errors":     status.Errors,
		"Memory":     fmt.Sprintf("%.1f", status.MemoryMB),
	})
}

func (h *CommandHandler) onOff(lang string, v bool) string {
	if v {
		return h.localizer.Get(lang, i18n.MsgOn, nil)
	}
	return h.localizer.Get(lang, i18n.MsgOff, nil)
}

func (h *CommandHandler) settingsText(chatID int64, lang string) string {
	settings := h.store.Settings(chatID)
	summary := h.store.Summary(chatID)
	usage := h.store.UsageStats(chatID)

	last := "-"
	if !usage.LastActivity.IsZero() {
		last = usage.LastActivity.Format("2006-01-02 15:04")
	}
	return h.localizer.Get(lang, i18n.MsgSettings, map[string]interface{}{
		"Verbosity":    settings.Verbosity,
		"Lang":         settings.Lang,
		"GroupMode":    settings.GroupMode,
		"Limit":        settings.ContextLimit,
		"AutoAnalyze":  h.onOff(lang, settings.AutoAnalyze),
		"Format":       settings.Format,
		"Messages":     summary.Messages,
		"Role":         h.roleTitle(summary.Role),
		"Total":        usage.TotalMessages,
		"User":         usage.UserMessages,
		"Assistant":    usage.AssistantMessages,
		"Images":       usage.ImageContexts,
		"LastActivity": last,
	})
}

func (h *CommandHandler) settingsKeyboard(lang string) transport.Keyboard {
	button := func(id, data string) transport.Button {
		return transport.Button{Text: h.localizer.Get(lang, id, nil), Data: "settings:" + data}
	}
	return transport.Keyboard{
		transport.Row(button(i18n.MsgButtonVerbosity, "verbosity"), button(i18n.MsgButtonLanguage, "lang")),
		transport.Row(button(i18n.MsgButtonGroupMode, "group"), button(i18n.MsgButtonContextLimit, "limit")),
		transport.Row(button(i18n.MsgButtonAutoAnalyze, "analyze"), button(i18n.MsgButtonFormat, "format")),
	}
}

// HandleCallback processes inline keyboard presses; data has the form "action:param"
func (h *CommandHandler) HandleCallback(ctx context.Context, cb *models.Callback) {
	action, param, _ := strings.Cut(cb.Data, ":")
	log := logger.WithContext(h.logger, cb.ChatID, cb.From.ID).WithFields(logrus.Fields{
		"action": action,
		"param":  param,
	})
	log.Debug("Callback received")

	// Record metrics
	h.metrics.RecordCommandExecuted("callback_" + action)

	var answer string
	switch action {
	case "role":
		answer = h.roleCallback(ctx, cb, param)
	case "settings":
		answer = h.settingsCallback(ctx, cb, param)
	case "size":
		answer = h.messages.selectSize(ctx, cb, param)
	case "style":
		answer = h.messages.selectStyle(ctx, cb, param)
	case "regen":
		answer = h.messages.regenerate(ctx, cb, param)
	case "imagine":
		h.messages.startWizard(ctx, cb.ChatID, 0)
	case "stop":
		answer = h.stop(cb.ChatID, h.messages.lang(cb.ChatID))
	default:
		log.Warn("Unknown callback")
	}

	// Answer callback to remove loading state
	if err := h.transport.AnswerCallback(ctx, cb.ID, answer); err != nil {
		log.WithError(err).Debug("Failed to answer callback")
	}
}

func (h *CommandHandler) roleCallback(ctx context.Context, cb *models.Callback, key string) string {
	lang := h.messages.lang(cb.ChatID)

	var text string
	if key == "reset" {
		h.store.ResetRole(cb.ChatID)
		text = h.localizer.Get(lang, i18n.MsgRoleReset, nil)
	} else {
		if err := h.store.SetRole(cb.ChatID, key); err != nil {
			return h.localizer.Get(lang, i18n.MsgRoleUnknown, map[string]interface{}{"Role": key, "Roles": h.roleKeys()})
		}
		text = h.localizer.Get(lang, i18n.MsgRoleSet, map[string]interface{}{"Role": h.roleTitle(key)})
	}
	h.messages.editMessage(ctx, cb.ChatID, cb.MessageID, text, nil)
	return text
}

func (h *CommandHandler) settingsCallback(ctx context.Context, cb *models.Callback, field string) string {
	h.store.UpdateSettings(cb.ChatID, func(s *models.ChatSettings) {
		switch field {
		case "verbosity":
			s.Verbosity = cycle(verbosityCycle, s.Verbosity)
		case "lang":
			s.Lang = cycle(langCycle, s.Lang)
		case "group":
			s.GroupMode = cycle(groupModeCycle, s.GroupMode)
		case "format":
			s.Format = cycle(formatCycle, s.Format)
		case "analyze":
			s.AutoAnalyze = !s.AutoAnalyze
		case "limit":
			s.ContextLimit = nextLimit(s.ContextLimit)
		}
	})

	// Language may have just changed
	lang := h.messages.lang(cb.ChatID)
	h.messages.editMessage(ctx, cb.ChatID, cb.MessageID, h.settingsText(cb.ChatID, lang), h.settingsKeyboard(lang))
	return h.localizer.Get(lang, i18n.MsgSettingsUpdated, nil)
}

// cycle returns the value after cur, wrapping around; unknown values restart the cycle
func cycle(values []string, cur string) string {
	for i, v := range values {
		if v == cur {
			return values[(i+1)%len(values)]
		}
	}
	return values[0]
}

func nextLimit(cur int) int {
	for _, s := range contextLimitSteps {
		if s > cur {
			return s
		}
	}
	return contextLimitSteps[0]
}
