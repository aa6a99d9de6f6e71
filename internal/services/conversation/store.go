package conversation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/pollinations-tgbot-go/internal/models"
	"github.com/sirupsen/logrus"
)

// RoleCustom marks a chat whose prompt is an explicit override
const RoleCustom = "custom"

// RoleDefault is reported when neither persona nor override is set
const RoleDefault = "default"

// PromptValidator checks custom prompts before they are stored
type PromptValidator interface {
	ValidatePrompt(prompt string) error
}

type chatState struct {
	messages       []models.Message
	role           string
	promptOverride string
	hasOverride    bool
	settings       models.ChatSettings
	ops            map[models.OperationKind]*Operation
	cleanup        []int
	forceStop      bool
	stats          models.UsageStats
}

// Store owns all per-chat conversation state
type Store struct {
	mu            sync.Mutex
	chats         map[int64]*chatState
	userStates    *cache.Cache
	stateTTL      time.Duration
	defaultLimit  int
	maxLimit      int
	defaultPrompt string
	personas      []config.Persona
	imagePrefix   string
	defaults      models.ChatSettings
	validator     PromptValidator
	logger        *logrus.Logger
	now           func() time.Time
	opSeq         uint64
}

// NewStore creates an empty store
func NewStore(cfg *config.Config, validator PromptValidator, logger *logrus.Logger) *Store {
	ttl := cfg.Context.UserStateTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	maxLimit := cfg.Context.MaxLimit
	if maxLimit <= 0 {
		maxLimit = 500
	}
	format := cfg.Context.DefaultFormat
	if format == "" {
		format = models.FormatMarkdown
	}
	return &Store{
		chats:         make(map[int64]*chatState),
		userStates:    cache.New(ttl, ttl),
		stateTTL:      ttl,
		defaultLimit:  cfg.Context.Limit,
		maxLimit:      maxLimit,
		defaultPrompt: cfg.Context.DefaultSystemPrompt,
		personas:      cfg.Context.Personas,
		imagePrefix:   cfg.Context.ImageContextPrefix,
		defaults: models.ChatSettings{
			Verbosity:    models.VerbosityNormal,
			Lang:         models.LangAuto,
			GroupMode:    models.GroupModeMentionOrReply,
			ContextLimit: cfg.Context.Limit,
			Format:       format,
			AutoAnalyze:  cfg.Context.AutoAnalyzeImages,
		},
		validator: validator,
		logger:    logger,
		now:       time.Now,
	}
}

// chat returns the state for chatID, creating it lazily. Caller holds mu.
func (s *Store) chat(chatID int64) *chatState {
	c, ok := s.chats[chatID]
	if !ok {
		c = &chatState{
			settings: s.defaults,
			ops:      make(map[models.OperationKind]*Operation),
			stats:    models.UsageStats{RolesUsed: make(map[string]int)},
		}
		s.chats[chatID] = c
	}
	return c
}

// AddMessage appends a message, trims to the context limit and updates usage stats
func (s *Store) AddMessage(chatID int64, role, content string, author *models.Author) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	now := s.now()
	msg := models.Message{Role: role, Content: content, Timestamp: now}
	if author != nil {
		a := *author
		msg.Author = &a
	}
	c.messages = append(c.messages, msg)
	if removed := s.trim(c); removed > 0 {
		s.logger.WithFields(logrus.Fields{
			"chat_id": chatID,
			"removed": removed,
		}).Debug("Old messages trimmed from context")
	}

	if c.stats.FirstActivity.IsZero() {
		c.stats.FirstActivity = now
	}
	c.stats.LastActivity = now
	c.stats.TotalMessages++
	switch role {
	case models.RoleUser:
		c.stats.UserMessages++
		c.stats.RolesUsed[s.roleKey(c)]++
	case models.RoleAssistant:
		c.stats.AssistantMessages++
	}
}

// AddImageContext appends a flagged system entry describing an analyzed image
func (s *Store) AddImageContext(chatID int64, analysis string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	now := s.now()
	c.messages = append(c.messages, models.Message{
		Role:           models.RoleSystem,
		Content:        s.imagePrefix + analysis,
		Timestamp:      now,
		IsImageContext: true,
	})
	s.trim(c)
	c.stats.ImageContexts++
	c.stats.LastActivity = now
}

// trim keeps the newest contextLimit entries. Caller holds mu.
func (s *Store) trim(c *chatState) int {
	limit := c.settings.ContextLimit
	if limit <= 0 || len(c.messages) <= limit {
		return 0
	}
	removed := len(c.messages) - limit
	kept := make([]models.Message, limit)
	copy(kept, c.messages[removed:])
	c.messages = kept
	return removed
}

// Context returns a copy of the stored history
func (s *Store) Context(chatID int64) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	out := make([]models.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Reset clears the history of a chat; settings, role and in-flight operations are kept
func (s *Store) Reset(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return 0
	}
	n := len(c.messages)
	c.messages = nil
	return n
}

// BuildAPIMessages produces the gateway payload for a chat
func (s *Store) BuildAPIMessages(chatID int64) []models.APIMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	out := make([]models.APIMessage, 0, len(c.messages)+1)

	if prompt := s.composePrompt(c); prompt != "" {
		out = append(out, models.APIMessage{Role: models.RoleSystem, Content: prompt})
	}

	for _, m := range c.messages {
		switch {
		case m.Role == models.RoleSystem && !m.IsImageContext:
			continue
		case m.Role == models.RoleUser:
			content := m.Content
			if prefix := m.Author.DisplayName(); prefix != "" {
				content = prefix + ": " + content
			}
			out = append(out, models.APIMessage{Role: m.Role, Content: content})
		default:
			out = append(out, models.APIMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

// composePrompt joins the resolved prompt with language and verbosity directives. Caller holds mu.
func (s *Store) composePrompt(c *chatState) string {
	var directives []string
	switch c.settings.Lang {
	case models.LangRU:
		directives = append(directives, "Отвечай на русском языке.")
	case models.LangEN:
		directives = append(directives, "Answer in English.")
	}
	switch c.settings.Verbosity {
	case models.VerbosityShort:
		directives = append(directives, "Be brief: at most 3-5 sentences, to the point.")
	case models.VerbosityLong:
		directives = append(directives, "Answer in detail, with examples where useful.")
	}

	prompt := s.resolvePrompt(c)
	pref := strings.Join(directives, "\n")
	switch {
	case prompt != "" && pref != "":
		return prompt + "\n\n" + pref
	case prompt != "":
		return prompt
	default:
		return pref
	}
}

// resolvePrompt applies override > persona > default. Caller holds mu.
func (s *Store) resolvePrompt(c *chatState) string {
	if c.hasOverride {
		return c.promptOverride
	}
	if p, ok := s.persona(c.role); ok {
		return p.Prompt
	}
	return s.defaultPrompt
}

func (s *Store) persona(key string) (config.Persona, bool) {
	for _, p := range s.personas {
		if p.Key == key {
			return p, true
		}
	}
	return config.Persona{}, false
}

func (s *Store) roleKey(c *chatState) string {
	if c.hasOverride {
		return RoleCustom
	}
	if c.role != "" {
		return c.role
	}
	return RoleDefault
}

// SystemPrompt returns the prompt currently in effect for a chat
func (s *Store) SystemPrompt(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolvePrompt(s.chat(chatID))
}

// SetSystemPrompt stores an explicit prompt override and clears the persona
func (s *Store) SetSystemPrompt(chatID int64, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if s.validator != nil {
		if err := s.validator.ValidatePrompt(prompt); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	c.promptOverride = prompt
	c.hasOverride = true
	c.role = RoleCustom
	s.logger.WithField("chat_id", chatID).Info("Custom system prompt set")
	return nil
}

// ResetSystemPrompt drops the override and any persona
func (s *Store) ResetSystemPrompt(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	c.promptOverride = ""
	c.hasOverride = false
	c.role = ""
}

// SetRole selects a persona and clears any explicit override
func (s *Store) SetRole(chatID int64, key string) error {
	if _, ok := s.persona(key); !ok {
		return errs.New(errs.KindValidation, "set role", fmt.Sprintf("unknown role %q", key))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	c.role = key
	c.promptOverride = ""
	c.hasOverride = false
	return nil
}

// ResetRole returns the chat to the default prompt
func (s *Store) ResetRole(chatID int64) {
	s.ResetSystemPrompt(chatID)
}

// Role returns the persona key, RoleCustom or RoleDefault
func (s *Store) Role(chatID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleKey(s.chat(chatID))
}

// Personas returns the configured personas in order
func (s *Store) Personas() []config.Persona {
	out := make([]config.Persona, len(s.personas))
	copy(out, s.personas)
	return out
}

// ContextLimit returns the effective limit for a chat
func (s *Store) ContextLimit(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat(chatID).settings.ContextLimit
}

// SetContextLimit stores a new limit (clamped to the maximum) and trims immediately.
// It returns the applied limit and the number of trimmed entries.
func (s *Store) SetContextLimit(chatID int64, limit int) (int, int, error) {
	if limit < 1 {
		return 0, 0, errs.New(errs.KindValidation, "set context limit", "limit must be at least 1")
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	c.settings.ContextLimit = limit
	return limit, s.trim(c), nil
}

// Settings returns a copy of the chat settings
func (s *Store) Settings(chatID int64) models.ChatSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat(chatID).settings
}

// UpdateSettings applies fn to the chat settings and normalizes the result
func (s *Store) UpdateSettings(chatID int64, fn func(*models.ChatSettings)) models.ChatSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	fn(&c.settings)
	if c.settings.ContextLimit < 1 {
		c.settings.ContextLimit = 1
	}
	if c.settings.ContextLimit > s.maxLimit {
		c.settings.ContextLimit = s.maxLimit
	}
	s.trim(c)
	return c.settings
}

// AddCleanupMessage marks a transport message as transient
func (s *Store) AddCleanupMessage(chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	c.cleanup = append(c.cleanup, messageID)
}

// ConsumeCleanupMessages returns and clears the transient message ids
func (s *Store) ConsumeCleanupMessages(chatID int64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	ids := c.cleanup
	c.cleanup = nil
	return ids
}

// CleanupCount returns the number of pending transient messages
func (s *Store) CleanupCount(chatID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.chats[chatID]; ok {
		return len(c.cleanup)
	}
	return 0
}

// UsageStats returns a copy of the chat counters
func (s *Store) UsageStats(chatID int64) models.UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.chat(chatID).stats
	roles := make(map[string]int, len(st.RolesUsed))
	for k, v := range st.RolesUsed {
		roles[k] = v
	}
	st.RolesUsed = roles
	return st
}

// Summary describes the stored state of a chat
func (s *Store) Summary(chatID int64) models.ContextSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	return models.ContextSummary{
		Messages:     len(c.messages),
		Limit:        c.settings.ContextLimit,
		Role:         s.roleKey(c),
		CustomPrompt: c.hasOverride,
		Generating:   activeKinds(c),
		Cleanup:      len(c.cleanup),
	}
}

// Stats returns totals across all chats
func (s *Store) Stats() (chats, messages, operations int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.chats {
		messages += len(c.messages)
		operations += len(c.ops)
	}
	return len(s.chats), messages, operations
}

func activeKinds(c *chatState) []models.OperationKind {
	kinds := make([]models.OperationKind, 0, len(c.ops))
	for k := range c.ops {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// StartOperation atomically claims the (chat, kind) slot. The returned operation carries a
// context that is cancelled by ForceStopAllOperations; Finish must be called exactly once
// in a deferred path.
func (s *Store) StartOperation(parent context.Context, chatID int64, kind models.OperationKind) (*Operation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.chat(chatID)
	if _, busy := c.ops[kind]; busy {
		return nil, false
	}

	ctx, cancel := context.WithCancel(parent)
	s.opSeq++
	op := &Operation{
		ID:     uuid.NewString(),
		ChatID: chatID,
		Kind:   kind,
		ctx:    ctx,
		cancel: cancel,
		store:  s,
		seq:    s.opSeq,
	}
	c.ops[kind] = op
	c.forceStop = false
	return op, true
}

// IsGenerating reports whether an operation of kind is in flight
func (s *Store) IsGenerating(chatID int64, kind models.OperationKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return false
	}
	_, busy := c.ops[kind]
	return busy
}

// ActiveOperations lists in-flight kinds for a chat
func (s *Store) ActiveOperations(chatID int64) []models.OperationKind {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return nil
	}
	return activeKinds(c)
}

// release clears the slot only while op still owns it
func (s *Store) release(op *Operation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[op.ChatID]
	if !ok {
		return
	}
	if cur, ok := c.ops[op.Kind]; ok && cur.seq == op.seq {
		delete(c.ops, op.Kind)
	}
}

// ForceStopAllOperations cancels every in-flight operation of the chat, clears all
// generation slots and wizard state, and raises the stop flag. It returns the kinds stopped.
func (s *Store) ForceStopAllOperations(chatID int64) []models.OperationKind {
	s.mu.Lock()
	c := s.chat(chatID)
	stopped := activeKinds(c)
	for kind, op := range c.ops {
		op.cancel()
		delete(c.ops, kind)
	}
	c.forceStop = true
	s.mu.Unlock()

	s.ClearUserState(chatID)
	s.logger.WithFields(logrus.Fields{
		"chat_id": chatID,
		"stopped": stopped,
	}).Info("All operations force-stopped")
	return stopped
}

// ConsumeForceStop reports and clears the stop flag
func (s *Store) ConsumeForceStop(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[chatID]
	if !ok {
		return false
	}
	stop := c.forceStop
	c.forceStop = false
	return stop
}

func userStateKey(chatID int64) string {
	return fmt.Sprintf("imagine:%d", chatID)
}

// SetUserState stores wizard state; it expires after the configured inactivity period
func (s *Store) SetUserState(chatID int64, state models.ImagineState) {
	state.Timestamp = s.now()
	s.userStates.Set(userStateKey(chatID), state, s.stateTTL)
}

// UserState returns the wizard state if present and not expired
func (s *Store) UserState(chatID int64) (models.ImagineState, bool) {
	v, ok := s.userStates.Get(userStateKey(chatID))
	if !ok {
		return models.ImagineState{}, false
	}
	state := v.(models.ImagineState)
	if s.now().Sub(state.Timestamp) > s.stateTTL {
		s.userStates.Delete(userStateKey(chatID))
		return models.ImagineState{}, false
	}
	return state, true
}

// ClearUserState removes wizard state
func (s *Store) ClearUserState(chatID int64) {
	s.userStates.Delete(userStateKey(chatID))
}

// DeleteExpiredStates drops expired wizard states
func (s *Store) DeleteExpiredStates() {
	s.userStates.DeleteExpired()
}
