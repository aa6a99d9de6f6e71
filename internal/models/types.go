package models

import (
	"strconv"
	"time"
)

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// OperationKind identifies an in-flight generation type
type OperationKind string

const (
	OpText  OperationKind = "text"
	OpVoice OperationKind = "voice"
	OpImage OperationKind = "image"
)

// AllOperationKinds lists every generation kind
var AllOperationKinds = []OperationKind{OpText, OpVoice, OpImage}

// Author identifies who wrote a user message
type Author struct {
	ID       int64  `json:"id"`
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
}

// DisplayName returns "Name (@username)" or "Name"
func (a *Author) DisplayName() string {
	if a == nil {
		return ""
	}
	name := a.Name
	if name == "" && a.ID != 0 {
		name = "user-" + strconv.FormatInt(a.ID, 10)
	}
	if a.Username != "" {
		return name + " (@" + a.Username + ")"
	}
	return name
}

// Message is one stored context entry
type Message struct {
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
	Author         *Author   `json:"author,omitempty"`
	IsImageContext bool      `json:"is_image_context,omitempty"`
}

// APIMessage is one entry of a gateway chat completion payload
type APIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Setting values
const (
	VerbosityShort  = "short"
	VerbosityNormal = "normal"
	VerbosityLong   = "long"

	LangAuto = "auto"
	LangRU   = "ru"
	LangEN   = "en"

	GroupModeMentionOrReply = "mention_or_reply"
	GroupModeAlways         = "always"
	GroupModeMentionOnly    = "mention_only"
	GroupModeReplyOnly      = "reply_only"
	GroupModeSilent         = "silent"

	FormatMarkdown = "md"
	FormatHTML     = "html"
	FormatPlain    = "plain"
)

// ChatSettings represents per-chat settings
type ChatSettings struct {
	Verbosity    string `json:"verbosity"`
	Lang         string `json:"lang"`
	GroupMode    string `json:"group_mode"`
	ContextLimit int    `json:"context_limit"`
	Format       string `json:"format"`
	AutoAnalyze  bool   `json:"auto_analyze"`
}

// PendingRequest is a queued text request
type PendingRequest struct {
	UserMessage string
	Author      Author
	ReplyToID   int
}

// Imagine wizard steps
const (
	StepSizeSelection   = "size_selection"
	StepCustomSize      = "custom_size"
	StepStyleSelection  = "style_selection"
	StepWaitDescription = "waiting_description"
)

// ImagineState tracks the multi-step image generation wizard
type ImagineState struct {
	Step      string
	SizeKey   string
	Width     int
	Height    int
	StyleKey  string
	Timestamp time.Time
}

// UsageStats are per-chat counters
type UsageStats struct {
	TotalMessages     int
	UserMessages      int
	AssistantMessages int
	ImageContexts     int
	FirstActivity     time.Time
	LastActivity      time.Time
	RolesUsed         map[string]int
}

// ContextSummary describes the stored history of a chat
type ContextSummary struct {
	Messages     int
	Limit        int
	Role         string
	CustomPrompt bool
	Generating   []OperationKind
	Cleanup      int
}

// ChatKind distinguishes private chats from groups
type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

// AttachmentKind identifies inbound media
type AttachmentKind string

const (
	AttachmentVoice AttachmentKind = "voice"
	AttachmentPhoto AttachmentKind = "photo"
)

// Attachment references inbound media held by the transport
type Attachment struct {
	Kind     AttachmentKind
	FileID   string
	Size     int64
	Format   string
	Duration int
}

// IncomingMessage is an inbound transport event
type IncomingMessage struct {
	ChatID           int64
	ChatKind         ChatKind
	MessageID        int
	Text             string
	Command          string
	CommandArgs      string
	ReplyToMessageID int
	ReplyToBot       bool
	Mentioned        bool
	From             Author
	Attachment       *Attachment
}

// Callback is an inline keyboard press
type Callback struct {
	ID        string
	ChatID    int64
	ChatKind  ChatKind
	MessageID int
	Caption   string
	Data      string
	From      Author
}
