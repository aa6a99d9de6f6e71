package transport

import (
	"context"
	"errors"
)

// Chat actions
const (
	ActionTyping      = "typing"
	ActionUploadPhoto = "upload_photo"
	ActionRecordVoice = "record_voice"
)

// ErrFormatting is returned when the messenger rejects the markup of a message
var ErrFormatting = errors.New("message formatting rejected")

// Button is one inline keyboard button carrying callback data
type Button struct {
	Text string
	Data string
}

// Keyboard is a grid of inline buttons
type Keyboard [][]Button

// Row is a convenience constructor for one keyboard row
func Row(buttons ...Button) []Button {
	return buttons
}

// OutgoingMessage is a text message to send
type OutgoingMessage struct {
	ChatID    int64
	Text      string
	ParseMode string
	ReplyToID int
	Keyboard  Keyboard
}

// Photo is an image to upload
type Photo struct {
	ChatID    int64
	Data      []byte
	Caption   string
	ParseMode string
	ReplyToID int
	Keyboard  Keyboard
}

// Transport is the messenger the bot talks through
type Transport interface {
	Send(ctx context.Context, msg OutgoingMessage) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text, parseMode string, kb Keyboard) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	SendPhoto(ctx context.Context, photo Photo) (int, error)
	SendChatAction(ctx context.Context, chatID int64, action string) error
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error)
	AnswerCallback(ctx context.Context, callbackID, text string) error
}
