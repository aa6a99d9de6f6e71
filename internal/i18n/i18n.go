package i18n

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/pollinations-tgbot-go/internal/config"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var locales embed.FS

// Localizer manages internationalization
type Localizer struct {
	bundle          *i18n.Bundle
	defaultLanguage string
	localizers      map[string]*i18n.Localizer
}

// NewLocalizer creates a new localizer from the built-in catalogs. Files named <lang>.json in
// cfg.Directory, when present, override individual messages.
func NewLocalizer(cfg *config.I18nConfig) (*Localizer, error) {
	defaultLanguage := cfg.DefaultLanguage
	if defaultLanguage == "" {
		defaultLanguage = "ru"
	}
	tag, err := language.Parse(defaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("invalid default language %q: %w", defaultLanguage, err)
	}

	bundle := i18n.NewBundle(tag)
	bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

	languages := cfg.Languages
	if len(languages) == 0 {
		languages = []string{"ru", "en"}
	}

	for _, lang := range languages {
		name := lang + ".json"
		data, err := locales.ReadFile("locales/" + name)
		if err != nil {
			return nil, fmt.Errorf("no built-in catalog for language %s: %w", lang, err)
		}
		if _, err := bundle.ParseMessageFileBytes(data, name); err != nil {
			return nil, fmt.Errorf("failed to parse catalog %s: %w", lang, err)
		}

		if cfg.Directory == "" {
			continue
		}
		path := filepath.Join(cfg.Directory, name)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if _, err := bundle.LoadMessageFile(path); err != nil {
			return nil, fmt.Errorf("failed to load language file %s: %w", path, err)
		}
	}

	localizers := make(map[string]*i18n.Localizer)
	for _, lang := range languages {
		localizers[lang] = i18n.NewLocalizer(bundle, lang, defaultLanguage)
	}
	if _, ok := localizers[defaultLanguage]; !ok {
		localizers[defaultLanguage] = i18n.NewLocalizer(bundle, defaultLanguage)
	}

	return &Localizer{
		bundle:          bundle,
		defaultLanguage: defaultLanguage,
		localizers:      localizers,
	}, nil
}

// DefaultLanguage returns the language used for chats in "auto" mode
func (l *Localizer) DefaultLanguage() string {
	return l.defaultLanguage
}

// Get returns localized message
func (l *Localizer) Get(lang, messageID string, data map[string]interface{}) string {
	localizer, exists := l.localizers[lang]
	if !exists {
		localizer = l.localizers[l.defaultLanguage]
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		return messageID // Fallback to message ID
	}

	return msg
}

// Message IDs
const (
	MsgWelcome        = "welcome"
	MsgWelcomeGroup   = "welcome_group"
	MsgHelp           = "help"
	MsgUnknownCommand = "unknown_command"
	MsgContextCleared = "context_cleared"

	MsgRateLimited = "rate_limited"
	MsgQueued      = "queued"
	MsgBusyVoice   = "busy_voice"
	MsgBusyImage   = "busy_image"

	MsgErrorTimeout    = "error_timeout"
	MsgErrorGateway    = "error_gateway"
	MsgErrorMalformed  = "error_malformed"
	MsgErrorRefusal    = "error_refusal"
	MsgErrorTooLarge   = "error_too_large"
	MsgErrorDownload   = "error_download"
	MsgErrorTranscode  = "error_transcode"
	MsgErrorValidation = "error_validation"
	MsgErrorUnknown    = "error_unknown"

	MsgVoiceProcessing = "voice_processing"
	MsgVoiceRecognized = "voice_recognized"
	MsgPhotoProcessing = "photo_processing"
	MsgPhotoAnalysis   = "photo_analysis"

	MsgImageGenerating    = "image_generating"
	MsgImageStopped       = "image_stopped"
	MsgButtonRegenerate   = "button_regenerate"
	MsgButtonNewImage     = "button_new_image"
	MsgButtonStop         = "button_stop"
	MsgImagineChooseSize  = "imagine_choose_size"
	MsgButtonCustomSize   = "button_custom_size"
	MsgImagineCustomSize  = "imagine_custom_size"
	MsgImagineInvalidSize = "imagine_invalid_size"
	MsgImagineChooseStyle = "imagine_choose_style"
	MsgButtonNoStyle      = "button_no_style"
	MsgImagineDescribe    = "imagine_describe"
	MsgImagineExpired     = "imagine_expired"
	MsgImagineUsage       = "imagine_usage"
	MsgImagineRegenerate  = "imagine_regenerate"

	MsgRolesList       = "roles_list"
	MsgButtonRoleReset = "button_role_reset"
	MsgRoleSet         = "role_set"
	MsgRoleUnknown     = "role_unknown"
	MsgRoleReset       = "role_reset"

	MsgPromptCurrent = "prompt_current"
	MsgPromptUsage   = "prompt_usage"
	MsgPromptSet     = "prompt_set"
	MsgPromptReset   = "prompt_reset"
	MsgPromptInvalid = "prompt_invalid"

	MsgContextLimitCurrent = "context_limit_current"
	MsgContextLimitUsage   = "context_limit_usage"
	MsgContextLimitSet     = "context_limit_set"

	MsgSettings           = "settings"
	MsgButtonVerbosity    = "button_verbosity"
	MsgButtonLanguage     = "button_language"
	MsgButtonGroupMode    = "button_group_mode"
	MsgButtonContextLimit = "button_context_limit"
	MsgButtonAutoAnalyze  = "button_auto_analyze"
	MsgButtonFormat       = "button_format"
	MsgSettingsUpdated    = "settings_updated"
	MsgOn                 = "on"
	MsgOff                = "off"

	MsgStopped       = "stopped"
	MsgNothingToStop = "nothing_to_stop"
	MsgHealth        = "health"
)
