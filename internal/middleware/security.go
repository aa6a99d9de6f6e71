package middleware

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/pollinations-tgbot-go/internal/errs"
	"github.com/sirupsen/logrus"
)

// SecurityMiddleware validates user input and custom prompts
type SecurityMiddleware struct {
	maxInput  int
	maxPrompt int
	patterns  []string
	logger    *logrus.Logger
}

// NewSecurityMiddleware creates security middleware
func NewSecurityMiddleware(cfg *config.SecurityConfig, logger *logrus.Logger) *SecurityMiddleware {
	patterns := make([]string, 0, len(cfg.DangerousPatterns))
	for _, p := range cfg.DangerousPatterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			patterns = append(patterns, p)
		}
	}
	return &SecurityMiddleware{
		maxInput:  cfg.MaxInputLength,
		maxPrompt: cfg.MaxPromptLength,
		patterns:  patterns,
		logger:    logger,
	}
}

// ValidateInput checks an inbound text message
func (s *SecurityMiddleware) ValidateInput(text string) error {
	if strings.TrimSpace(text) == "" {
		return errs.New(errs.KindValidation, "validate input", "empty message")
	}
	if n := utf8.RuneCountInString(text); s.maxInput > 0 && n > s.maxInput {
		return errs.New(errs.KindValidation, "validate input", fmt.Sprintf("message too long: %d characters", n))
	}
	return nil
}

// ValidatePrompt checks a custom system prompt for length and injection patterns
func (s *SecurityMiddleware) ValidatePrompt(prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		return errs.New(errs.KindValidation, "validate prompt", "empty prompt")
	}
	if n := utf8.RuneCountInString(prompt); s.maxPrompt > 0 && n > s.maxPrompt {
		return errs.New(errs.KindValidation, "validate prompt", fmt.Sprintf("prompt too long: %d characters", n))
	}
	lower := strings.ToLower(prompt)
	for _, p := range s.patterns {
		if strings.Contains(lower, p) {
			s.logger.WithField("pattern", p).Warn("Dangerous pattern in custom prompt")
			return errs.New(errs.KindValidation, "validate prompt", "prompt contains a forbidden pattern")
		}
	}
	return nil
}
