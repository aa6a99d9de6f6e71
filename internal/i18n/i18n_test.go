package i18n

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pollinations-tgbot-go/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltInCatalogs(t *testing.T) {
	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "ru", Languages: []string{"ru", "en"}})
	require.NoError(t, err)

	assert.Equal(t, "ru", l.DefaultLanguage())
	assert.Contains(t, l.Get("en", MsgQueued, map[string]interface{}{"Position": 2}), "queued at position 2")
	assert.Contains(t, l.Get("ru", MsgQueued, map[string]interface{}{"Position": 2}), "позиции 2")
	assert.Equal(t, l.Get("ru", MsgHelp, nil), l.Get("auto", MsgHelp, nil))
	assert.Equal(t, "no_such_message", l.Get("en", "no_such_message", nil))
}

func TestConditionalTemplate(t *testing.T) {
	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}})
	require.NoError(t, err)

	assert.Equal(t, "✅ Context limit set to 10.", l.Get("en", MsgContextLimitSet, map[string]interface{}{"Limit": 10, "Trimmed": 0}))
	assert.Contains(t, l.Get("en", MsgContextLimitSet, map[string]interface{}{"Limit": 10, "Trimmed": 4}), "Removed 4")
}

func TestDirectoryOverride(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "en.json"), []byte(`{"nothing_to_stop": "Idle."}`), 0o644))

	l, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"en"}, Directory: dir})
	require.NoError(t, err)

	assert.Equal(t, "Idle.", l.Get("en", MsgNothingToStop, nil))
	assert.Contains(t, l.Get("en", MsgHelp, nil), "/imagine")
}

func TestUnknownLanguage(t *testing.T) {
	_, err := NewLocalizer(&config.I18nConfig{DefaultLanguage: "en", Languages: []string{"de"}})
	assert.Error(t, err)
}
