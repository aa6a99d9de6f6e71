package config

import (
	"time"

	"github.com/spf13/viper"
)

const defaultSystemPrompt = "You are SikSik, a helpful assistant. Answer in a friendly way and use emoji " +
	"where they help readability. Be useful and informative. If you cannot fully complete a request, " +
	"offer an alternative or a partial solution instead of refusing. Do not use formal phrases like " +
	"'I am here to keep the conversation respectful'; just help the user with the question."

var defaultPersonas = []Persona{
	{
		Key:   "philosopher",
		Title: "🎭 Philosopher",
		Prompt: "You are a wise storyteller in a cinematic scene. Start every answer by describing the " +
			"atmosphere: weather, light, sounds, smells, gestures. Speak in metaphors like a poet and add " +
			"italic stage directions. Answer every question as a philosophical line from a noir film or an " +
			"old novel, tying advice to memories, feelings and hidden meaning. The tone is melancholic and deep.",
	},
	{
		Key:   "psychologist",
		Title: "🧠 Psychologist",
		Prompt: "You are an attentive psychologist and counsellor. Answer in detail. Structure your help: " +
			"validate emotions, state hypotheses, suggest concrete steps.",
	},
	{
		Key:    "rude",
		Title:  "😈 Rude",
		Prompt: "Answer rudely and sarcastically, like a cheeky street-corner companion.",
	},
	{
		Key:   "astrologer",
		Title: "🔮 Astrologer",
		Prompt: "You are an experienced astrologer and numerologist who helps the user understand how numbers " +
			"and zodiac signs influence their life. Your answers are informative, clear and personal, and " +
			"your advice is based on astrology and numerology.",
	},
}

var defaultSizes = []SizePreset{
	{Key: "square", Title: "📐 Square", Width: 1024, Height: 1024},
	{Key: "portrait", Title: "📄 Portrait", Width: 768, Height: 1024},
	{Key: "landscape", Title: "🖼️ Landscape", Width: 1024, Height: 768},
	{Key: "wide", Title: "📺 Wide", Width: 1280, Height: 720},
	{Key: "wallpaper", Title: "💻 Wallpaper", Width: 1920, Height: 1080},
	{Key: "mobile", Title: "📱 Mobile", Width: 1080, Height: 1920},
	{Key: "story", Title: "📲 Story", Width: 1080, Height: 1920},
	{Key: "post", Title: "📮 Post", Width: 1080, Height: 1080},
}

var defaultStyles = []StylePreset{
	{Key: "realism", Title: "🖼️ Realism", Suffix: "photorealistic, detailed, high quality"},
	{Key: "anime", Title: "🎭 Anime", Suffix: "anime style, manga style, japanese animation"},
	{Key: "cartoon", Title: "🎪 Cartoon", Suffix: "cartoon style, animated, colorful"},
	{Key: "watercolor", Title: "🖌️ Watercolor", Suffix: "watercolor painting, soft colors, artistic"},
	{Key: "fantasy", Title: "✨ Fantasy", Suffix: "fantasy art, magical, mystical, enchanted"},
	{Key: "retro", Title: "🏛️ Retro", Suffix: "retro style, vintage, classic"},
	{Key: "cyberpunk", Title: "🤖 Cyberpunk", Suffix: "cyberpunk style, neon lights, futuristic"},
	{Key: "minimalism", Title: "🌸 Minimalism", Suffix: "minimalist style, simple, clean, elegant"},
}

var defaultRefusal = RefusalConfig{
	Phrases: []string{
		"извините", "sorry", "i'm sorry", "i am sorry",
		"не могу", "can't", "cannot", "can not",
		"не в состоянии", "unable", "not able",
		"не способен", "not capable",
		"отказываюсь", "refuse", "decline",
		"не буду", "will not", "won't",
		"не подходит", "not appropriate", "inappropriate",
		"не предназначен", "not designed", "not meant",
		"обратитесь к", "consult", "contact",
		"выходит за рамки", "beyond", "outside",
		"не подходящая тема", "not suitable topic",
		"уважительное общение", "respectful communication",
		"поддерживать общение", "support communication",
	},
	ServiceWords: []string{
		"транскрипция", "transcription", "аудио", "audio",
		"сообщение", "message", "запрос", "request",
		"помощь", "help", "поддержка", "support",
	},
	FormalPhrases: []string{
		"я здесь", "i'm here", "i am here",
		"пожалуйста", "please",
		"обратите внимание", "please note", "please be",
		"содержание", "content",
		"сообщений", "messages",
	},
	MinLength: 10,
	MaxWords:  3,
	StripPrefixes: []string{
		"Транскрипция:", "Текст:", "Содержание:", "Аудио содержит:", "В аудио говорится:",
		"Transcription:", "Text:", "Content:", "Audio contains:", "The audio says:",
	},
	StripSuffixes: []string{
		"Это транскрипция аудио.", "Это текст из аудио.",
		"This is audio transcription.", "This is text from audio.",
	},
	Fallbacks: []string{
		"🤔 Sorry, I couldn't make out this voice message. Could you say it again or type it?",
		"😅 Unfortunately I couldn't process this message. Could you rephrase it?",
		"🤷 I couldn't recognize the speech. Try recording it once more.",
		"😊 Sorry, the recording wasn't clear enough. Could you send it as text?",
	},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.update_timeout", 60)
	v.SetDefault("bot.webhook.enabled", false)
	v.SetDefault("bot.webhook.url", "")
	v.SetDefault("bot.webhook.port", 8443)

	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.text_url", "https://text.pollinations.ai/openai")
	v.SetDefault("gateway.image_url", "https://image.pollinations.ai")
	v.SetDefault("gateway.text_model", "openai")
	v.SetDefault("gateway.audio_model", "openai-audio")
	v.SetDefault("gateway.vision_model", "openai")
	v.SetDefault("gateway.image_model", "flux")
	v.SetDefault("gateway.max_tokens", 2000)
	v.SetDefault("gateway.seed", 42)
	v.SetDefault("gateway.timeout", 60)
	v.SetDefault("gateway.image_timeout", 120)
	v.SetDefault("gateway.max_payload_chars", 100000)
	v.SetDefault("gateway.trim_payload_chars", 50000)
	v.SetDefault("gateway.max_conns_per_host", 100)
	v.SetDefault("gateway.max_idle_conns", 500)
	v.SetDefault("gateway.transcribe_prompt",
		"You are a professional transcriber. Convert the speech to text exactly, whatever the audio quality. "+
			"Keep punctuation and sentence structure. Do not add comments or interpretation: output only the verbatim transcript.")
	v.SetDefault("gateway.refusal.phrases", defaultRefusal.Phrases)
	v.SetDefault("gateway.refusal.service_words", defaultRefusal.ServiceWords)
	v.SetDefault("gateway.refusal.formal_phrases", defaultRefusal.FormalPhrases)
	v.SetDefault("gateway.refusal.min_length", defaultRefusal.MinLength)
	v.SetDefault("gateway.refusal.max_words", defaultRefusal.MaxWords)
	v.SetDefault("gateway.refusal.strip_prefixes", defaultRefusal.StripPrefixes)
	v.SetDefault("gateway.refusal.strip_suffixes", defaultRefusal.StripSuffixes)
	v.SetDefault("gateway.refusal.fallbacks", defaultRefusal.Fallbacks)

	v.SetDefault("media.max_voice_size_mb", 50)
	v.SetDefault("media.max_image_size_mb", 10)
	v.SetDefault("media.ffmpeg_path", "ffmpeg")
	v.SetDefault("media.transcode_timeout", 60)
	v.SetDefault("media.temp_dir", "")
	v.SetDefault("media.default_question", "What is in this image? Describe it in detail.")
	v.SetDefault("media.analysis_prompt",
		"You are an image analyst. Describe what you see precisely and answer the user's question about the image.")

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.min_request_interval", 2.0)
	v.SetDefault("rate_limit.media_min_interval", 2.0)
	v.SetDefault("rate_limit.requests_per_minute", 30)
	v.SetDefault("rate_limit.cleanup_interval", 5*time.Minute)
	v.SetDefault("rate_limit.idle_ttl", time.Hour)

	v.SetDefault("context.limit", 20)
	v.SetDefault("context.max_limit", 500)
	v.SetDefault("context.default_system_prompt", defaultSystemPrompt)
	v.SetDefault("context.personas", defaultPersonas)
	v.SetDefault("context.image_context_prefix",
		"IMPORTANT: the user has an image in this conversation. Image analysis: ")
	v.SetDefault("context.user_state_ttl", 5*time.Minute)
	v.SetDefault("context.auto_analyze_images", true)
	v.SetDefault("context.default_format", "md")

	v.SetDefault("formatting.max_message_length", 4000)
	v.SetDefault("formatting.ad_patterns", []string{
		`(?i)-{3,}\s*\n\*\*Sponsor\*\*[\s\S]*?https?://pollinations\.ai/redirect-nexad/\w+`,
		`\?userid=\d+\)[\s\S]*$`,
	})
	v.SetDefault("formatting.part_delay", 500*time.Millisecond)
	v.SetDefault("formatting.error_max_length", 1000)

	v.SetDefault("imagine.sizes", defaultSizes)
	v.SetDefault("imagine.styles", defaultStyles)
	v.SetDefault("imagine.min_dimension", 256)
	v.SetDefault("imagine.max_dimension", 1920)
	v.SetDefault("imagine.regenerate_max", 1536)
	v.SetDefault("imagine.analysis_prompt",
		"Describe this generated image briefly: main objects, colors, composition and mood.")

	v.SetDefault("security.max_input_length", 4096)
	v.SetDefault("security.max_prompt_length", 2000)
	v.SetDefault("security.dangerous_patterns", []string{
		"ignore previous instructions",
		"forget everything",
		"system prompt",
		"you are now",
		"pretend to be",
	})

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("cache.max_size", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file.path", "logs/bot.log")
	v.SetDefault("logging.file.max_size", 100)
	v.SetDefault("logging.file.max_backups", 3)
	v.SetDefault("logging.file.max_age", 28)

	v.SetDefault("monitoring.metrics.enabled", true)
	v.SetDefault("monitoring.metrics.port", 9090)
	v.SetDefault("monitoring.metrics.path", "/metrics")

	v.SetDefault("i18n.default_language", "ru")
	v.SetDefault("i18n.languages", []string{"ru", "en"})
	v.SetDefault("i18n.directory", "configs/i18n")
}

// Defaults returns a configuration holding only default values, without validation
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}
