package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AvatarConfig holds the defaults served by /api/get-avatar-config.
type AvatarConfig struct {
	Quality             string
	AvatarName          string
	VoiceID             string
	VoiceRate           float64
	VoiceEmotion        string
	VoiceModel          string
	Language            string
	VoiceChatTransport  string
	ActivityIdleTimeout int
}

type Config struct {
	HTTPAddr    string
	LogLevel    string
	LogFormat   string
	SentryDSN   string
	Environment string
	DatabaseURL string

	// JWT Authentication (control endpoints are open when empty)
	JWTSecret string

	// HeyGen streaming avatar
	HeyGenAPIKey string
	BaseAPIURL   string
	Avatar       AvatarConfig

	// Speech recognition (Deepgram)
	SpeechKey    string
	SpeechRegion string
	SpeechModel  string

	// Microphone capture
	FFmpegPath       string
	AudioInputFormat string
	AudioInputDevice string

	// Stream-ready follow-ups
	WelcomeMessage string
	AutoListen     bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("ENVIRONMENT", "development")

	v.SetDefault("BASE_API_URL", "https://api.heygen.com")
	v.SetDefault("AVATAR_QUALITY", "low")
	v.SetDefault("VOICE_RATE", 1.5)
	v.SetDefault("VOICE_EMOTION", "excited")
	v.SetDefault("VOICE_MODEL", "eleven_flash_v2_5")
	v.SetDefault("LANGUAGE", "en")
	v.SetDefault("VOICE_CHAT_TRANSPORT", "websocket")
	v.SetDefault("ACTIVITY_IDLE_TIMEOUT", 30)

	v.SetDefault("SPEECH_REGION", "us")
	v.SetDefault("SPEECH_MODEL", "nova-3")

	v.SetDefault("FFMPEG_PATH", "ffmpeg")
	v.SetDefault("AUTO_LISTEN", false)
}

// LoadConfig reads configuration from the environment, after loading the
// given .env files (".env" when none are given; a missing file is ignored).
// CONFIG_FILE names an optional YAML/JSON file; environment values win over it.
func LoadConfig(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path := v.GetString("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	return configFromViper(v), nil
}

func configFromViper(v *viper.Viper) Config {
	return Config{
		HTTPAddr:    v.GetString("HTTP_ADDR"),
		LogLevel:    v.GetString("LOG_LEVEL"),
		LogFormat:   v.GetString("LOG_FORMAT"),
		SentryDSN:   v.GetString("SENTRY_DSN"),
		Environment: v.GetString("ENVIRONMENT"),
		DatabaseURL: v.GetString("DATABASE_URL"),

		JWTSecret: v.GetString("JWT_SECRET"), // no fallback

		HeyGenAPIKey: v.GetString("HEYGEN_API_KEY"),
		BaseAPIURL:   strings.TrimRight(v.GetString("BASE_API_URL"), "/"),
		Avatar: AvatarConfig{
			Quality:             v.GetString("AVATAR_QUALITY"),
			AvatarName:          v.GetString("DEFAULT_AVATAR_ID"),
			VoiceID:             v.GetString("VOICE_ID"),
			VoiceRate:           floatClamped(v, "VOICE_RATE", 1.5, 0.5, 1.5),
			VoiceEmotion:        v.GetString("VOICE_EMOTION"),
			VoiceModel:          v.GetString("VOICE_MODEL"),
			Language:            v.GetString("LANGUAGE"),
			VoiceChatTransport:  v.GetString("VOICE_CHAT_TRANSPORT"),
			ActivityIdleTimeout: intClamped(v, "ACTIVITY_IDLE_TIMEOUT", 30, 30, 3600),
		},

		SpeechKey:    v.GetString("SPEECH_KEY"),
		SpeechRegion: v.GetString("SPEECH_REGION"),
		SpeechModel:  v.GetString("SPEECH_MODEL"),

		FFmpegPath:       v.GetString("FFMPEG_PATH"),
		AudioInputFormat: v.GetString("AUDIO_INPUT_FORMAT"),
		AudioInputDevice: v.GetString("AUDIO_INPUT_DEVICE"),

		WelcomeMessage: v.GetString("WELCOME_MESSAGE"),
		AutoListen:     v.GetBool("AUTO_LISTEN"),
	}
}

// intClamped parses key as an int and clamps it to [min, max].
// Unset or unparsable values fall back to def.
func intClamped(v *viper.Viper, key string, def, min, max int) int {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return clamp(n, min, max)
}

// floatClamped parses key as a float and clamps it to [min, max].
// Unset or unparsable values fall back to def.
func floatClamped(v *viper.Viper, key string, def, min, max float64) float64 {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return clamp(f, min, max)
}

func clamp[T int | float64](x, lo, hi T) T {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
