package config

import (
	"github.com/joho/godotenv"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

var (
	translatorOnce   sync.Once
	translatorConfig *TranslatorConfig
)

// TranslatorConfig holds connection settings for the external
// extraction/translation/edit/verification capability.
type TranslatorConfig struct {
	Endpoint        string
	APIKey          string
	ExtractionModel string
	ImageEditModel  string
	BatchEndpoint   string
}

func GetTranslatorConfig() *TranslatorConfig {
	translatorOnce.Do(func() {
		loadDotEnv()

		translatorConfig = &TranslatorConfig{
			Endpoint:        os.Getenv("TRANSLATOR_ENDPOINT"),
			APIKey:          os.Getenv("TRANSLATOR_API_KEY"),
			ExtractionModel: envOrDefault("TRANSLATOR_EXTRACTION_MODEL", "gemini-2.5-flash"),
			ImageEditModel:  envOrDefault("TRANSLATOR_IMAGE_EDIT_MODEL", "gemini-2.0-flash-exp"),
			BatchEndpoint:   os.Getenv("TRANSLATOR_BATCH_ENDPOINT"),
		}
		if translatorConfig.BatchEndpoint == "" {
			translatorConfig.BatchEndpoint = translatorConfig.Endpoint
		}
	})
	return translatorConfig
}

var dotEnvOnce sync.Once

// loadDotEnv loads the project .env once; missing files fall back to
// process environment variables.
func loadDotEnv() {
	dotEnvOnce.Do(func() {
		_, filename, _, _ := runtime.Caller(0)
		configDir := filepath.Dir(filename)

		rootDir := filepath.Dir(configDir)
		envPath := filepath.Join(rootDir, ".env")

		if err := godotenv.Load(envPath); err != nil {
			log.Printf("Warning: .env file not found at %s, falling back to environment variables", envPath)
		}
	})
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
