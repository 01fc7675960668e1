package models

// Config is the service configuration loaded from config.yaml
// with environment variable overrides applied in main.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	Upload   UploadConfig   `yaml:"upload"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	OCR      OCRConfig      `yaml:"ocr"`
	AI       AIConfig       `yaml:"ai"`
	Confirm  ConfirmConfig  `yaml:"confirm"`
}

// UploadConfig limits incoming documents.
type UploadConfig struct {
	MaxSizeMB int `yaml:"maxSizeMb"`
}

// PipelineConfig tunes the extraction cascade.
type PipelineConfig struct {
	// ConfidenceThreshold is the minimum classic confidence below which
	// the AI fallback oracle is consulted.
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	// MinClassicLines triggers the optical fallback when structured and
	// heuristic extraction together produce fewer lines than this.
	MinClassicLines int `yaml:"minClassicLines"`
	// MaxQuantity is the clamp threshold for parsed quantities.
	MaxQuantity float64 `yaml:"maxQuantity"`
	// MaxUnitCost excludes cost outliers from applied totals.
	MaxUnitCost float64 `yaml:"maxUnitCost"`
	// MetricsWindowHours bounds the rolling diagnostics window.
	MetricsWindowHours int `yaml:"metricsWindowHours"`
}

// OCRConfig configures the optical fallback.
type OCRConfig struct {
	Language       string `yaml:"language"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
	DPI            int    `yaml:"dpi"`
}

// AIConfig configures the fallback oracle providers.
type AIConfig struct {
	DefaultProvider string `yaml:"defaultProvider"`
	MaxRetries      int    `yaml:"maxRetries"`
	TimeoutSeconds  int    `yaml:"timeoutSeconds"`

	OpenAI OpenAIConfig `yaml:"openai"`
	Gemini GeminiConfig `yaml:"gemini"`
	Ollama OllamaConfig `yaml:"ollama"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"apiKey"`
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
}

type GeminiConfig struct {
	APIKey string `yaml:"apiKey"`
	Model  string `yaml:"model"`
}

type OllamaConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Model   string `yaml:"model"`
}

// ConfirmConfig holds default tolerances for purchase confirmation.
type ConfirmConfig struct {
	TolerancePct float64 `yaml:"tolerancePct"`
	ToleranceAbs float64 `yaml:"toleranceAbs"`
	// Strict refuses confirmation while any line remains unmatched.
	Strict bool `yaml:"strict"`
}

// MaxUploadBytes returns the upload cap in bytes (default 10MB).
func (c *Config) MaxUploadBytes() int64 {
	if c.Upload.MaxSizeMB <= 0 {
		return 10 * 1024 * 1024
	}
	return int64(c.Upload.MaxSizeMB) * 1024 * 1024
}
