package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remitoIA/purchase-ingest-service/api"
	"github.com/remitoIA/purchase-ingest-service/internal/ai"
	"github.com/remitoIA/purchase-ingest-service/internal/auth"
	"github.com/remitoIA/purchase-ingest-service/internal/db"
	"github.com/remitoIA/purchase-ingest-service/internal/extract"
	"github.com/remitoIA/purchase-ingest-service/internal/models"
	"github.com/remitoIA/purchase-ingest-service/internal/ocr"
	"github.com/remitoIA/purchase-ingest-service/internal/services"
	"github.com/remitoIA/purchase-ingest-service/internal/storage"
)

func main() {
	// Load configuration
	config, err := loadConfig("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize JWT
	if err := auth.Init(); err != nil {
		log.Fatalf("Failed to initialize auth: %v", err)
	}

	// Initialize database connection pool
	if err := db.Init(); err != nil {
		log.Printf("Warning: Database not available: %v", err)
		log.Println("Running in parse-only mode (no persistence)")
	} else {
		defer db.Close()
		log.Println("Database connection pool initialized")
	}

	// Initialize MinIO storage
	if err := storage.Init(); err != nil {
		log.Printf("Warning: MinIO storage not available: %v", err)
		log.Println("Documents will not be archived")
	} else {
		log.Println("MinIO storage initialized")
	}

	// Wire the extraction cascade
	optical := ocr.NewOptical(config.OCR.Language, config.OCR.DPI, config.OCR.TimeoutSeconds)

	var oracle extract.Oracle
	if provider, err := buildProvider(config); err != nil {
		log.Printf("Warning: AI fallback disabled: %v", err)
	} else {
		oracle = ai.NewExtractor(provider, config.AI.MaxRetries,
			time.Duration(config.AI.TimeoutSeconds)*time.Second)
		log.Printf("AI fallback oracle: %s", provider.Name())
	}

	pipeline := extract.NewPipeline(config.Pipeline, optical, oracle,
		db.CatalogStore{}, db.EventStore{})
	purchases := services.NewPurchaseService(db.PurchaseStore{}, db.CatalogStore{}, config.Confirm)

	// Create API handler
	handler := api.NewHandler(config, pipeline, purchases)
	router := handler.SetupRoutes()

	// Wrap router with JWT middleware (skips /health)
	protectedRouter := auth.JWTMiddleware(router)

	// Start server
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	log.Printf("Starting Purchase Ingest Service v%s on %s", api.Version, addr)
	log.Printf("Default AI Provider: %s", config.AI.DefaultProvider)
	log.Printf("Database: %v", db.Pool != nil)
	log.Printf("Storage: %v", storage.Client != nil)
	log.Printf("Endpoints:")
	log.Printf("  POST http://%s/api/documents                      - Ingest document (requires JWT)", addr)
	log.Printf("  GET  http://%s/api/purchases                      - List drafts (requires JWT)", addr)
	log.Printf("  GET  http://%s/api/purchases/{id}                 - Get draft (requires JWT)", addr)
	log.Printf("  POST http://%s/api/purchases/{id}/validate        - Auto-link lines (requires JWT)", addr)
	log.Printf("  POST http://%s/api/purchases/{id}/confirm         - Confirm and apply stock (requires JWT)", addr)
	log.Printf("  POST http://%s/api/purchases/{id}/rollback        - Reverse stock effect (requires JWT)", addr)
	log.Printf("  POST http://%s/api/purchases/{id}/resend-stock    - Recover lost deltas (requires JWT)", addr)
	log.Printf("  GET  http://%s/api/diagnostics                    - Pipeline metrics (requires JWT)", addr)
	log.Printf("  GET  http://%s/health                             - Health check", addr)

	if err := http.ListenAndServe(addr, protectedRouter); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

// buildProvider selects the configured AI provider.
func buildProvider(config *models.Config) (ai.Provider, error) {
	switch config.AI.DefaultProvider {
	case "openai":
		if config.AI.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return ai.NewOpenAIProvider(config.AI.OpenAI.APIKey, config.AI.OpenAI.BaseURL, config.AI.OpenAI.Model), nil
	case "gemini":
		if config.AI.Gemini.APIKey == "" {
			return nil, fmt.Errorf("gemini provider requires an API key")
		}
		return ai.NewGeminiProvider(config.AI.Gemini.APIKey, config.AI.Gemini.Model), nil
	case "ollama":
		return ai.NewOllamaProvider(config.AI.Ollama.BaseURL, config.AI.Ollama.Model), nil
	case "", "none":
		return nil, fmt.Errorf("no provider configured")
	default:
		return nil, fmt.Errorf("unknown provider: %s", config.AI.DefaultProvider)
	}
}

func loadConfig(path string) (*models.Config, error) {
	// Read config file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var config models.Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Override with environment variables if present
	if port := os.Getenv("PORT"); port != "" {
		fmt.Sscanf(port, "%d", &config.Port)
	}
	if host := os.Getenv("HOST"); host != "" {
		config.Host = host
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.AI.OpenAI.APIKey = apiKey
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.AI.Gemini.APIKey = apiKey
	}
	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		config.AI.Ollama.BaseURL = baseURL
	}
	if provider := os.Getenv("AI_PROVIDER"); provider != "" {
		config.AI.DefaultProvider = provider
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		config.AI.OpenAI.BaseURL = baseURL
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		config.AI.OpenAI.Model = model
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.AI.Gemini.Model = model
	}

	return &config, nil
}
