package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (c *Config) Validate() []ValidationError {
	var errors []ValidationError

	// Validate LLM config
	switch c.LLM.Provider {
	case ProviderOllama:
		if c.LLM.BaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "Ollama base URL is required",
			})
		}
	case ProviderOpenAI:
		if c.LLM.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.api_key",
				Message: "API key is required for the openai provider",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("unknown provider %q", c.LLM.Provider),
		})
	}

	if c.LLM.BaseURL != "" {
		if u, err := url.Parse(c.LLM.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "llm.base_url",
				Message: "invalid base URL",
			})
		}
	}

	if c.LLM.MaxTokens < 1 || c.LLM.MaxTokens > 8192 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "max_tokens must be between 1 and 8192",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: "temperature must be between 0 and 2",
		})
	}

	if c.LLM.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "llm.timeout",
			Message: "timeout must be positive",
		})
	}

	// Validate Index config
	switch c.Index.Backend {
	case BackendSQLite:
		if strings.TrimSpace(c.Index.Path) == "" {
			errors = append(errors, ValidationError{
				Field:   "index.path",
				Message: "path is required for the sqlite backend",
			})
		}
	case BackendPGVector, BackendQdrant:
		if c.Index.URL == "" {
			errors = append(errors, ValidationError{
				Field:   "index.url",
				Message: fmt.Sprintf("url is required for the %s backend", c.Index.Backend),
			})
		} else if _, err := url.Parse(c.Index.URL); err != nil {
			errors = append(errors, ValidationError{
				Field:   "index.url",
				Message: "invalid index URL",
			})
		}
	case BackendMemory:
	default:
		errors = append(errors, ValidationError{
			Field:   "index.backend",
			Message: fmt.Sprintf("unknown backend %q", c.Index.Backend),
		})
	}

	if c.Index.Collection == "" {
		errors = append(errors, ValidationError{
			Field:   "index.collection",
			Message: "collection name is required",
		})
	}

	if c.Index.Dimension < 0 {
		errors = append(errors, ValidationError{
			Field:   "index.dimension",
			Message: "dimension must not be negative",
		})
	}

	// Validate Retrieval config
	if c.Retrieval.MaxTopK < 1 {
		errors = append(errors, ValidationError{
			Field:   "retrieval.max_top_k",
			Message: "max_top_k must be positive",
		})
	}

	if c.Retrieval.TopK < 1 || c.Retrieval.TopK > c.Retrieval.MaxTopK {
		errors = append(errors, ValidationError{
			Field:   "retrieval.top_k",
			Message: "top_k must be between 1 and max_top_k",
		})
	}

	if c.Retrieval.MaxContextChars < MinContextChars {
		errors = append(errors, ValidationError{
			Field:   "retrieval.max_context_chars",
			Message: fmt.Sprintf("max_context_chars must be at least %d", MinContextChars),
		})
	}

	// Validate Ingest config
	if c.Ingest.ChunkSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.chunk_size",
			Message: "chunk_size must be positive",
		})
	}

	if c.Ingest.ChunkOverlap < 0 || c.Ingest.ChunkOverlap >= c.Ingest.ChunkSize {
		errors = append(errors, ValidationError{
			Field:   "ingest.chunk_overlap",
			Message: "chunk_overlap must be non-negative and less than chunk_size",
		})
	}

	if c.Ingest.BatchSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "ingest.batch_size",
			Message: "batch_size must be positive",
		})
	}

	if c.Ingest.RateLimit <= 0 {
		errors = append(errors, ValidationError{
			Field:   "ingest.rate_limit",
			Message: "rate_limit must be positive",
		})
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: "port must be between 1 and 65535",
		})
	}

	return errors
}

// Check returns all validation errors joined, or nil.
func (c *Config) Check() error {
	var errs []error
	for _, e := range c.Validate() {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}
