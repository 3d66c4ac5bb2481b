package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "openrouter", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	resolveAPIKeys(cfg)
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.LLM.Name == "" && len(cfg.Characters) > 0 {
		slog.Warn("no LLM provider configured; characters will not be able to generate responses")
	}

	// Generation sampling and budget ranges.
	gen := cfg.Generation
	if gen.Temperature < 0 || gen.Temperature > 2 {
		errs = append(errs, fmt.Errorf("generation.temperature %.2f is out of range [0, 2]", gen.Temperature))
	}
	if gen.ContextSize < 0 {
		errs = append(errs, fmt.Errorf("generation.context_size %d must not be negative", gen.ContextSize))
	}
	if gen.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("generation.max_output_tokens %d must not be negative", gen.MaxOutputTokens))
	}
	if gen.MemoryEnabled && gen.ContextSize == 0 {
		errs = append(errs, errors.New("generation.memory_enabled requires generation.context_size to be set"))
	}

	// Embeddings ↔ memory dimensions
	if cfg.Providers.Embeddings.Name != "" && cfg.Memory.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but memory.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Memory.PostgresDSN == "" && len(cfg.Characters) > 0 {
		slog.Warn("memory.postgres_dsn is empty; the message archive and semantic lore recall will not be available")
	}

	// Character duplicate name detection
	namesSeen := make(map[string]int, len(cfg.Characters))

	for i, ch := range cfg.Characters {
		prefix := fmt.Sprintf("characters[%d]", i)
		if ch.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := namesSeen[ch.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of characters[%d]", prefix, ch.Name, prev))
			}
			namesSeen[ch.Name] = i
		}
		if ch.Persona == "" {
			slog.Warn("character has no persona; responses will lack a distinct voice", "character", ch.Name)
		}
	}

	return errors.Join(errs...)
}

// resolveAPIKeys fills in APIKey fields from their APIKeyEnv environment
// variables. A key set directly in the file always wins.
func resolveAPIKeys(cfg *Config) {
	entries := []*ProviderEntry{&cfg.Providers.LLM, &cfg.Providers.Embeddings}
	for _, e := range entries {
		if e.APIKey != "" || e.APIKeyEnv == "" {
			continue
		}
		if v := os.Getenv(e.APIKeyEnv); v != "" {
			e.APIKey = v
		} else {
			slog.Warn("api_key_env is set but the environment variable is empty",
				"provider", e.Name, "env", e.APIKeyEnv)
		}
	}
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
