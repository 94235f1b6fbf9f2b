package config

// DefaultStandards are the reference standards the compliance stage assesses
// against when the config does not override them.
var DefaultStandards = []string{"ISO 9001", "ISO 13485", "IATF 16949"}

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/kakunin/data/db/records.db"
	}
	if cfg.Storage.ImageStorePath == "" {
		cfg.Storage.ImageStorePath = "/usr/local/var/kakunin/data/pages"
	}
	if cfg.Storage.IndexPath == "" {
		cfg.Storage.IndexPath = "/usr/local/var/kakunin/data/indices/bleve"
	}
	if len(cfg.Providers) == 0 {
		cfg.Providers = []ProviderConfig{
			{Name: "ollama", Type: "ollama", Model: "llama3.1", BaseURL: "http://localhost:11434"},
			{Name: "gemini", Type: "gemini", Model: "gemini-1.5-pro"},
			{Name: "openai", Type: "openai", Model: "gpt-4o-mini", BaseURL: "https://api.openai.com/v1", APIKeyEnv: "OPENAI_API_KEY"},
			{Name: "rules", Type: "rules"},
		}
	}
	if cfg.Pipeline.DPI == 0 {
		cfg.Pipeline.DPI = 200
	}
	if cfg.Pipeline.StageTimeoutSecs == 0 {
		cfg.Pipeline.StageTimeoutSecs = 45
	}
	if cfg.Pipeline.MaxConcurrent == 0 {
		cfg.Pipeline.MaxConcurrent = 4
	}
	if cfg.Pipeline.Backoff.MaxAttempts == 0 {
		cfg.Pipeline.Backoff.MaxAttempts = 3
	}
	if cfg.Pipeline.Backoff.BaseDelayMs == 0 {
		cfg.Pipeline.Backoff.BaseDelayMs = 500
	}
	if cfg.Pipeline.Backoff.MaxDelayMs == 0 {
		cfg.Pipeline.Backoff.MaxDelayMs = 8000
	}
	if cfg.Verification.CoverageThreshold == 0 {
		cfg.Verification.CoverageThreshold = 95.0
	}
	if cfg.Verification.FuzzySimilarity == 0 {
		cfg.Verification.FuzzySimilarity = 0.85
	}
	if cfg.Verification.Standards == nil {
		cfg.Verification.Standards = append([]string(nil), DefaultStandards...)
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".pdf", ".docx", ".odt", ".xlsx", ".txt", ".md"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
}
