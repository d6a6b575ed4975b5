// Package config loads and validates the single JSON configuration document
// described in spec §6. It follows the teacher's loader.go pattern of
// environment-variable expansion before parsing (${VAR}, ${VAR:-default},
// ${VAR:?error}), generalized from YAML to JSON since §6 mandates a JSON
// document, and the teacher's config.go pattern of one typed sub-struct per
// top-level section.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

// Config is the root of the JSON configuration document (§6).
type Config struct {
	Accounts               []AccountConfig       `json:"accounts"`
	Proxy                  ProxyConfig           `json:"proxy"`
	Archive                ArchiveConfig         `json:"archive"`
	Forwarding             ForwardingConfig      `json:"forwarding"`
	Deduplication          DeduplicationConfig   `json:"deduplication"`
	Discovery              DiscoveryConfig       `json:"discovery"`
	Parallel               ParallelConfig        `json:"parallel"`
	AccountRotation        AccountRotationConfig `json:"account_rotation"`
	DB                     DBConfig              `json:"db"`
	Logging                LoggingConfig         `json:"logging"`
	DefaultForwardingDestID int64                `json:"default_forwarding_destination_id"`

	// Warnings accumulates non-fatal problems found while parsing (unknown
	// keys inside known sections); Configuration errors are fatal and
	// returned from Load instead.
	Warnings []string `json:"-"`
}

type AccountConfig struct {
	APIID        int    `json:"api_id"`
	APIHash      string `json:"api_hash"`
	SessionName  string `json:"session_name"`
	PhoneNumber  string `json:"phone_number"`
	Password     string `json:"password,omitempty"`
}

type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type"` // direct | socks5 | http
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Rotation string `json:"rotation,omitempty"`
}

type ArchiveConfig struct {
	DownloadMedia   bool     `json:"download_media"`
	DownloadAvatars bool     `json:"download_avatars"`
	ArchiveTopics   bool     `json:"archive_topics"`
	MaxFileSizeMB   int      `json:"max_file_size_mb"`
	MediaTypes      []string `json:"media_types"`
	BatchSize       int      `json:"batch_size"`
}

type InvitationDelays struct {
	MinSeconds int     `json:"min_seconds"`
	MaxSeconds int     `json:"max_seconds"`
	Variance   float64 `json:"variance"`
}

type ForwardingConfig struct {
	EnableDeduplication       bool             `json:"enable_deduplication"`
	SecondaryUniqueDestination int64           `json:"secondary_unique_destination,omitempty"`
	AutoInviteAccounts        bool             `json:"auto_invite_accounts"`
	InvitationDelays          InvitationDelays `json:"invitation_delays"`
	ForwardToAllSaved         bool             `json:"forward_to_all_saved,omitempty"`
	CopyIntoDestination       bool             `json:"copy_into_destination,omitempty"`
	PrependOriginInfo         bool             `json:"prepend_origin_info,omitempty"`

	// FuzzyHashSimilarityThreshold / PerceptualHashDistanceThreshold
	// duplicate the Deduplication section's fields (§9 open question).
	// Deduplication.* always wins when both are set; see ResolveThresholds.
	FuzzyHashSimilarityThreshold   *int `json:"fuzzy_hash_similarity_threshold,omitempty"`
	PerceptualHashDistanceThreshold *int `json:"perceptual_hash_distance_threshold,omitempty"`
}

type DeduplicationConfig struct {
	EnableNearDuplicates            bool `json:"enable_near_duplicates"`
	FuzzyHashSimilarityThreshold    int  `json:"fuzzy_hash_similarity_threshold"`
	PerceptualHashDistanceThreshold int  `json:"perceptual_hash_distance_threshold"`
}

// ResolveThresholds implements the §9 precedence decision: Deduplication
// section wins over Forwarding section when both are set.
func (c Config) ResolveThresholds() (perceptualBits int, fuzzySimilarity int) {
	perceptualBits, fuzzySimilarity = 6, 85
	if c.Forwarding.PerceptualHashDistanceThreshold != nil {
		perceptualBits = *c.Forwarding.PerceptualHashDistanceThreshold
	}
	if c.Forwarding.FuzzyHashSimilarityThreshold != nil {
		fuzzySimilarity = *c.Forwarding.FuzzyHashSimilarityThreshold
	}
	if c.Deduplication.PerceptualHashDistanceThreshold != 0 {
		perceptualBits = c.Deduplication.PerceptualHashDistanceThreshold
	}
	if c.Deduplication.FuzzyHashSimilarityThreshold != 0 {
		fuzzySimilarity = c.Deduplication.FuzzyHashSimilarityThreshold
	}
	return perceptualBits, fuzzySimilarity
}

type DiscoveryConfig struct {
	MaxMessages    int  `json:"max_messages"`
	MaxDepth       int  `json:"max_depth"`
	IncludePrivate bool `json:"include_private"`
	IncludePublic  bool `json:"include_public"`
	PerLevelCap    int  `json:"per_level_cap"`
}

type RateLimitConfig struct {
	MessageDelaySeconds float64 `json:"message_delay_seconds"`
	JoinDelaySeconds    float64 `json:"join_delay_seconds"`
}

type ParallelConfig struct {
	Enabled    bool            `json:"enabled"`
	MaxWorkers int             `json:"max_workers"`
	RateLimit  RateLimitConfig `json:"rate_limit"`
}

type AccountRotationConfig struct {
	Mode                   string  `json:"mode"` // round_robin | smart | pinned
	CooldownHours          float64 `json:"cooldown_hours"`
	MaxOperationsPerAccount int    `json:"max_operations_per_account"`
	FloodWaitMultiplier    float64 `json:"flood_wait_multiplier"`
}

type DBConfig struct {
	Path string `json:"path"`
}

type LoggingConfig struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// DefaultConfig returns sensible defaults, applied before the operator
// document is overlaid.
func DefaultConfig() Config {
	return Config{
		Archive: ArchiveConfig{
			MaxFileSizeMB: 2000,
			BatchSize:     200,
			MediaTypes:    []string{"photo", "document", "video", "audio"},
		},
		Forwarding: ForwardingConfig{
			InvitationDelays: InvitationDelays{MinSeconds: 120, MaxSeconds: 600, Variance: 0.3},
		},
		// Deduplication thresholds stay zero here so that a Forwarding-only
		// threshold can take effect; ResolveThresholds supplies 6/85.
		Discovery: DiscoveryConfig{MaxMessages: 1000, MaxDepth: 2, PerLevelCap: 50, IncludePublic: true},
		Parallel: ParallelConfig{
			MaxWorkers: 4,
			RateLimit:  RateLimitConfig{MessageDelaySeconds: 0.5, JoinDelaySeconds: 300},
		},
		AccountRotation: AccountRotationConfig{Mode: "smart", CooldownHours: 1, MaxOperationsPerAccount: 500, FloodWaitMultiplier: 1.5},
		DB:              DBConfig{Path: "db.sqlite3"},
		Logging:         LoggingConfig{Level: "info"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load reads path, expands environment variable references, applies
// TG_API_ID/TG_API_HASH overrides (§6 precedence), and validates the
// result. Unknown top-level sections are ignored; unknown keys inside a
// known section are appended to Warnings, never treated as fatal.
func Load(path string, logger *slog.Logger) (*Config, error) {
	// godotenv.Load does NOT overwrite existing env vars, so a real
	// TG_API_ID/TG_API_HASH already in the environment still wins; a
	// missing .env is not an error, it's simply the common case.
	_ = godotenv.Load()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("config: expanding environment references: %w", err)
	}

	cfg := DefaultConfig()

	// Pass 1: decode into the typed struct, tolerating unknown top-level keys.
	if err := json.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	// Pass 2: detect unknown keys inside known sections for warnings, by
	// round-tripping through a generic map and diffing field sets.
	cfg.Warnings = append(cfg.Warnings, detectUnknownKeys(expanded)...)

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if logger != nil {
		for _, w := range cfg.Warnings {
			logger.Warn("config: unrecognized key", "detail", w)
		}
	}

	return &cfg, nil
}

// applyEnvOverrides implements §6: "Credentials may be supplied via
// environment variables TG_API_ID, TG_API_HASH taking precedence over file
// values." Applies to the first configured account, creating one if none
// exists yet.
func applyEnvOverrides(cfg *Config) {
	apiID := os.Getenv("TG_API_ID")
	apiHash := os.Getenv("TG_API_HASH")
	if apiID == "" && apiHash == "" {
		return
	}
	if len(cfg.Accounts) == 0 {
		cfg.Accounts = append(cfg.Accounts, AccountConfig{})
	}
	if apiID != "" {
		var id int
		fmt.Sscanf(apiID, "%d", &id)
		cfg.Accounts[0].APIID = id
	}
	if apiHash != "" {
		cfg.Accounts[0].APIHash = apiHash
	}
}

func validate(cfg *Config) error {
	if cfg.DB.Path == "" {
		return fmt.Errorf("config: db.path is required")
	}
	for _, a := range cfg.Accounts {
		if a.SessionName == "" {
			return fmt.Errorf("config: account missing session_name")
		}
	}
	switch cfg.AccountRotation.Mode {
	case "", "round_robin", "smart", "pinned":
	default:
		return fmt.Errorf("config: account_rotation.mode %q is not recognized", cfg.AccountRotation.Mode)
	}
	return nil
}

// expandEnv replaces ${VAR}, ${VAR:-default}, and ${VAR:?errmsg} references.
// An unset ${VAR:?errmsg} reference is a fatal Configuration error.
func expandEnv(doc string) (string, error) {
	var firstErr error
	out := envVarPattern.ReplaceAllStringFunc(doc, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name, mod, rest := groups[1], groups[2], groups[3]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch mod {
		case "-":
			return rest
		case "?":
			if firstErr == nil {
				msg := rest
				if msg == "" {
					msg = name + " is required"
				}
				firstErr = fmt.Errorf("%s", msg)
			}
			return ""
		default:
			return ""
		}
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// detectUnknownKeys decodes the document into a generic map and flags keys
// under known top-level sections that are not part of the Config schema.
func detectUnknownKeys(doc string) []string {
	knownSections := map[string]map[string]bool{
		"archive": {
			"download_media": true, "download_avatars": true, "archive_topics": true,
			"max_file_size_mb": true, "media_types": true, "batch_size": true,
		},
		"forwarding": {
			"enable_deduplication": true, "secondary_unique_destination": true,
			"auto_invite_accounts": true, "invitation_delays": true,
			"forward_to_all_saved": true, "copy_into_destination": true,
			"prepend_origin_info": true, "fuzzy_hash_similarity_threshold": true,
			"perceptual_hash_distance_threshold": true,
		},
		"deduplication": {
			"enable_near_duplicates": true, "fuzzy_hash_similarity_threshold": true,
			"perceptual_hash_distance_threshold": true,
		},
		"discovery": {
			"max_messages": true, "max_depth": true, "include_private": true,
			"include_public": true, "per_level_cap": true,
		},
		"proxy": {
			"enabled": true, "type": true, "host": true, "port": true,
			"username": true, "password": true, "rotation": true,
		},
		"parallel":         {"enabled": true, "max_workers": true, "rate_limit": true},
		"account_rotation": {"mode": true, "cooldown_hours": true, "max_operations_per_account": true, "flood_wait_multiplier": true},
		"db":               {"path": true},
		"logging":          {"level": true, "file": true},
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &generic); err != nil {
		return nil
	}

	var warnings []string
	for section, allowed := range knownSections {
		raw, ok := generic[section]
		if !ok {
			continue
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			continue
		}
		for key := range m {
			if !allowed[key] {
				warnings = append(warnings, fmt.Sprintf("%s.%s", section, key))
			}
		}
	}
	return warnings
}
