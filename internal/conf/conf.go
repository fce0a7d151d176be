package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// envPrefix namespaces every environment override
const envPrefix = "MATRIX_BRIDGE_FEISHU_"

// Config is the full bridge configuration
type Config struct {
	Homeserver HomeserverConfig `yaml:"homeserver"`
	AppService AppServiceConfig `yaml:"appservice"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HomeserverConfig points at the Matrix homeserver
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// AppServiceConfig is the appservice-side listener and registration
type AppServiceConfig struct {
	Hostname       string         `yaml:"hostname"`
	Port           int            `yaml:"port"`
	ID             string         `yaml:"id"`
	BotUsername    string         `yaml:"bot_username"`
	BotDisplayname string         `yaml:"bot_displayname"`
	ASToken        string         `yaml:"as_token"`
	HSToken        string         `yaml:"hs_token"`
	Database       DatabaseConfig `yaml:"database"`
}

// DatabaseConfig selects the mapping store backend
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// ProvisioningConfig carries the scoped admin API tokens
type ProvisioningConfig struct {
	ReadToken   string `yaml:"read_token"`
	WriteToken  string `yaml:"write_token"`
	DeleteToken string `yaml:"delete_token"`
}

// BridgeConfig is the Feishu-side and policy configuration
type BridgeConfig struct {
	ListenAddress     string `yaml:"listen_address"`
	ListenSecret      string `yaml:"listen_secret"`
	AppID             string `yaml:"app_id"`
	AppSecret         string `yaml:"app_secret"`
	EncryptKey        string `yaml:"encrypt_key"`
	VerificationToken string `yaml:"verification_token"`

	APIBaseURL     string `yaml:"api_base_url"`
	APIMaxRetries  int    `yaml:"api_max_retries"`
	APIRetryBaseMS int    `yaml:"api_retry_base_ms"`

	UsernameTemplate    string `yaml:"username_template"`
	DisplaynameTemplate string `yaml:"displayname_template"`

	// matrix user id (or domain / "*" wildcard) -> permission level
	Permissions map[string]string `yaml:"permissions"`

	BridgeMatrixReply      bool `yaml:"bridge_matrix_reply"`
	BridgeMatrixEdit       bool `yaml:"bridge_matrix_edit"`
	BridgeMatrixRedactions bool `yaml:"bridge_matrix_redactions"`

	AllowImages  bool  `yaml:"allow_images"`
	AllowVideos  bool  `yaml:"allow_videos"`
	AllowAudio   bool  `yaml:"allow_audio"`
	AllowFiles   bool  `yaml:"allow_files"`
	MaxMediaSize int64 `yaml:"max_media_size"`

	MessageLimit      int `yaml:"message_limit"`
	MessageCooldownMS int `yaml:"message_cooldown"`

	EnableRichText bool `yaml:"enable_rich_text"`
	AllowHTML      bool `yaml:"allow_html"`
	AllowMarkdown  bool `yaml:"allow_markdown"`
	ConvertCards   bool `yaml:"convert_cards"`

	MaxTextLength   int      `yaml:"max_text_length"`
	BlockedMsgtypes []string `yaml:"blocked_msgtypes"`
	SelfService     bool     `yaml:"self_service"`
	DeleteOnDisband bool     `yaml:"delete_on_disband"`

	EnableFailureDegrade  bool   `yaml:"enable_failure_degrade"`
	FailureNoticeTemplate string `yaml:"failure_notice_template"`

	Provisioning ProvisioningConfig `yaml:"provisioning"`
}

// LoggingConfig controls the zap logger
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ConfigError reports an invalid or missing configuration field
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return e.Field + ": " + e.Message
}

// Default returns the configuration defaults applied before YAML and env
func Default() *Config {
	return &Config{
		AppService: AppServiceConfig{
			Hostname:       "0.0.0.0",
			Port:           29330,
			ID:             "feishu",
			BotUsername:    "feishubot",
			BotDisplayname: "Feishu Bridge",
			Database: DatabaseConfig{
				Type: "sqlite",
				URI:  "bridge.db",
			},
		},
		Bridge: BridgeConfig{
			ListenAddress:          ":29331",
			APIBaseURL:             "https://open.feishu.cn",
			APIMaxRetries:          3,
			APIRetryBaseMS:         250,
			UsernameTemplate:       "feishu_{{.}}",
			DisplaynameTemplate:    "{{.}} (Feishu)",
			BridgeMatrixReply:      true,
			BridgeMatrixEdit:       true,
			BridgeMatrixRedactions: true,
			AllowImages:            true,
			AllowVideos:            true,
			AllowAudio:             true,
			AllowFiles:             true,
			MaxMediaSize:           10 << 20,
			EnableRichText:         true,
			AllowHTML:              true,
			AllowMarkdown:          true,
			ConvertCards:           true,
			EnableFailureDegrade:   true,
			FailureNoticeTemplate:  "⚠ Failed to deliver {matrix_event_id} from {matrix_room_id}: {error}",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file, applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.AppService.Database.Type, "DB_TYPE")
	overrideString(&c.AppService.Database.URI, "DB_URI")
	overrideString(&c.AppService.ASToken, "AS_TOKEN")
	overrideString(&c.AppService.HSToken, "HS_TOKEN")
	overrideString(&c.Bridge.AppID, "BRIDGE_APP_ID")
	overrideString(&c.Bridge.AppSecret, "BRIDGE_APP_SECRET")
	overrideString(&c.Bridge.ListenAddress, "BRIDGE_LISTEN_ADDRESS")
	overrideString(&c.Bridge.ListenSecret, "BRIDGE_LISTEN_SECRET")
	overrideString(&c.Bridge.EncryptKey, "BRIDGE_ENCRYPT_KEY")
	overrideString(&c.Bridge.VerificationToken, "BRIDGE_VERIFICATION_TOKEN")
	overrideString(&c.Bridge.APIBaseURL, "FEISHU_API_BASE_URL")
	overrideInt(&c.Bridge.APIMaxRetries, "FEISHU_API_MAX_RETRIES")
	overrideInt(&c.Bridge.APIRetryBaseMS, "FEISHU_API_RETRY_BASE_MS")
}

func overrideString(target *string, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		*target = val
	}
}

func overrideInt(target *int, key string) {
	if val := os.Getenv(envPrefix + key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*target = n
		}
	}
}

// placeholder values that must not survive into a running bridge
var placeholderMarkers = []string{"your_", "changeme", "replace_me", "example", "_here"}

func isPlaceholder(value string) bool {
	v := strings.ToLower(value)
	for _, marker := range placeholderMarkers {
		if strings.Contains(v, marker) {
			return true
		}
	}
	return false
}

func requireReal(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &ConfigError{Field: field, Message: "required"}
	}
	if isPlaceholder(value) {
		return &ConfigError{Field: field, Message: "placeholder value, set a real one"}
	}
	return nil
}

// Validate checks required fields and the cross-field rules
func (c *Config) Validate() error {
	if err := requireReal("homeserver.address", c.Homeserver.Address); err != nil {
		return err
	}
	if err := requireReal("homeserver.domain", c.Homeserver.Domain); err != nil {
		return err
	}
	if err := requireReal("appservice.as_token", c.AppService.ASToken); err != nil {
		return err
	}
	if err := requireReal("appservice.hs_token", c.AppService.HSToken); err != nil {
		return err
	}
	if err := requireReal("bridge.app_id", c.Bridge.AppID); err != nil {
		return err
	}
	if err := requireReal("bridge.app_secret", c.Bridge.AppSecret); err != nil {
		return err
	}

	if c.AppService.Database.Type != "sqlite" {
		return &ConfigError{Field: "appservice.database.type", Message: "only sqlite is supported"}
	}
	if c.AppService.Database.URI == "" {
		return &ConfigError{Field: "appservice.database.uri", Message: "required"}
	}

	if !strings.Contains(c.Bridge.UsernameTemplate, "{{.}}") {
		return &ConfigError{Field: "bridge.username_template", Message: "must contain the {{.}} placeholder"}
	}

	hasRealPermission := false
	for who := range c.Bridge.Permissions {
		if !isPlaceholder(who) {
			hasRealPermission = true
			break
		}
	}
	if !hasRealPermission {
		return &ConfigError{Field: "bridge.permissions", Message: "at least one non-example entry required"}
	}

	if !c.Bridge.EnableRichText && !c.Bridge.AllowHTML && !c.Bridge.AllowMarkdown {
		return &ConfigError{Field: "bridge.enable_rich_text", Message: "rich text and plain formatting cannot all be disabled"}
	}

	if c.Bridge.MessageLimit > 0 && c.Bridge.MessageCooldownMS <= 0 {
		return &ConfigError{Field: "bridge.message_cooldown", Message: "required when message_limit is set"}
	}

	if c.Bridge.ListenSecret == "" && c.Bridge.EncryptKey == "" && c.Bridge.VerificationToken == "" {
		return &ConfigError{Field: "bridge.listen_secret", Message: "at least one webhook verification option required"}
	}
	if c.Bridge.EncryptKey != "" && c.Bridge.VerificationToken == "" {
		return &ConfigError{Field: "bridge.verification_token", Message: "required when encrypt_key is set"}
	}

	return nil
}

// PermissionLevel resolves the configured level for a Matrix user id.
// Exact entries win over domain wildcards; "*" matches everyone.
func (c *BridgeConfig) PermissionLevel(userID string) string {
	if level, ok := c.Permissions[userID]; ok {
		return level
	}
	if _, domain, found := strings.Cut(userID, ":"); found {
		if level, ok := c.Permissions[domain]; ok {
			return level
		}
	}
	if level, ok := c.Permissions["*"]; ok {
		return level
	}
	return ""
}
