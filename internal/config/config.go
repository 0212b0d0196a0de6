// ABOUTME: Configuration loading and parsing for the promptdeck gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete promptdeck gateway configuration
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	SMTP        SMTPConfig        `yaml:"smtp"`
	Database    DatabaseConfig    `yaml:"database"`
	Credentials CredentialsConfig `yaml:"credentials"`
	MCPServers  []MCPServerConfig `yaml:"mcp_servers"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	// BaseURL is the external URL used when building magic-link verify URLs
	BaseURL string `yaml:"base_url"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// AllowedEmails is the login allow-list. Empty means open mode: any
	// syntactically valid address may log in.
	AllowedEmails []string `yaml:"allowed_emails"`
	// JWTSecret signs API access tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`
	// AdminPasswordHash is an optional bcrypt hash enabling password
	// fallback login for the bootstrap admin.
	AdminPasswordHash string `yaml:"admin_password_hash"`
	AdminEmail        string `yaml:"admin_email"`

	SessionLifetime   time.Duration `yaml:"-"`
	MagicLinkLifetime time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	SessionLifetimeRaw   string `yaml:"session_lifetime"`
	MagicLinkLifetimeRaw string `yaml:"magic_link_lifetime"`
}

// SMTPConfig holds outbound mail configuration
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// DatabaseConfig holds audit database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// CredentialsConfig holds the encrypted credential store configuration
type CredentialsConfig struct {
	// Dir is the directory holding one encrypted token file per server name
	Dir        string `yaml:"dir"`
	Passphrase string `yaml:"passphrase"`
}

// MCPServerConfig describes one upstream MCP tool server
type MCPServerConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
	// ProxyEnabled gates whether the gateway will forward traffic to this server
	ProxyEnabled bool `yaml:"proxy_enabled"`
	// AuthorizationToken is an optional inline bearer token. When empty the
	// gateway falls back to the encrypted credential store.
	AuthorizationToken string `yaml:"authorization_token"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	seen := make(map[string]bool, len(c.MCPServers))
	for i, srv := range c.MCPServers {
		if srv.Name == "" {
			return fmt.Errorf("mcp_servers[%d].name is required", i)
		}
		if srv.URL == "" {
			return fmt.Errorf("mcp_servers[%d].url is required", i)
		}
		key := strings.ToLower(srv.Name)
		if seen[key] {
			return fmt.Errorf("mcp_servers: duplicate server name %q", srv.Name)
		}
		seen[key] = true
	}

	return nil
}

// GetMCPServer returns the configured upstream server with the given name,
// or nil if no such server exists. Lookup is case-insensitive.
func (c *Config) GetMCPServer(name string) *MCPServerConfig {
	for i := range c.MCPServers {
		if strings.EqualFold(c.MCPServers[i].Name, name) {
			return &c.MCPServers[i]
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Auth.SessionLifetimeRaw != "" {
		cfg.Auth.SessionLifetime, err = time.ParseDuration(cfg.Auth.SessionLifetimeRaw)
		if err != nil {
			return fmt.Errorf("parsing session_lifetime %q: %w", cfg.Auth.SessionLifetimeRaw, err)
		}
	}

	if cfg.Auth.MagicLinkLifetimeRaw != "" {
		cfg.Auth.MagicLinkLifetime, err = time.ParseDuration(cfg.Auth.MagicLinkLifetimeRaw)
		if err != nil {
			return fmt.Errorf("parsing magic_link_lifetime %q: %w", cfg.Auth.MagicLinkLifetimeRaw, err)
		}
	}

	return nil
}
