package internal

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Auth modes for the operator API surface.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Node roles.
const (
	RoleHub      = "hub"
	RoleStation  = "station"
	RolePharmacy = "pharmacy"
)

// Config represents the node configuration.
type Config struct {
	App       ApplicationConfig `yaml:"app"`
	Node      NodeConfig        `yaml:"node"`
	Codec     CodecConfig       `yaml:"codec"`
	Sync      SyncConfig        `yaml:"sync"`
	Retention RetentionConfig   `yaml:"retention"`
	Tasks     TasksConfig       `yaml:"tasks"`
	Discovery DiscoveryConfig   `yaml:"discovery"`
	Auth      AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Node.Validate(); err != nil {
		return err
	}
	if err := c.Codec.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	if err := c.Retention.Validate(); err != nil {
		return err
	}
	if err := c.Tasks.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// NodeConfig identifies this node and where it keeps its state.
type NodeConfig struct {
	Role    string `yaml:"role"`
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// Validate validates the node configuration.
func (c *NodeConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Role, validation.Required, validation.In(RoleHub, RoleStation, RolePharmacy)),
		validation.Field(&c.ID, validation.Required, validation.Length(1, 64)),
		validation.Field(&c.DataDir, validation.Required),
	)
}

// IsHub reports whether this node is the authority node.
func (c *NodeConfig) IsHub() bool {
	return c.Role == RoleHub
}

// CodecConfig bounds the QR chunking. Zero values fall back to the
// codec defaults.
type CodecConfig struct {
	ChunkBytes int `yaml:"chunk_bytes"`
	MaxChunks  int `yaml:"max_chunks"`
}

// Validate validates the codec configuration.
func (c *CodecConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.ChunkBytes, validation.Min(0), validation.Max(2953)),
		validation.Field(&c.MaxChunks, validation.Min(0), validation.Max(64)),
	)
}

// SyncConfig controls the opportunistic uplink on edge nodes. HubURL
// is optional: a node without one syncs only by courier QR.
type SyncConfig struct {
	HubURL          string `yaml:"hub_url"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TokenTTLSeconds int    `yaml:"token_ttl_seconds"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.IntervalSeconds, validation.Min(0)),
		validation.Field(&c.TokenTTLSeconds, validation.Min(0)),
	); err != nil {
		return err
	}
	if c.HubURL != "" && !strings.HasPrefix(c.HubURL, "http://") && !strings.HasPrefix(c.HubURL, "https://") {
		return fmt.Errorf("sync: hub_url %q is not an http(s) URL", c.HubURL)
	}
	return nil
}

// Interval returns the flush interval; zero disables the timer.
func (c *SyncConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TokenTTL returns the sync token lifetime.
func (c *SyncConfig) TokenTTL() time.Duration {
	if c.TokenTTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.TokenTTLSeconds) * time.Second
}

// RetentionConfig bounds how long settled rows are kept.
type RetentionConfig struct {
	LedgerHours int `yaml:"ledger_hours"`
	QueueHours  int `yaml:"queue_hours"`
}

// Validate validates the retention configuration.
func (c *RetentionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.LedgerHours, validation.Min(0)),
		validation.Field(&c.QueueHours, validation.Min(0)),
	)
}

// Ledger returns the ledger retention window.
func (c *RetentionConfig) Ledger() time.Duration {
	return time.Duration(c.LedgerHours) * time.Hour
}

// Queue returns how long synced queue rows linger before retirement.
func (c *RetentionConfig) Queue() time.Duration {
	return time.Duration(c.QueueHours) * time.Hour
}

// TasksConfig carries the per-domain priority boosts.
type TasksConfig struct {
	Boosts map[string]int `yaml:"boosts"`
}

// Validate validates the task configuration.
func (c *TasksConfig) Validate() error {
	for domain, boost := range c.Boosts {
		if boost < 0 {
			return fmt.Errorf("tasks: boost for %q is negative", domain)
		}
	}
	return nil
}

// DiscoveryConfig controls mDNS hub discovery on the local segment.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// AuthConfig holds authentication for the operator API surface.
// Station sync authentication is separate and always on.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	// Normalise empty mode to "disabled" for backward compatibility.
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Node: NodeConfig{
			Role:    RoleHub,
			ID:      "hub-1",
			DataDir: "./xir-data",
		},
		Codec: CodecConfig{
			ChunkBytes: 600,
			MaxChunks:  12,
		},
		Sync: SyncConfig{
			IntervalSeconds: 90,
		},
		Retention: RetentionConfig{
			LedgerHours: 168,
			QueueHours:  72,
		},
		Tasks: TasksConfig{
			Boosts: map[string]int{
				"CLINICAL":  100,
				"LOGISTICS": 0,
			},
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
