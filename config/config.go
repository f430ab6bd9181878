// Package config loads and validates the hierarchical configuration for
// the MIDAS services.  Configuration comes from a YAML/JSON file with
// environment-variable overrides (prefix MIDAS_), and structural problems
// are collected into a single startup error.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"midas.oar.dev/api"
	"midas.oar.dev/common"
	"midas.oar.dev/dbio"
	"midas.oar.dev/describe"
)

// ServiceConvention configures one flavour of a project service, wired
// into the web app by name (e.g. services.dmp.conventions.mdm1).
type ServiceConvention struct {
	// Type is the path prefix the service is served under, e.g.
	// "dmp/mdm1".
	Type string `mapstructure:"type"`

	// DefaultShoulder is the identifier shoulder new records are minted
	// under.
	DefaultShoulder string `mapstructure:"default_shoulder"`

	// AllowedShoulders lists additional shoulders users may request.
	AllowedShoulders []string `mapstructure:"allowed_shoulders"`

	// DefaultPerms grants principals permissions on every new record.
	DefaultPerms map[string][]string `mapstructure:"assign_perms"`
}

// ServiceBlock groups the conventions of one project type.
type ServiceBlock struct {
	Conventions map[string]ServiceConvention `mapstructure:"conventions"`
}

// DBIOConfig selects and configures the storage backend.
type DBIOConfig struct {
	// Backend is one of "inmem", "fsbased", or "couch".
	Backend string `mapstructure:"backend"`

	// Root is the file backend's root directory.
	Root string `mapstructure:"root"`

	Couch dbio.CouchConfig `mapstructure:"couch"`

	Superusers []string `mapstructure:"superusers"`

	// Compat flags gate preserved legacy behaviours.
	LegacyReassign      bool `mapstructure:"legacy_reassign"`
	LaxQueryValidation  bool `mapstructure:"lax_query_validation"`
	StrictHistoryExtras bool `mapstructure:"strict_history_extras"`
}

// ResolverConfig configures the public resolver service.
type ResolverConfig struct {
	BaseURL       string               `mapstructure:"base_url"`
	NAAN          string               `mapstructure:"naan"`
	RMMBaseURL    string               `mapstructure:"rmm_base_url"`
	RMMTimeout    time.Duration        `mapstructure:"rmm_timeout"`
	AltCacheDir   string               `mapstructure:"alt_cache_dir"`
	DistribURL    string               `mapstructure:"distrib_base_url"`
	RedisCache    describe.CacheConfig `mapstructure:"redis_cache"`
	UseRedisCache bool                 `mapstructure:"use_redis_cache"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Config is the root configuration document.
type Config struct {
	Logging  common.LogConfig        `mapstructure:"logging"`
	JWTAuth  api.JWTConfig           `mapstructure:"jwt_auth"`
	DBIO     DBIOConfig              `mapstructure:"dbio"`
	Notifier dbio.NotifierConfig     `mapstructure:"notifier"`
	Services map[string]ServiceBlock `mapstructure:"services"`
	Resolver ResolverConfig          `mapstructure:"resolver"`
	Server   ServerConfig            `mapstructure:"server"`
	ARKNaan  string                  `mapstructure:"ark_naan"`
}

// Load reads the configuration from the given file (or the default search
// path when empty), applies environment overrides, and validates it.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("midas")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.midas")
		v.AddConfigPath("/etc/midas")
	}
	v.SetEnvPrefix("MIDAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound || cfgFile != "" {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("jwt_auth.algorithm", "HS256")
	v.SetDefault("jwt_auth.require_expiration", true)
	v.SetDefault("dbio.backend", "fsbased")
	v.SetDefault("dbio.root", "./dbfiles")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9091)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("ark_naan", dbio.DefaultARKNaan)
	v.SetDefault("resolver.naan", dbio.DefaultARKNaan)
	v.SetDefault("resolver.rmm_timeout", 20*time.Second)
}

// Validator collects configuration problems so they can be reported
// together at startup.
type Validator struct {
	errors []string
}

// RequireString records an error when the value is empty.
func (v *Validator) RequireString(field, value string) {
	if value == "" {
		v.errors = append(v.errors, field+" is required")
	}
}

// RequireOneOf records an error when the value is not in the allowed set.
func (v *Validator) RequireOneOf(field, value string, allowed []string) {
	for _, a := range allowed {
		if value == a {
			return
		}
	}
	v.errors = append(v.errors, fmt.Sprintf("%s must be one of: %s", field, strings.Join(allowed, ", ")))
}

// RequirePositiveInt records an error when the value is not positive.
func (v *Validator) RequirePositiveInt(field string, value int) {
	if value <= 0 {
		v.errors = append(v.errors, field+" must be positive")
	}
}

// Err returns the collected problems as one ConfigurationError, or nil.
func (v *Validator) Err() error {
	if len(v.errors) == 0 {
		return nil
	}
	return dbio.ConfigError("configuration validation failed: %s", strings.Join(v.errors, "; "))
}

// Validate checks the configuration's structure.
func (c *Config) Validate() error {
	v := &Validator{}

	if err := c.JWTAuth.Validate(); err != nil {
		v.errors = append(v.errors, err.Error())
	}
	v.RequireOneOf("dbio.backend", c.DBIO.Backend, []string{"inmem", "fsbased", "couch"})
	if c.DBIO.Backend == "fsbased" {
		v.RequireString("dbio.root", c.DBIO.Root)
	}
	if c.DBIO.Backend == "couch" {
		v.RequireString("dbio.couch.url", c.DBIO.Couch.URL)
	}
	v.RequirePositiveInt("server.port", c.Server.Port)

	for svc, block := range c.Services {
		for conv, convcfg := range block.Conventions {
			field := fmt.Sprintf("services.%s.conventions.%s", svc, conv)
			v.RequireString(field+".type", convcfg.Type)
			if convcfg.Type != "" && !strings.HasPrefix(convcfg.Type, svc+"/") {
				v.errors = append(v.errors,
					fmt.Sprintf("%s.type must have the form %q", field, svc+"/"+conv))
			}
			v.RequireString(field+".default_shoulder", convcfg.DefaultShoulder)
		}
	}
	return v.Err()
}

// ClientConfigFor derives the DBIO client configuration for one service
// convention.
func (c *Config) ClientConfigFor(conv ServiceConvention) dbio.ClientConfig {
	return dbio.ClientConfig{
		DefaultShoulder:         conv.DefaultShoulder,
		AllowedProjectShoulders: conv.AllowedShoulders,
		Superusers:              c.DBIO.Superusers,
		Compat: dbio.Compat{
			LegacyReassign:      c.DBIO.LegacyReassign,
			LaxQueryValidation:  c.DBIO.LaxQueryValidation,
			StrictHistoryExtras: c.DBIO.StrictHistoryExtras,
		},
	}
}
