package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/hazcod/zonesigner"
)

type Config struct {
	App struct {
		// dev | prod
		Env         string `yaml:"env"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"app"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	// Durations are strings in time.ParseDuration form.
	Policy struct {
		SignatureLifetime string `yaml:"signature_lifetime"`
		RefreshBefore     string `yaml:"refresh_before"`
		InceptionOffset   string `yaml:"inception_offset"`
		Denial            string `yaml:"denial"` // nsec | nsec3
		NSEC3Iterations   uint16 `yaml:"nsec3_iterations"`
		NSEC3SaltLength   uint8  `yaml:"nsec3_salt_length"`
		DNSKEYTTL         uint32 `yaml:"dnskey_ttl"`
		Serial            string `yaml:"serial"` // increment | unixtime
	} `yaml:"policy"`

	Scheduler struct {
		Workers    int    `yaml:"workers"`
		MinBackoff string `yaml:"min_backoff"`
		MaxBackoff string `yaml:"max_backoff"`
	} `yaml:"scheduler"`

	Keys struct {
		Driver   string `yaml:"driver"` // dir | postgres
		Dir      string `yaml:"dir"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int    `yaml:"max_conns"`
		} `yaml:"postgres"`
	} `yaml:"keys"`

	Content struct {
		Driver string `yaml:"driver"` // zonefile
		// Files maps zone name to zone file path.
		Files map[string]string `yaml:"files"`
	} `yaml:"content"`

	Applier struct {
		Driver string `yaml:"driver"` // memory | bolt
		Path   string `yaml:"path"`
	} `yaml:"applier"`

	Notify struct {
		Redis struct {
			Addr    string `yaml:"addr"`
			DB      int    `yaml:"db"`
			Channel string `yaml:"channel"`
		} `yaml:"redis"`
	} `yaml:"notify"`

	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`

	Zones []string `yaml:"zones"`
}

// Load reads the YAML file at path. A .env next to it, when present, is
// loaded first so ZONESIGNER_* variables may come from there.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(filepath.Dir(path), ".env"))

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	c.applyEnvOverrides()
	c.applyDefaults()

	// Zone file paths are relative to the config file.
	base := filepath.Dir(path)
	for zone, p := range c.Content.Files {
		if p != "" && !filepath.IsAbs(p) {
			c.Content.Files[zone] = filepath.Clean(filepath.Join(base, p))
		}
	}
	if c.Keys.Dir != "" && !filepath.IsAbs(c.Keys.Dir) {
		c.Keys.Dir = filepath.Clean(filepath.Join(base, c.Keys.Dir))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.App.ServiceName == "" {
		c.App.ServiceName = "zonesignerd"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Policy.Denial == "" {
		c.Policy.Denial = "nsec3"
	}
	if c.Policy.Serial == "" {
		c.Policy.Serial = "increment"
	}
	if c.Keys.Driver == "" {
		c.Keys.Driver = "dir"
	}
	if c.Content.Driver == "" {
		c.Content.Driver = "zonefile"
	}
	if c.Applier.Driver == "" {
		c.Applier.Driver = "memory"
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "zonesigner:events"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8053"
	}
	if len(c.Zones) == 0 {
		for zone := range c.Content.Files {
			c.Zones = append(c.Zones, zone)
		}
		sort.Strings(c.Zones)
	}
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("ZONESIGNER_ENV"); ok {
		c.App.Env = v
	}
	if v, ok := getEnvStr("ZONESIGNER_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("ZONESIGNER_KEYS_DRIVER"); ok {
		c.Keys.Driver = v
	}
	if v, ok := getEnvStr("ZONESIGNER_KEYS_DIR"); ok {
		c.Keys.Dir = v
	}
	if v, ok := getEnvStr("ZONESIGNER_PG_DSN"); ok {
		c.Keys.Postgres.DSN = v
	}
	if v, ok := getEnvStr("ZONESIGNER_APPLIER_DRIVER"); ok {
		c.Applier.Driver = v
	}
	if v, ok := getEnvStr("ZONESIGNER_APPLIER_PATH"); ok {
		c.Applier.Path = v
	}
	if v, ok := getEnvStr("ZONESIGNER_REDIS_ADDR"); ok {
		c.Notify.Redis.Addr = v
	}
	if v, ok := getEnvStr("ZONESIGNER_HTTP_ADDR"); ok {
		c.HTTP.Addr = v
	}
	if v, ok := getEnvInt("ZONESIGNER_WORKERS"); ok {
		c.Scheduler.Workers = v
	}
	if v, ok := getEnvStr("ZONESIGNER_ZONES"); ok {
		c.Zones = nil
		for _, z := range strings.Split(v, ",") {
			if z = strings.TrimSpace(z); z != "" {
				c.Zones = append(c.Zones, z)
			}
		}
	}
}

// Validate checks drivers, durations and enum values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Keys.Driver {
	case "dir":
		if c.Keys.Dir == "" {
			errs = append(errs, errors.New("keys.dir is required for the dir driver"))
		}
	case "postgres":
		if c.Keys.Postgres.DSN == "" {
			errs = append(errs, errors.New("keys.postgres.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("keys.driver %q: want dir or postgres", c.Keys.Driver))
	}
	if c.Content.Driver != "zonefile" {
		errs = append(errs, fmt.Errorf("content.driver %q: want zonefile", c.Content.Driver))
	}
	switch c.Applier.Driver {
	case "memory":
	case "bolt":
		if c.Applier.Path == "" {
			errs = append(errs, errors.New("applier.path is required for the bolt driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("applier.driver %q: want memory or bolt", c.Applier.Driver))
	}
	for _, zone := range c.Zones {
		if _, ok := c.Content.Files[zone]; !ok {
			errs = append(errs, fmt.Errorf("zone %s has no content file", zone))
		}
	}
	if _, err := c.SigningPolicy(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SchedulerConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SigningPolicy converts the policy section. Empty durations keep the defaults.
func (c *Config) SigningPolicy() (zonesigner.Policy, error) {
	p := zonesigner.DefaultPolicy()
	var err error
	if p.SignatureLifetime, err = parseDuration("policy.signature_lifetime", c.Policy.SignatureLifetime, p.SignatureLifetime); err != nil {
		return p, err
	}
	if p.RefreshBefore, err = parseDuration("policy.refresh_before", c.Policy.RefreshBefore, p.RefreshBefore); err != nil {
		return p, err
	}
	if p.InceptionOffset, err = parseDuration("policy.inception_offset", c.Policy.InceptionOffset, p.InceptionOffset); err != nil {
		return p, err
	}
	if p.Denial, err = zonesigner.ParseDenialMode(c.Policy.Denial); err != nil {
		return p, err
	}
	if p.Serial, err = zonesigner.ParseSerialPolicy(c.Policy.Serial); err != nil {
		return p, err
	}
	p.NSEC3Iterations = c.Policy.NSEC3Iterations
	p.NSEC3SaltLength = c.Policy.NSEC3SaltLength
	p.DNSKEYTTL = c.Policy.DNSKEYTTL
	return p, p.Validate()
}

func (c *Config) SchedulerConfig() (zonesigner.SchedulerConfig, error) {
	sc := zonesigner.SchedulerConfig{Workers: c.Scheduler.Workers}
	var err error
	if sc.MinBackoff, err = parseDuration("scheduler.min_backoff", c.Scheduler.MinBackoff, 0); err != nil {
		return sc, err
	}
	if sc.MaxBackoff, err = parseDuration("scheduler.max_backoff", c.Scheduler.MaxBackoff, 0); err != nil {
		return sc, err
	}
	return sc, nil
}

func parseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// ---- env helpers ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
