// Package config loads hub and node settings from flags, GRID_* environment
// variables, an optional .env file and an optional config file, in that
// order of precedence.
package config

import (
	"encoding/json"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/xhit/go-str2duration/v2"

	"github.com/shehryarbajwa/grid-mini/pkg/models"
)

// EnvPrefix is prepended to every environment variable, e.g. GRID_LISTEN
const EnvPrefix = "GRID"

type option struct {
	key   string
	def   any
	usage string
}

var commonOptions = []option{
	{"public-url", "", "address other components and clients use to reach this process"},
	{"registration-secret", "", "shared secret guarding registration and admin endpoints"},
	{"log-level", "info", "log level (debug, info, warn, error)"},
	{"log-format", "text", "log format (text or json)"},
	{"shutdown-timeout", "10s", "grace period for in-flight requests on shutdown"},
}

var hubOptions = []option{
	{"listen", ":4444", "address the hub listens on"},
	{"queue-capacity", 0, "maximum pending new session requests, 0 for unbounded"},
	{"session-request-timeout", "5m", "how long a new session request may wait for a slot"},
	{"queue-sweep-interval", "1s", "how often expired new session requests are resolved"},
	{"healthcheck-interval", "10s", "how often every node is probed"},
	{"healthcheck-retry", "250ms", "delay before the single retry of a failed probe"},
	{"unhealthy-threshold", 2, "consecutive failed probes before a node is marked down"},
	{"node-down-purge", "0s", "remove nodes that stayed down this long, 0 keeps them"},
	{"match-interval", "1s", "safety-net interval of the matching loop"},
	{"session-create-timeout", "3m", "deadline for a node to start a session"},
	{"redis-url", "", "share sessions and events through redis, e.g. redis://localhost:6379/0"},
	{"ratelimit-per-hour", 0, "new session requests allowed per client per hour, 0 disables"},
	{"ratelimit-burst", 10, "new session requests a client may make at once"},
}

var nodeOptions = []option{
	{"listen", ":5555", "address the node listens on"},
	{"id", "", "node id, generated when empty"},
	{"hub", "http://localhost:4444", "hub to register with"},
	{"max-sessions", 0, "concurrent session cap across all slots, 0 for one per slot"},
	{"session-timeout", "5m", "stop sessions idle for this long, 0 disables"},
	{"drain-after", 0, "drain the node after this many sessions, 0 disables"},
	{"register-interval", "30s", "how often the node re-announces itself"},
	{"browser-name", "", "browser served by the single slot built from driver-url or docker-image"},
	{"driver-url", "", "WebDriver endpoint backing the single slot"},
	{"docker-image", "", "container image backing the single slot"},
	{"slots", "", "JSON list of slots, overrides the single slot flags"},
}

// Hub settings
type Hub struct {
	Listen          string
	PublicURL       string
	Secret          string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	QueueCapacity         int
	SessionRequestTimeout time.Duration
	QueueSweepInterval    time.Duration

	HealthCheckInterval  time.Duration
	HealthCheckRetry     time.Duration
	UnhealthyThreshold   int
	NodeDownPurge        time.Duration
	MatchInterval        time.Duration
	SessionCreateTimeout time.Duration

	RedisURL string

	RateLimitPerHour int
	RateLimitBurst   int
}

// Slot describes a group of identical slots and what backs them
type Slot struct {
	BrowserName    string `mapstructure:"browser-name" json:"browser-name"`
	BrowserVersion string `mapstructure:"browser-version" json:"browser-version"`
	PlatformName   string `mapstructure:"platform-name" json:"platform-name"`
	// Stereotype holds extra capabilities as a JSON object
	Stereotype  string `mapstructure:"stereotype" json:"stereotype"`
	Count       int    `mapstructure:"count" json:"count"`
	DriverURL   string `mapstructure:"driver-url" json:"driver-url"`
	DockerImage string `mapstructure:"docker-image" json:"docker-image"`
}

// Capabilities is the stereotype advertised by the slot
func (s Slot) Capabilities() (models.Capabilities, error) {
	caps := models.Capabilities{}
	if s.Stereotype != "" {
		if err := json.Unmarshal([]byte(s.Stereotype), &caps); err != nil {
			return nil, errors.Wrap(err, "invalid slot stereotype")
		}
	}
	if s.BrowserName != "" {
		caps[models.CapBrowserName] = s.BrowserName
	}
	if s.BrowserVersion != "" {
		caps[models.CapBrowserVersion] = s.BrowserVersion
	}
	if s.PlatformName != "" {
		caps[models.CapPlatformName] = s.PlatformName
	}
	if len(caps) == 0 {
		return nil, errors.New("slot stereotype is empty")
	}
	return caps, nil
}

// Node settings
type Node struct {
	Listen          string
	PublicURL       string
	ID              string
	Hub             string
	Secret          string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	MaxSessions      int
	SessionTimeout   time.Duration
	DrainAfter       int
	RegisterInterval time.Duration
	Slots            []Slot
}

// HubFlags registers hub flags on fs and returns a viper instance bound to them
func HubFlags(fs *pflag.FlagSet) (*viper.Viper, error) {
	return bind(fs, append(append([]option{}, commonOptions...), hubOptions...))
}

// NodeFlags registers node flags on fs and returns a viper instance bound to them
func NodeFlags(fs *pflag.FlagSet) (*viper.Viper, error) {
	return bind(fs, append(append([]option{}, commonOptions...), nodeOptions...))
}

func bind(fs *pflag.FlagSet, opts []option) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, o := range opts {
		v.SetDefault(o.key, o.def)
		if fs == nil || fs.Lookup(o.key) != nil {
			continue
		}
		switch def := o.def.(type) {
		case int:
			fs.Int(o.key, def, o.usage)
		case bool:
			fs.Bool(o.key, def, o.usage)
		default:
			fs.String(o.key, def.(string), o.usage)
		}
	}

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, errors.Wrap(err, "failed to bind flags")
		}
	}
	return v, nil
}

// ReadFiles loads envFile into the process environment and configFile into v.
// A missing default .env is not an error; explicitly named files must exist.
func ReadFiles(v *viper.Viper, envFile, configFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return errors.Wrapf(err, "failed to load %s", envFile)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrap(err, "failed to load .env")
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config file %s", configFile)
		}
	}
	return nil
}

// LoadHub resolves hub settings from v
func LoadHub(v *viper.Viper) (Hub, error) {
	p := parser{v: v}
	h := Hub{
		Listen:                v.GetString("listen"),
		PublicURL:             v.GetString("public-url"),
		Secret:                v.GetString("registration-secret"),
		LogLevel:              v.GetString("log-level"),
		LogFormat:             v.GetString("log-format"),
		ShutdownTimeout:       p.duration("shutdown-timeout"),
		QueueCapacity:         v.GetInt("queue-capacity"),
		SessionRequestTimeout: p.duration("session-request-timeout"),
		QueueSweepInterval:    p.duration("queue-sweep-interval"),
		HealthCheckInterval:   p.duration("healthcheck-interval"),
		HealthCheckRetry:      p.duration("healthcheck-retry"),
		UnhealthyThreshold:    v.GetInt("unhealthy-threshold"),
		NodeDownPurge:         p.duration("node-down-purge"),
		MatchInterval:         p.duration("match-interval"),
		SessionCreateTimeout:  p.duration("session-create-timeout"),
		RedisURL:              v.GetString("redis-url"),
		RateLimitPerHour:      v.GetInt("ratelimit-per-hour"),
		RateLimitBurst:        v.GetInt("ratelimit-burst"),
	}
	if p.err != nil {
		return Hub{}, p.err
	}
	if h.SessionRequestTimeout <= 0 {
		return Hub{}, errors.New("session-request-timeout must be positive")
	}
	if h.QueueCapacity < 0 {
		return Hub{}, errors.New("queue-capacity cannot be negative")
	}
	return h, nil
}

// LoadNode resolves node settings from v
func LoadNode(v *viper.Viper) (Node, error) {
	p := parser{v: v}
	n := Node{
		Listen:           v.GetString("listen"),
		PublicURL:        v.GetString("public-url"),
		ID:               v.GetString("id"),
		Hub:              v.GetString("hub"),
		Secret:           v.GetString("registration-secret"),
		LogLevel:         v.GetString("log-level"),
		LogFormat:        v.GetString("log-format"),
		ShutdownTimeout:  p.duration("shutdown-timeout"),
		MaxSessions:      v.GetInt("max-sessions"),
		SessionTimeout:   p.duration("session-timeout"),
		DrainAfter:       v.GetInt("drain-after"),
		RegisterInterval: p.duration("register-interval"),
	}
	if p.err != nil {
		return Node{}, p.err
	}

	slots, err := loadSlots(v)
	if err != nil {
		return Node{}, err
	}
	n.Slots = slots

	if n.PublicURL == "" {
		n.PublicURL = advertised(n.Listen)
	}
	return n, nil
}

// loadSlots accepts a list from a config file, a JSON string from a flag or
// the environment, or falls back to a single slot built from flags.
func loadSlots(v *viper.Viper) ([]Slot, error) {
	var slots []Slot
	switch raw := v.Get("slots").(type) {
	case string:
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &slots); err != nil {
				return nil, errors.Wrap(err, "invalid slots")
			}
		}
	case nil:
	default:
		if err := v.UnmarshalKey("slots", &slots); err != nil {
			return nil, errors.Wrap(err, "invalid slots")
		}
	}

	if len(slots) == 0 {
		slot := Slot{
			BrowserName: v.GetString("browser-name"),
			Count:       v.GetInt("max-sessions"),
			DriverURL:   v.GetString("driver-url"),
			DockerImage: v.GetString("docker-image"),
		}
		if slot.DriverURL == "" && slot.DockerImage == "" {
			return nil, errors.New("node needs slots, a driver-url or a docker-image")
		}
		slots = []Slot{slot}
	}

	for i := range slots {
		s := &slots[i]
		if s.Count <= 0 {
			s.Count = 1
		}
		if (s.DriverURL == "") == (s.DockerImage == "") {
			return nil, errors.Newf("slot %d needs exactly one of driver-url or docker-image", i)
		}
		if _, err := s.Capabilities(); err != nil {
			return nil, errors.Wrapf(err, "slot %d", i)
		}
	}
	return slots, nil
}

// advertised turns a listen address into a URL other hosts can try
func advertised(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		if name, err := os.Hostname(); err == nil {
			host = name
		} else {
			host = "localhost"
		}
	}
	return "http://" + net.JoinHostPort(host, port)
}

// parser keeps the first duration error so loaders can read every key first
type parser struct {
	v   *viper.Viper
	err error
}

func (p *parser) duration(key string) time.Duration {
	d, err := ParseDuration(p.v.GetString(key))
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "invalid %s", key)
	}
	return d
}

// ParseDuration accepts Go durations plus day and week units ("1d", "2w3d")
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	return str2duration.ParseDuration(s)
}
