package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	_ "embed"
)

const (
	ModeContinuous = "continuous"
	ModeInterval   = "interval"
	ModeDelay      = "delay"

	LogFormatJSON = "json"
	LogFormatText = "text"

	// EnvPrefix prefixes every configuration key read from the environment,
	// e.g. OVERSEER_SCHEDULE_MODE. PORT is accepted without the prefix.
	EnvPrefix = "OVERSEER"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource, cue.Filename("config.cue"))
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version" mapstructure:"version"` // fixed 0 for now
	Service  Service  `json:"service" yaml:"service" mapstructure:"service"`
	HTTP     HTTP     `json:"http" yaml:"http" mapstructure:"http"`
	Task     Task     `json:"task" yaml:"task" mapstructure:"task"`
	Schedule Schedule `json:"schedule" yaml:"schedule" mapstructure:"schedule"`
}

// Service holds process wide settings.
type Service struct {
	Name      string `json:"name" yaml:"name" mapstructure:"name"` // reported by /health
	Verbose   bool   `json:"verbose" yaml:"verbose" mapstructure:"verbose"`
	LogFormat string `json:"log_format" yaml:"log_format" mapstructure:"log_format"` // "json" | "text"
	Timezone  string `json:"timezone" yaml:"timezone" mapstructure:"timezone"`       // local time of the status page
}

// HTTP configures the status listener.
type HTTP struct {
	Host            string   `json:"host" yaml:"host" mapstructure:"host"`
	Port            int      `json:"port" yaml:"port" mapstructure:"port"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

// Addr returns host:port the status listener binds to.
func (h HTTP) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// Task describes the external command. Path wins over the interpreter
// selection; otherwise PlatformInterpreter is used when the variable named
// PlatformEnv is set and Interpreter when it is not.
type Task struct {
	Path                string            `json:"path" yaml:"path" mapstructure:"path"`
	Interpreter         string            `json:"interpreter" yaml:"interpreter" mapstructure:"interpreter"`
	PlatformInterpreter string            `json:"platform_interpreter" yaml:"platform_interpreter" mapstructure:"platform_interpreter"`
	PlatformEnv         string            `json:"platform_env" yaml:"platform_env" mapstructure:"platform_env"`
	Args                []string          `json:"args" yaml:"args" mapstructure:"args"`
	Env                 map[string]string `json:"env" yaml:"env" mapstructure:"env"`
	Dir                 string            `json:"dir" yaml:"dir" mapstructure:"dir"`
	Timeout             Duration          `json:"timeout" yaml:"timeout" mapstructure:"timeout"`
	KillGrace           Duration          `json:"kill_grace" yaml:"kill_grace" mapstructure:"kill_grace"`
	TerminateOnShutdown bool              `json:"terminate_on_shutdown" yaml:"terminate_on_shutdown" mapstructure:"terminate_on_shutdown"`
}

type Schedule struct {
	Mode            string     `json:"mode" yaml:"mode" mapstructure:"mode"`
	StartupDelay    Duration   `json:"startup_delay" yaml:"startup_delay" mapstructure:"startup_delay"`
	RestartCooldown Duration   `json:"restart_cooldown" yaml:"restart_cooldown" mapstructure:"restart_cooldown"`
	Continuous      Continuous `json:"continuous" yaml:"continuous" mapstructure:"continuous"`
	Interval        Interval   `json:"interval" yaml:"interval" mapstructure:"interval"`
	Delay           Delay      `json:"delay" yaml:"delay" mapstructure:"delay"`
}

type Continuous struct {
	After            Duration `json:"after" yaml:"after" mapstructure:"after"`
	AfterFailure     Duration `json:"after_failure" yaml:"after_failure" mapstructure:"after_failure"`
	AfterLaunchError Duration `json:"after_launch_error" yaml:"after_launch_error" mapstructure:"after_launch_error"`
}

// Interval keeps MinGap between run starts. Eligibility is checked every
// Check, or on Cron when it is not empty.
type Interval struct {
	MinGap           Duration `json:"min_gap" yaml:"min_gap" mapstructure:"min_gap"`
	Check            Duration `json:"check" yaml:"check" mapstructure:"check"`
	Cron             string   `json:"cron" yaml:"cron" mapstructure:"cron"`
	AfterLaunchError Duration `json:"after_launch_error" yaml:"after_launch_error" mapstructure:"after_launch_error"`
}

type Delay struct {
	After      Duration `json:"after" yaml:"after" mapstructure:"after"`
	AfterError Duration `json:"after_error" yaml:"after_error" mapstructure:"after_error"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Service: Service{
			Name:      "inplay-football-scraper",
			LogFormat: LogFormatJSON,
			Timezone:  "Europe/London",
		},
		HTTP: HTTP{
			Host:            "0.0.0.0",
			Port:            3000,
			ShutdownTimeout: Duration(30 * time.Second),
		},
		Task: Task{
			Interpreter:         "python3",
			PlatformInterpreter: "python",
			PlatformEnv:         "RAILWAY_ENVIRONMENT",
			Args:                []string{"inplay_football_requests_scraper.py"},
			Timeout:             Duration(10 * time.Minute),
			KillGrace:           Duration(10 * time.Second),
			TerminateOnShutdown: true,
		},
		Schedule: Schedule{
			Mode:            ModeContinuous,
			StartupDelay:    Duration(30 * time.Second),
			RestartCooldown: Duration(60 * time.Second),
			Continuous: Continuous{
				After:            Duration(1 * time.Second),
				AfterFailure:     Duration(1 * time.Second),
				AfterLaunchError: Duration(30 * time.Second),
			},
			Interval: Interval{
				MinGap:           Duration(5 * time.Minute),
				Check:            Duration(1 * time.Minute),
				AfterLaunchError: Duration(30 * time.Second),
			},
			Delay: Delay{
				After:      Duration(5 * time.Minute),
				AfterError: Duration(1 * time.Minute),
			},
		},
	}
}

// NewViper returns a viper instance with all defaults registered and the
// environment bound. configPath is optional.
func NewViper(configPath string) (*viper.Viper, error) {
	v := viper.New()
	defaults, err := asMap(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("preparing defaults: %w", err)
	}
	setDefaults(v, "", defaults)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("http.port", "PORT", EnvPrefix+"_HTTP_PORT"); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configPath, err)
		}
	}
	return v, nil
}

// LoadConfig reads defaults, the optional config file and the environment,
// then validates the result against the CUE schema.
func LoadConfig(configPath string) (Config, error) {
	v, err := NewViper(configPath)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(v)
}

// ParseConfig decodes and validates the configuration held by v.
func ParseConfig(v *viper.Viper) (Config, error) {
	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		DurationHook(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate unifies the configuration with the embedded CUE schema.
func (c Config) Validate() error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	value := cueCtx.CompileBytes(raw, cue.Filename("config.json"))
	if value.Err() != nil {
		return value.Err()
	}

	unified := schema.Unify(value)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return err
	}

	if c.Schedule.Mode == ModeInterval && c.Schedule.Interval.Cron != "" {
		if err := ParseCron(c.Schedule.Interval.Cron); err != nil {
			return fmt.Errorf("parsing schedule.interval.cron: %w", err)
		}
	}
	return nil
}

func asMap(cfg Config) (map[string]any, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	err = json.Unmarshal(raw, &m)
	return m, err
}

func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, value := range m {
		key := prefix + k
		if nested, ok := value.(map[string]any); ok && k != "env" {
			setDefaults(v, key+".", nested)
			continue
		}
		v.SetDefault(key, value)
	}
}
