package model

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"
	"github.com/spf13/viper"

	_ "embed"
)

// Enum helpers (optional).
const (
	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	CodecCBOR = "cbor"
	CodecJSON = "json"
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

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Pool    Pool     `json:"pool" yaml:"pool"`
	Jobs    []Job    `json:"jobs,omitempty" yaml:"jobs,omitempty"`
	Service Service  `json:"service" yaml:"service"`
	Metrics *Metrics `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Trace   *Trace   `json:"trace,omitempty" yaml:"trace,omitempty"`
}

// Pool of worker processes. Zero values mean pool defaults.
type Pool struct {
	Concurrent  int     `json:"concurrent,omitempty" yaml:"concurrent,omitempty"`
	Paralel     int     `json:"paralel,omitempty" yaml:"paralel,omitempty"`
	Attempts    int     `json:"attempts,omitempty" yaml:"attempts,omitempty"`
	IdleTimeout string  `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"` // Go duration, negative disables
	Streams     bool    `json:"streams,omitempty" yaml:"streams,omitempty"`
	Codec       string  `json:"codec,omitempty" yaml:"codec,omitempty"`   // "cbor" | "json"
	Worker      *Worker `json:"worker,omitempty" yaml:"worker,omitempty"` // nil => manticore _worker
}

// Worker command. Env values starting with $ are expanded.
type Worker struct {
	Path string            `json:"path" yaml:"path"`
	Args []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env  map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Dir  string            `json:"dir,omitempty" yaml:"dir,omitempty"`
}

// Job is a task run by the service.
type Job struct {
	Name   string `json:"name" yaml:"name"`
	Task   string `json:"task" yaml:"task"`
	Params any    `json:"params,omitempty" yaml:"params,omitempty"`
	Repeat int    `json:"repeat,omitempty" yaml:"repeat,omitempty"` // 0 => 1
}

type Service struct {
	Mode        string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose     bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log         string         `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	LogRotation *LogRotation   `json:"logRotation,omitempty" yaml:"logRotation,omitempty"`
	Dir         string         `json:"dir,omitempty" yaml:"dir,omitempty"` // output directory
	Schedule    *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Repository  *Repository    `json:"repository,omitempty" yaml:"repository,omitempty"` // remote publication
}

type LogRotation struct {
	MaxSizeMB  int  `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int  `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
	MaxAgeDays int  `json:"maxAgeDays,omitempty" yaml:"maxAgeDays,omitempty"`
	Compress   bool `json:"compress,omitempty" yaml:"compress,omitempty"`
}

// TimerSchedule of the timer mode, either cron or ISO 8601 duration.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Repository publication settings.
type Repository struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
	Auth    Auth   `json:"auth" yaml:"auth"` // discriminated union by Auth.Type
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `json:"type" yaml:"type"`                       // "none" | "static_token"
	Token string `json:"token,omitempty" yaml:"token,omitempty"` // required when Type == "static_token"
}

type Metrics struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type Trace struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Output  string `json:"output" yaml:"output"` // "stdout" | "stderr" | path
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is stored when no configuration exists. It runs a single sum
// of the built-in tasks, so the first run shows the pool works.
func DefaultConfig(_ context.Context) Config {
	return Config{
		Version: 0,
		Pool: Pool{
			Concurrent:  runtime.NumCPU(),
			IdleTimeout: "500ms",
			Codec:       CodecCBOR,
		},
		Jobs: []Job{
			{Name: "hello", Task: "sum", Params: []int{1, 2, 3}},
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  LogStderr,
		},
	}
}

// IdleTimeoutDuration parses IdleTimeout, empty means zero.
func (p Pool) IdleTimeoutDuration() (time.Duration, error) {
	if p.IdleTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(p.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing pool.idleTimeout: %w", err)
	}
	return d, nil
}

// NewViper returns viper reading MANTICORE_* environment variables, keys
// follow the config, so MANTICORE_POOL_CONCURRENT sets pool.concurrent.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MANTICORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies values set in v, from the environment or bound flags,
// over cfg.
func ApplyOverrides(v *viper.Viper, cfg *Config) {
	ints := map[string]*int{
		"pool.concurrent": &cfg.Pool.Concurrent,
		"pool.paralel":    &cfg.Pool.Paralel,
		"pool.attempts":   &cfg.Pool.Attempts,
	}
	for key, dst := range ints {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	strs := map[string]*string{
		"pool.idletimeout": &cfg.Pool.IdleTimeout,
		"pool.codec":       &cfg.Pool.Codec,
		"service.mode":     &cfg.Service.Mode,
		"service.log":      &cfg.Service.Log,
		"service.dir":      &cfg.Service.Dir,
	}
	for key, dst := range strs {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	if v.IsSet("pool.streams") {
		cfg.Pool.Streams = v.GetBool("pool.streams")
	}
	if v.IsSet("service.verbose") {
		cfg.Service.Verbose = v.GetBool("service.verbose")
	}
	if v.IsSet("metrics.addr") {
		if cfg.Metrics == nil {
			cfg.Metrics = &Metrics{}
		}
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = v.GetString("metrics.addr")
	}
	if v.IsSet("trace.output") {
		if cfg.Trace == nil {
			cfg.Trace = &Trace{}
		}
		cfg.Trace.Enabled = true
		cfg.Trace.Output = v.GetString("trace.output")
	}
}
