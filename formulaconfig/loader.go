package formulaconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	lua "github.com/yuin/gopher-lua"
)

// Loader loads a Config from a source. Every loader applies defaults and
// validates before returning.
type Loader interface {
	Load(ctx context.Context) (*Config, error)
}

func finish(cfg *Config) (*Config, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// goLoader returns a static config.
type goLoader struct {
	cfg Config
}

// FromGo creates a Loader that returns the provided config directly.
func FromGo(cfg Config) Loader {
	return &goLoader{cfg: cfg}
}

func (l *goLoader) Load(_ context.Context) (*Config, error) {
	cfg := l.cfg
	return finish(&cfg)
}

// envLoader reads process environment variables, optionally seeded from
// dotenv files.
type envLoader struct {
	files []string
}

// FromEnv creates a Loader that reads the environment. The given dotenv files
// (".env" when none are given) are loaded first if they exist; variables
// already set in the process take precedence.
func FromEnv(files ...string) Loader {
	if len(files) == 0 {
		files = []string{".env"}
	}
	return &envLoader{files: files}
}

func (l *envLoader) Load(_ context.Context) (*Config, error) {
	for _, f := range l.files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	// Strict so a malformed value fails instead of falling back to its default.
	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return finish(&cfg)
}

// jsonLoader loads config from a JSON file.
type jsonLoader struct {
	path string
}

// FromJSONFile creates a Loader that reads config from a JSON file.
func FromJSONFile(path string) Loader {
	return &jsonLoader{path: path}
}

// jsonConfig mirrors Config for JSON deserialization.
type jsonConfig struct {
	Okta struct {
		Domain       string `json:"domain"`
		ClientID     string `json:"client_id"`
		ClientSecret string `json:"client_secret"`
	} `json:"okta"`
	Introspection struct {
		Endpoint         string `json:"endpoint"`
		Discovery        bool   `json:"discovery"`
		TimeoutMs        int    `json:"timeout_ms"`
		ClientAuthMethod string `json:"client_auth_method"`
		PrivateKeyFile   string `json:"private_key_file"`
	} `json:"introspection"`
	Policy struct {
		Script     string `json:"script"`
		ScriptFile string `json:"script_file"`
		TimeoutMs  int    `json:"timeout_ms"`
	} `json:"policy"`
	Server struct {
		ListenAddr         string `json:"listen_addr"`
		ProxyHeader        string `json:"proxy_header"`
		ShutdownTimeoutSec int    `json:"shutdown_timeout_sec"`
	} `json:"server"`
	RateLimit struct {
		Max       int    `json:"max"`
		WindowSec int    `json:"window_sec"`
		Strategy  string `json:"strategy"`
		Storage   string `json:"storage"`
	} `json:"rate_limit"`
	Redis struct {
		Addr      string `json:"addr"`
		Password  string `json:"password"`
		DB        int    `json:"db"`
		KeyPrefix string `json:"key_prefix"`
	} `json:"redis"`
	Log struct {
		Level  string `json:"level"`
		Format string `json:"format"`
	} `json:"log"`
	Metrics struct {
		Enabled *bool `json:"enabled"`
	} `json:"metrics"`
}

func (l *jsonLoader) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read json config: %w", err)
	}
	var jc jsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return nil, fmt.Errorf("parse json config: %w", err)
	}
	return finish(jsonToConfig(jc))
}

func jsonToConfig(jc jsonConfig) *Config {
	cfg := &Config{
		Okta: OktaConfig{
			Domain:       jc.Okta.Domain,
			ClientID:     jc.Okta.ClientID,
			ClientSecret: jc.Okta.ClientSecret,
		},
		Introspection: IntrospectionConfig{
			Endpoint:         jc.Introspection.Endpoint,
			Discovery:        jc.Introspection.Discovery,
			Timeout:          time.Duration(jc.Introspection.TimeoutMs) * time.Millisecond,
			ClientAuthMethod: jc.Introspection.ClientAuthMethod,
			PrivateKeyFile:   jc.Introspection.PrivateKeyFile,
		},
		Policy: PolicyConfig{
			Script:     jc.Policy.Script,
			ScriptFile: jc.Policy.ScriptFile,
			Timeout:    time.Duration(jc.Policy.TimeoutMs) * time.Millisecond,
		},
		Server: ServerConfig{
			ListenAddr:      jc.Server.ListenAddr,
			ProxyHeader:     jc.Server.ProxyHeader,
			ShutdownTimeout: time.Duration(jc.Server.ShutdownTimeoutSec) * time.Second,
		},
		RateLimit: RateLimitConfig{
			Max:      jc.RateLimit.Max,
			Window:   time.Duration(jc.RateLimit.WindowSec) * time.Second,
			Strategy: jc.RateLimit.Strategy,
			Storage:  jc.RateLimit.Storage,
		},
		Redis: RedisConfig{
			Addr:      jc.Redis.Addr,
			Password:  jc.Redis.Password,
			DB:        jc.Redis.DB,
			KeyPrefix: jc.Redis.KeyPrefix,
		},
		Log: LogConfig{Level: jc.Log.Level, Format: jc.Log.Format},
		// Metrics stay on unless explicitly disabled.
		Metrics: MetricsConfig{Enabled: jc.Metrics.Enabled == nil || *jc.Metrics.Enabled},
	}
	return cfg
}

// luaLoader loads config from a Lua file.
type luaLoader struct {
	path string
}

// FromLuaFile creates a Loader that reads config from a Lua file. The script
// must return a table shaped like the JSON document.
func FromLuaFile(path string) Loader {
	return &luaLoader{path: path}
}

func (l *luaLoader) Load(_ context.Context) (*Config, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read lua config file: %w", err)
	}
	return LoadLuaString(string(data))
}

// LoadLuaString parses a Lua config string and returns a validated Config.
func LoadLuaString(script string) (*Config, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(pair.fn))
		L.Push(lua.LString(pair.name))
		L.Call(1, 0)
	}
	// env(name) lets a config file read secrets from the environment.
	L.SetGlobal("env", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(os.Getenv(L.CheckString(1))))
		return 1
	}))
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		L.SetGlobal(name, lua.LNil)
	}

	if err := L.DoString(script); err != nil {
		return nil, fmt.Errorf("lua config execution: %w", err)
	}

	ret := L.Get(-1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("lua config must return a table, got %s", ret.Type().String())
	}
	return finish(luaTableToConfig(tbl))
}

func luaTableToConfig(tbl *lua.LTable) *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}

	if t := getTableField(tbl, "okta"); t != nil {
		cfg.Okta.Domain = getStringField(t, "domain")
		cfg.Okta.ClientID = getStringField(t, "client_id")
		cfg.Okta.ClientSecret = getStringField(t, "client_secret")
	}
	if t := getTableField(tbl, "introspection"); t != nil {
		cfg.Introspection.Endpoint = getStringField(t, "endpoint")
		cfg.Introspection.Discovery = getBoolField(t, "discovery")
		cfg.Introspection.Timeout = time.Duration(getNumberField(t, "timeout_ms")) * time.Millisecond
		cfg.Introspection.ClientAuthMethod = getStringField(t, "client_auth_method")
		cfg.Introspection.PrivateKeyFile = getStringField(t, "private_key_file")
	}
	if t := getTableField(tbl, "policy"); t != nil {
		cfg.Policy.Script = getStringField(t, "script")
		cfg.Policy.ScriptFile = getStringField(t, "script_file")
		cfg.Policy.Timeout = time.Duration(getNumberField(t, "timeout_ms")) * time.Millisecond
	}
	if t := getTableField(tbl, "server"); t != nil {
		cfg.Server.ListenAddr = getStringField(t, "listen_addr")
		cfg.Server.ProxyHeader = getStringField(t, "proxy_header")
		cfg.Server.ShutdownTimeout = time.Duration(getNumberField(t, "shutdown_timeout_sec")) * time.Second
	}
	if t := getTableField(tbl, "rate_limit"); t != nil {
		cfg.RateLimit.Max = int(getNumberField(t, "max"))
		cfg.RateLimit.Window = time.Duration(getNumberField(t, "window_sec")) * time.Second
		cfg.RateLimit.Strategy = getStringField(t, "strategy")
		cfg.RateLimit.Storage = getStringField(t, "storage")
	}
	if t := getTableField(tbl, "redis"); t != nil {
		cfg.Redis.Addr = getStringField(t, "addr")
		cfg.Redis.Password = getStringField(t, "password")
		cfg.Redis.DB = int(getNumberField(t, "db"))
		cfg.Redis.KeyPrefix = getStringField(t, "key_prefix")
	}
	if t := getTableField(tbl, "log"); t != nil {
		cfg.Log.Level = getStringField(t, "level")
		cfg.Log.Format = getStringField(t, "format")
	}
	if t := getTableField(tbl, "metrics"); t != nil {
		if v, ok := t.RawGetString("enabled").(lua.LBool); ok {
			cfg.Metrics.Enabled = bool(v)
		}
	}
	return cfg
}

func getStringField(tbl *lua.LTable, key string) string {
	if s, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func getNumberField(tbl *lua.LTable, key string) float64 {
	if n, ok := tbl.RawGetString(key).(lua.LNumber); ok {
		return float64(n)
	}
	return 0
}

func getBoolField(tbl *lua.LTable, key string) bool {
	if b, ok := tbl.RawGetString(key).(lua.LBool); ok {
		return bool(b)
	}
	return false
}

func getTableField(tbl *lua.LTable, key string) *lua.LTable {
	if t, ok := tbl.RawGetString(key).(*lua.LTable); ok {
		return t
	}
	return nil
}
