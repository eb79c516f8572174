// Package config holds the process-wide settings for the dev sidecar.
//
// Values are assembled through a layered precedence chain: built-in
// defaults, then the process environment (JSX_TOOL_*), then the project's
// .jsxtool/config.json, then explicit overrides (CLI/plugin). Load builds
// the Config on its own local value and returns it only once every layer
// and validation has run, so a Config handed to a reader is never
// observed half-written.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
)

// Protocol enums.
const (
	ProtoHTTP  = "http"
	ProtoHTTPS = "https"
	ProtoWS    = "ws"
	ProtoWSS   = "wss"
)

// Config is the single process-wide settings record described in spec §3.
type Config struct {
	ServerHost     string `json:"serverHost"`
	ServerPort     int    `json:"serverPort"`
	ServerProtocol string `json:"serverProtocol"`

	ProxyHost     string `json:"proxyHost"`
	ProxyPort     int    `json:"proxyPort"`
	ProxyProtocol string `json:"proxyProtocol"`

	WSHost     string `json:"wsHost"`
	WSPort     int    `json:"wsPort"`
	WSProtocol string `json:"wsProtocol"`

	WorkingDirectory      string   `json:"workingDirectory"`
	NodeModulesDir        string   `json:"nodeModulesDir"`
	AdditionalDirectories []string `json:"additionalDirectories"`

	InjectAt      string `json:"injectAt"`
	Debug         bool   `json:"debug"`
	Insecure      bool   `json:"insecure"`
	NoProxy       bool   `json:"noProxy"`
	EnableLogging bool   `json:"enableLogging"`

	KeyRegistryURL string `json:"keyRegistryUrl"`
}

// ConfigFileName is the project-relative path to the on-disk config file.
const ConfigFileName = ".jsxtool/config.json"

// Defaults returns the built-in baseline configuration.
func Defaults(workingDirectory string) Config {
	return Config{
		ServerHost:            "localhost",
		ServerPort:            3000,
		ServerProtocol:        ProtoHTTP,
		ProxyHost:             "localhost",
		ProxyPort:             12020,
		ProxyProtocol:         ProtoHTTP,
		WSHost:                "localhost",
		WSPort:                12021,
		WSProtocol:            ProtoWS,
		WorkingDirectory:      workingDirectory,
		NodeModulesDir:        filepath.Join(workingDirectory, "node_modules"),
		AdditionalDirectories: nil,
		InjectAt:              "</head>",
		Debug:                 false,
		Insecure:              false,
		NoProxy:               false,
		EnableLogging:         true,
		KeyRegistryURL:        "https://registry.jsx-tool.dev",
	}
}

// Option is an explicit CLI/plugin override applied last in the chain.
type Option func(*Config)

// Load builds the effective configuration: defaults, then environment,
// then the project config file (if present), then opts.
func Load(workingDirectory string, opts ...Option) (Config, error) {
	cfg := Defaults(workingDirectory)
	cfg = applyEnv(cfg)

	path := filepath.Join(workingDirectory, ConfigFileName)
	fileCfg, err := applyFile(cfg, path)
	if err != nil {
		return Config{}, trace.Wrap(err, "loading %v", path)
	}
	cfg = fileCfg

	for _, opt := range opts {
		opt(&cfg)
	}

	cfg.AdditionalDirectories = canonicalizeDirs(cfg.WorkingDirectory, cfg.AdditionalDirectories)

	if err := cfg.CheckAndSetDefaults(); err != nil {
		return Config{}, trace.Wrap(err)
	}
	return cfg, nil
}

// CheckAndSetDefaults validates the configuration, following the teacher's
// CheckAndSetDefaults idiom used throughout lib/teleterm and lib/srv.
func (c *Config) CheckAndSetDefaults() error {
	info, err := os.Stat(c.WorkingDirectory)
	if err != nil {
		return trace.Wrap(err, "working directory %q", c.WorkingDirectory)
	}
	if !info.IsDir() {
		return trace.BadParameter("working directory %q is not a directory", c.WorkingDirectory)
	}

	if c.ServerProtocol != ProtoHTTP && c.ServerProtocol != ProtoHTTPS {
		return trace.BadParameter("serverProtocol must be http or https, got %q", c.ServerProtocol)
	}
	if c.ProxyProtocol != ProtoHTTP && c.ProxyProtocol != ProtoHTTPS {
		return trace.BadParameter("proxyProtocol must be http or https, got %q", c.ProxyProtocol)
	}
	if c.WSProtocol != ProtoWS && c.WSProtocol != ProtoWSS {
		return trace.BadParameter("wsProtocol must be ws or wss, got %q", c.WSProtocol)
	}

	for name, port := range map[string]int{
		"serverPort": c.ServerPort,
		"proxyPort":  c.ProxyPort,
		"wsPort":     c.WSPort,
	} {
		if port < 1 || port > 65535 {
			return trace.BadParameter("%v must be in [1,65535], got %v", name, port)
		}
	}

	if c.NodeModulesDir == "" {
		c.NodeModulesDir = filepath.Join(c.WorkingDirectory, "node_modules")
	}
	if c.InjectAt == "" {
		c.InjectAt = "</head>"
	}
	return nil
}

// WSURL is the websocket URL a client should connect to.
func (c Config) WSURL() string {
	return fmt.Sprintf("%v://%v:%v", c.WSProtocol, c.WSHost, c.WSPort)
}

func applyEnv(cfg Config) Config {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv("JSX_TOOL_" + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv("JSX_TOOL_" + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := os.LookupEnv("JSX_TOOL_" + key); ok {
			*dst = v == "1" || strings.EqualFold(v, "true")
		}
	}

	str("SERVER_HOST", &cfg.ServerHost)
	num("SERVER_PORT", &cfg.ServerPort)
	str("SERVER_PROTOCOL", &cfg.ServerProtocol)
	str("PROXY_HOST", &cfg.ProxyHost)
	num("PROXY_PORT", &cfg.ProxyPort)
	str("PROXY_PROTOCOL", &cfg.ProxyProtocol)
	str("WS_HOST", &cfg.WSHost)
	num("WS_PORT", &cfg.WSPort)
	str("WS_PROTOCOL", &cfg.WSProtocol)
	str("INJECT_AT", &cfg.InjectAt)
	str("KEY_REGISTRY_URL", &cfg.KeyRegistryURL)
	boolean("DEBUG", &cfg.Debug)
	boolean("INSECURE", &cfg.Insecure)
	boolean("NO_PROXY", &cfg.NoProxy)
	boolean("ENABLE_LOGGING", &cfg.EnableLogging)
	if v, ok := os.LookupEnv("JSX_TOOL_ADDITIONAL_DIRECTORIES"); ok && v != "" {
		cfg.AdditionalDirectories = strings.Split(v, string(os.PathListSeparator))
	}
	return cfg
}

func applyFile(cfg Config, path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, trace.ConvertSystemError(err)
	}

	var onDisk Config
	onDisk = cfg
	if err := json.Unmarshal(data, &onDisk); err != nil {
		return Config{}, trace.Wrap(err, "parsing %v", path)
	}
	return onDisk, nil
}

// canonicalizeDirs resolves each directory to an absolute path, drops
// duplicates, and removes any directory already contained by another
// (parent absorbs descendant), matching the watcher's root-collapsing
// rule in spec §4.1.
func canonicalizeDirs(workingDirectory string, dirs []string) []string {
	abs := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if !filepath.IsAbs(d) {
			d = filepath.Join(workingDirectory, d)
		}
		abs = append(abs, filepath.Clean(d))
	}

	out := make([]string, 0, len(abs))
	for i, d := range abs {
		absorbed := false
		for j, other := range abs {
			if i == j {
				continue
			}
			if other == d {
				if j < i {
					absorbed = true
				}
				continue
			}
			if isWithin(d, other) {
				absorbed = true
				break
			}
		}
		if !absorbed {
			out = append(out, d)
		}
	}
	return dedup(out)
}

func isWithin(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func dedup(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
