package config

import (
	"fmt"
	"strings"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// knownBackend describes a backend that can be enabled from the environment
// alone.
type knownBackend struct {
	name        string
	adapterType string
	models      []string
	// baseURLRequired backends are OpenAI-compatible services without a
	// public default endpoint.
	baseURLRequired bool
	// singleKeyEnv is an extra variable holding one key.
	singleKeyEnv      string
	requestsPerMinute int
}

// knownBackends are listed in the order they are configured.
var knownBackends = []knownBackend{
	{
		name:              "gemini",
		adapterType:       "gemini",
		models:            []string{"gemini-2.0-flash", "gemini-2.5-flash", "gemini-2.5-pro"},
		requestsPerMinute: 600,
	},
	{
		name:        "openai",
		adapterType: "openai",
		models:      []string{"gpt-3.5-turbo", "gpt-4", "gpt-4-turbo"},
	},
	{
		name:            "nvidia",
		adapterType:     "openai",
		models:          []string{"moonshotai/kimi-k2-instruct-0905"},
		baseURLRequired: true,
		singleKeyEnv:    "NVIDIA_API_KEY",
	},
	{
		name:        "anthropic",
		adapterType: "anthropic",
		models:      []string{"claude-3-opus-20240229", "claude-3-sonnet-20240229", "claude-3-haiku-20240307"},
	},
	{
		name:            "deepseek",
		adapterType:     "openai",
		models:          []string{"deepseek-chat", "deepseek-coder"},
		baseURLRequired: true,
	},
	{
		name:            "qwen",
		adapterType:     "openai",
		models:          []string{"qwen-turbo", "qwen-plus", "qwen-max"},
		baseURLRequired: true,
	},
}

func lookupKnown(name string) (knownBackend, bool) {
	for _, k := range knownBackends {
		if k.name == name {
			return k, true
		}
	}
	return knownBackend{}, false
}

// splitKeys splits a comma-separated key list, dropping blanks.
func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

func appendUnique(dst []string, src ...string) []string {
	for _, s := range src {
		dup := false
		for _, d := range dst {
			if d == s {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, s)
		}
	}
	return dst
}

// ApplyEnv overlays environment settings:
//
//	<NAME>_API_KEYS      comma-separated keys of a known backend
//	NVIDIA_API_KEY       single NVIDIA key
//	<NAME>_API_BASE_URL  endpoint override
//	PRIMARY_LLM_PROVIDER primary backend name
//
// Keys are added to a backend of the same name from the file, or create it
// with built-in defaults. Backends that need a base URL are not created
// without one.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}

	for _, k := range knownBackends {
		prefix := strings.ToUpper(k.name)
		keys := appendUnique(nil, splitKeys(get(prefix+"_API_KEYS"))...)
		if k.singleKeyEnv != "" {
			if single := get(k.singleKeyEnv); single != "" {
				keys = appendUnique(keys, single)
			}
		}
		baseURL := get(prefix + "_API_BASE_URL")

		idx := -1
		for i := range c.Backends {
			if c.Backends[i].Name == k.name {
				idx = i
				break
			}
		}
		if idx >= 0 {
			b := &c.Backends[idx]
			b.APIKeys = appendUnique(b.APIKeys, keys...)
			if baseURL != "" {
				b.BaseURL = baseURL
			}
			continue
		}

		if len(keys) == 0 {
			continue
		}
		if k.baseURLRequired && baseURL == "" {
			c.envWarnings = append(c.envWarnings, Warning{
				Code:    WarningMissingBaseURL,
				Message: fmt.Sprintf("%s keys are set but %s_API_BASE_URL is not; backend not enabled", k.name, prefix),
			})
			continue
		}
		c.Backends = append(c.Backends, BackendConfig{
			Name:              k.name,
			Type:              k.adapterType,
			APIKeys:           keys,
			BaseURL:           baseURL,
			Models:            append([]string(nil), k.models...),
			RequestsPerMinute: k.requestsPerMinute,
		})
	}

	if primary := get("PRIMARY_LLM_PROVIDER"); primary != "" {
		c.PrimaryBackend = strings.ToLower(primary)
	}
}

// applyDefaults fills in the type and models of known backends left empty
// in the file.
func (c *Config) applyDefaults() {
	for i := range c.Backends {
		b := &c.Backends[i]
		k, ok := lookupKnown(b.Name)
		if !ok {
			continue
		}
		if b.Type == "" {
			b.Type = k.adapterType
		}
		if len(b.Models) == 0 {
			b.Models = append([]string(nil), k.models...)
		}
	}
}

// Warning codes.
const (
	WarningNoBackends         = "no_backends"
	WarningMissingBaseURL     = "missing_base_url"
	WarningBackendWithoutKeys = "backend_without_keys"
	WarningPrimaryUnavailable = "primary_unavailable"
)

// Warning is a configuration problem that does not prevent startup.
type Warning struct {
	Code    string
	Message string
}

// Warnings reports usable but suspicious settings.
func (c *Config) Warnings() []Warning {
	out := append([]Warning(nil), c.envWarnings...)

	enabled := 0
	for _, b := range c.Backends {
		if b.Disabled {
			continue
		}
		enabled++
		if len(b.APIKeys) == 0 {
			out = append(out, Warning{
				Code:    WarningBackendWithoutKeys,
				Message: fmt.Sprintf("backend %q has no API keys and will always be skipped", b.Name),
			})
		}
	}
	if enabled == 0 {
		out = append(out, Warning{
			Code:    WarningNoBackends,
			Message: "no generation backends configured; add API keys to the environment or .env",
		})
	}

	if c.PrimaryBackend != "" {
		if b, ok := c.Backend(c.PrimaryBackend); !ok || b.Disabled {
			out = append(out, Warning{
				Code:    WarningPrimaryUnavailable,
				Message: fmt.Sprintf("primary backend %q is not configured", c.PrimaryBackend),
			})
		}
	}
	return out
}
