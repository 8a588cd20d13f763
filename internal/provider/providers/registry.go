// Package providers wires the built-in adapter families into a registry.
package providers

import (
	"github.com/blueberrycongee/genmux/internal/provider"
	"github.com/blueberrycongee/genmux/internal/provider/anthropic"
	"github.com/blueberrycongee/genmux/internal/provider/gemini"
	"github.com/blueberrycongee/genmux/internal/provider/openai"
)

// Factories maps adapter type names to their factory functions.
// NVIDIA, DeepSeek and Qwen speak the OpenAI protocol and use the "openai"
// type with their own base URL.
var Factories = map[string]provider.Factory{
	openai.AdapterType:    openai.New,
	gemini.AdapterType:    gemini.New,
	anthropic.AdapterType: anthropic.New,
}

// NewRegistry returns a registry with every built-in factory registered.
func NewRegistry() *provider.Registry {
	r := provider.NewRegistry()
	for typ, f := range Factories {
		r.RegisterFactory(typ, f)
	}
	return r
}
