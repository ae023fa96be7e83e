package model

// LLMConfig selects the provider and sampling parameters for a generation call.
// Empty fields fall back to the service defaults.
type LLMConfig struct {
	Provider        string   `json:"provider,omitempty" mapstructure:"provider"`
	Model           string   `json:"model,omitempty" mapstructure:"model"`
	Temperature     *float32 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxOutputTokens int32    `json:"max_output_tokens,omitempty" mapstructure:"max_output_tokens"`
}

// Merge returns c with empty fields filled from defaults.
func (c LLMConfig) Merge(defaults LLMConfig) LLMConfig {
	if c.Provider == "" {
		c.Provider = defaults.Provider
	}
	if c.Model == "" && c.Provider == defaults.Provider {
		c.Model = defaults.Model
	}
	if c.Temperature == nil {
		c.Temperature = defaults.Temperature
	}
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = defaults.MaxOutputTokens
	}
	return c
}

// AsMap renders c for storage in a run's input_config.
func (c LLMConfig) AsMap() map[string]any {
	m := map[string]any{
		"provider": c.Provider,
		"model":    c.Model,
	}
	if c.Temperature != nil {
		m["temperature"] = *c.Temperature
	}
	if c.MaxOutputTokens > 0 {
		m["max_output_tokens"] = c.MaxOutputTokens
	}
	return m
}
