package advisor

// Provider identifies an AI advisor backend.
type Provider string

const (
	ProviderRequesty   Provider = "requesty"
	ProviderDeepseek   Provider = "deepseek"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
)

// providerOrder is the fixed failover priority.
var providerOrder = []Provider{
	ProviderRequesty,
	ProviderDeepseek,
	ProviderOpenRouter,
	ProviderOpenAI,
}

var baseURLs = map[Provider]string{
	ProviderRequesty:   "https://api.requesty.ai/v1",
	ProviderDeepseek:   "https://api.deepseek.com/v1",
	ProviderOpenRouter: "https://openrouter.ai/api/v1",
	ProviderOpenAI:     "https://api.openai.com/v1",
}

var defaultModels = map[Provider]string{
	ProviderRequesty:   "openai/gpt-4o-mini",
	ProviderDeepseek:   "deepseek-chat",
	ProviderOpenRouter: "openai/gpt-4o-mini",
	ProviderOpenAI:     "gpt-4o-mini",
}

// BaseURL returns the provider's API root.
func (p Provider) BaseURL() string {
	return baseURLs[p]
}

// DefaultModel returns the model used when config doesn't override it.
func (p Provider) DefaultModel() string {
	return defaultModels[p]
}

// Known reports whether p is a supported provider.
func (p Provider) Known() bool {
	_, ok := baseURLs[p]
	return ok
}
