package config

// LLMSettings are the fully resolved language model parameters for one collection.
type LLMSettings struct {
	ReasonerModel      string
	LightModel         string
	Temperature        float64
	NMostImportantNews int
	KWordsEachSummary  int
	OutputLanguage     string
	PromptTemplate     string
}

// LLMOverrides is one layer of optional LLM settings. Nil fields inherit from the layer below.
type LLMOverrides struct {
	ReasonerModel      *string  `toml:"reasoner_model" yaml:"reasoner_model"`
	LightModel         *string  `toml:"light_model" yaml:"light_model"`
	Temperature        *float64 `toml:"temperature" yaml:"temperature"`
	NMostImportantNews *int     `toml:"n_most_important_news" yaml:"n_most_important_news"`
	KWordsEachSummary  *int     `toml:"k_words_each_summary" yaml:"k_words_each_summary"`
	OutputLanguage     *string  `toml:"output_language" yaml:"output_language"`
	PromptTemplate     *string  `toml:"prompt_template" yaml:"prompt_template"`
}

// DefaultLLM returns the built-in LLM settings.
func DefaultLLM() LLMSettings {
	return LLMSettings{
		ReasonerModel:      "gpt-4o",
		LightModel:         "gpt-4o-mini",
		Temperature:        0.3,
		NMostImportantNews: 5,
		KWordsEachSummary:  100,
		OutputLanguage:     "English",
	}
}

// Merge returns s with every non-nil field of o applied on top.
func (s LLMSettings) Merge(o LLMOverrides) LLMSettings {
	if o.ReasonerModel != nil && *o.ReasonerModel != "" {
		s.ReasonerModel = *o.ReasonerModel
	}
	if o.LightModel != nil && *o.LightModel != "" {
		s.LightModel = *o.LightModel
	}
	if o.Temperature != nil {
		s.Temperature = *o.Temperature
	}
	if o.NMostImportantNews != nil {
		s.NMostImportantNews = *o.NMostImportantNews
	}
	if o.KWordsEachSummary != nil {
		s.KWordsEachSummary = *o.KWordsEachSummary
	}
	if o.OutputLanguage != nil && *o.OutputLanguage != "" {
		s.OutputLanguage = *o.OutputLanguage
	}
	if o.PromptTemplate != nil {
		s.PromptTemplate = *o.PromptTemplate
	}
	return s
}
