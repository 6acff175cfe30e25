package bridge

// Config toggles pipeline stages independently. A disabled stage is
// replaced by a neutral passthrough.
type Config struct {
	IntentParsing  bool `yaml:"intent_parsing" json:"intentParsing"`
	Governance     bool `yaml:"governance" json:"governance"`
	Execution      bool `yaml:"execution" json:"execution"`
	Audit          bool `yaml:"audit" json:"audit"`
	AutoExecute    bool `yaml:"auto_execute" json:"autoExecute"`
	SummaryEnabled bool `yaml:"summary" json:"summaryEnabled"`
}

// DefaultConfig enables every stage. Auto-execution stays off so callers
// have to opt in.
func DefaultConfig() Config {
	return Config{
		IntentParsing:  true,
		Governance:     true,
		Execution:      true,
		Audit:          true,
		AutoExecute:    false,
		SummaryEnabled: true,
	}
}
