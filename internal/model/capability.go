package model

// Capability is the resolved metadata for one named, versioned operation.
// Produced by the external capability resolver; the pipeline never stores
// these. Each invocation looks them up fresh.
type Capability struct {
	ID               string        `json:"id"`      // "noun.verb"
	Version          string        `json:"version"` // semantic version of the capability contract
	Effects          []EffectLevel `json:"effects"` // declared side effects, worst first
	Sensitivity      int           `json:"sensitivity"`
	InputSchemaHash  string        `json:"input_schema_hash"`  // SHA-256 hex of the canonical input schema
	OutputSchemaHash string        `json:"output_schema_hash"` // SHA-256 hex of the canonical output schema
}

// MaxEffect returns the broadest declared effect, or EffectReadOnly when the
// capability declares none.
func (c Capability) MaxEffect() EffectLevel {
	max := EffectReadOnly
	for _, e := range c.Effects {
		if e > max {
			max = e
		}
	}
	return max
}
