package pipeline

// Builtin preset names.
const (
	PresetStandard = "standard-analysis"
	PresetQuick    = "quick-take"
)

// Presets returns the builtin pipeline specs keyed by preset name.
// The standard pipeline mirrors the full analysis flow: independent data
// gathering, a bull/bear research debate, the trade decision, and a risk
// review. The risk stage is advisory and therefore not required.
func Presets() map[string]Spec {
	return map[string]Spec{
		PresetStandard: {
			Name: PresetStandard,
			Stages: []StageSpec{
				{
					Name:     "gather",
					Required: true,
					Agents: []AgentSpec{
						{ID: "market", Kind: "market"},
						{ID: "news", Kind: "news"},
						{ID: "fundamentals", Kind: "fundamentals"},
						{ID: "sentiment", Kind: "sentiment"},
					},
				},
				{
					Name:     "debate",
					Required: true,
					Agents: []AgentSpec{
						{ID: "bull", Kind: "bull"},
						{ID: "bear", Kind: "bear"},
					},
				},
				{
					Name:     "decide",
					Required: true,
					Agents: []AgentSpec{
						{ID: "trader", Kind: "trader"},
					},
				},
				{
					Name:     "risk",
					Required: false,
					Agents: []AgentSpec{
						{ID: "risk", Kind: "risk"},
					},
				},
			},
		},
		PresetQuick: {
			Name: PresetQuick,
			Stages: []StageSpec{
				{
					Name:     "gather",
					Required: true,
					Agents: []AgentSpec{
						{ID: "market", Kind: "market"},
						{ID: "news", Kind: "news"},
					},
				},
				{
					Name:     "decide",
					Required: true,
					Agents: []AgentSpec{
						{ID: "trader", Kind: "trader"},
					},
				},
			},
		},
	}
}

// Preset returns the builtin spec for name, or ErrUnknownPreset.
func Preset(name string) (Spec, error) {
	spec, ok := Presets()[name]
	if !ok {
		return Spec{}, ErrUnknownPreset
	}
	return spec, nil
}
