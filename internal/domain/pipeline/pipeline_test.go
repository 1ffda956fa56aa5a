package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/StrataBot/MarketMind/internal/domain"
)

func validSpec() Spec {
	return Spec{
		Name: "test",
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
				Agents:   []AgentSpec{{ID: "trader", Kind: "trader"}},
			},
		},
	}
}

func TestValidateAccepts(t *testing.T) {
	spec := validSpec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("expected valid spec, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Spec)
		wantErr error
	}{
		{
			name:    "no stages",
			modify:  func(s *Spec) { s.Stages = nil },
			wantErr: ErrNoStages,
		},
		{
			name:    "missing stage name",
			modify:  func(s *Spec) { s.Stages[0].Name = "" },
			wantErr: ErrStageMissingName,
		},
		{
			name:    "duplicate stage name",
			modify:  func(s *Spec) { s.Stages[1].Name = "gather" },
			wantErr: ErrDuplicateStage,
		},
		{
			name:    "stage without agents",
			modify:  func(s *Spec) { s.Stages[0].Agents = nil },
			wantErr: ErrStageNoAgents,
		},
		{
			name:    "missing agent id",
			modify:  func(s *Spec) { s.Stages[0].Agents[0].ID = "" },
			wantErr: ErrAgentMissingID,
		},
		{
			name:    "missing agent kind",
			modify:  func(s *Spec) { s.Stages[0].Agents[0].Kind = "" },
			wantErr: ErrAgentMissingKind,
		},
		{
			name:    "duplicate agent id",
			modify:  func(s *Spec) { s.Stages[0].Agents[1].ID = "market" },
			wantErr: ErrDuplicateAgentID,
		},
		{
			name: "too many agents",
			modify: func(s *Spec) {
				agents := make([]AgentSpec, MaxAgentsPerStage+1)
				for i := range agents {
					agents[i] = AgentSpec{ID: string(rune('a' + i)), Kind: "market"}
				}
				s.Stages[0].Agents = agents
			},
			wantErr: ErrTooManyAgents,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.modify(&spec)

			err := spec.Validate()
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("expected wrapped validation error, got %v", err)
			}
		})
	}
}

func TestAgentCount(t *testing.T) {
	spec := validSpec()
	if got := spec.AgentCount(); got != 3 {
		t.Fatalf("expected 3 agents, got %d", got)
	}
}

func TestPresetsAreValid(t *testing.T) {
	for name, spec := range Presets() {
		if err := spec.Validate(); err != nil {
			t.Errorf("preset %q invalid: %v", name, err)
		}
	}
}

func TestPresetUnknown(t *testing.T) {
	_, err := Preset("nope")
	if !errors.Is(err, ErrUnknownPreset) {
		t.Fatalf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestLoadDirReadsCustomPipelines(t *testing.T) {
	dir := t.TempDir()
	content := `
name: momentum
stages:
  - name: gather
    required: true
    agents:
      - id: market
        kind: market
  - name: decide
    required: true
    agents:
      - id: trader
        kind: trader
`
	if err := os.WriteFile(filepath.Join(dir, "momentum.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	specs, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	spec, ok := specs["momentum"]
	if !ok {
		t.Fatalf("expected momentum pipeline, got %v", specs)
	}
	if len(spec.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(spec.Stages))
	}
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	specs, err := LoadDir("/nonexistent/pipelines")
	if err != nil {
		t.Fatalf("missing dir should not error, got %v", err)
	}
	if len(specs) != 0 {
		t.Fatalf("expected no specs, got %d", len(specs))
	}
}

func TestLoadFileDefaultsNameFromFilename(t *testing.T) {
	dir := t.TempDir()
	content := `
stages:
  - name: gather
    required: true
    agents:
      - id: market
        kind: market
`
	path := filepath.Join(dir, "swing.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	spec, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if spec.Name != "swing" {
		t.Fatalf("expected name swing, got %q", spec.Name)
	}
}

func TestLoadFileRejectsInvalidSpec(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(path, []byte("stages: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFile(path); !errors.Is(err, ErrNoStages) {
		t.Fatalf("expected ErrNoStages, got %v", err)
	}
}
