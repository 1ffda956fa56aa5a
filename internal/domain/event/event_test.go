package event

import "testing"

func TestKindTerminal(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindStageStart, false},
		{KindAgentThought, false},
		{KindAgentComplete, false},
		{KindStageComplete, false},
		{KindCostUpdate, false},
		{KindGap, false},
		{KindTaskComplete, true},
		{KindTaskError, true},
	}
	for _, tt := range tests {
		if got := tt.kind.Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestMarshalRoundsPayload(t *testing.T) {
	data := Marshal(GapPayload{RequestedSeq: 3, OldestSeq: 10})
	want := `{"requested_seq":3,"oldest_seq":10}`
	if string(data) != want {
		t.Fatalf("expected %s, got %s", want, data)
	}
}
