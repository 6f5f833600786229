package types

import "testing"

func TestProvider_InjectOfficialCodexInstructions(t *testing.T) {
	cases := []struct {
		name         string
		strategy     string
		globalToggle bool
		want         bool
	}{
		{"force_official always injects", CodexInstructionsForceOfficial, false, true},
		{"explicit passthrough ignores global toggle", "passthrough", true, false},
		{"unset strategy defers to global toggle on", "", true, true},
		{"unset strategy defers to global toggle off", "", false, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := Provider{CodexInstructionsStrategy: tc.strategy}
			if got := p.InjectOfficialCodexInstructions(tc.globalToggle); got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}
