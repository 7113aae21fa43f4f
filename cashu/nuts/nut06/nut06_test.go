package nut06

import (
	"encoding/json"
	"testing"

	"github.com/nutdo/nutdo/cashu/nuts/nut17"
)

func TestNutsUnmarshalMpp(t *testing.T) {
	tests := []struct {
		name     string
		info     string
		expected bool
	}{
		{
			name:     "object format",
			info:     `{"nuts":{"15":{"methods":[{"method":"bolt11","unit":"sat"}]}}}`,
			expected: true,
		},
		{
			name:     "list format",
			info:     `{"nuts":{"15":[{"method":"bolt11","unit":"sat"}]}}`,
			expected: true,
		},
		{
			name:     "other unit",
			info:     `{"nuts":{"15":{"methods":[{"method":"bolt11","unit":"usd"}]}}}`,
			expected: false,
		},
		{
			name:     "missing",
			info:     `{"nuts":{"4":{"methods":[],"disabled":false}}}`,
			expected: false,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			var info MintInfo
			if err := json.Unmarshal([]byte(test.info), &info); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if supported := info.Nuts.SupportsMpp("sat"); supported != test.expected {
				t.Fatalf("expected '%v' but got '%v'", test.expected, supported)
			}
		})
	}
}

func TestSupportsWebsocket(t *testing.T) {
	info := `{"name":"test","contact":[["email","a@b.c"]],"nuts":{"17":{"supported":[{"method":"bolt11","unit":"sat","commands":["bolt11_mint_quote","proof_state"]}]}}}`

	var mintInfo MintInfo
	if err := json.Unmarshal([]byte(info), &mintInfo); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mintInfo.Name != "test" {
		t.Fatalf("expected name '%v' but got '%v'", "test", mintInfo.Name)
	}
	if !mintInfo.Nuts.SupportsWebsocket(nut17.ProofState, "sat") {
		t.Fatal("expected proof_state subscriptions to be supported")
	}
	if mintInfo.Nuts.SupportsWebsocket(nut17.Bolt11MeltQuote, "sat") {
		t.Fatal("did not expect melt quote subscriptions to be supported")
	}
}
