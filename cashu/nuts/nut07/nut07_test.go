package nut07

import (
	"encoding/json"
	"testing"
)

func TestProofStateJSON(t *testing.T) {
	states := PostCheckStateResponse{
		States: []ProofState{
			{Y: "02aa", State: Spent},
			{Y: "02bb", State: Pending},
			{Y: "02cc", State: Unspent},
		},
	}

	jsonBytes, err := json.Marshal(states)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"states":[{"Y":"02aa","state":"SPENT"},{"Y":"02bb","state":"PENDING"},{"Y":"02cc","state":"UNSPENT"}]}`
	if string(jsonBytes) != expected {
		t.Fatalf("expected '%v' but got '%v'", expected, string(jsonBytes))
	}

	var decoded PostCheckStateResponse
	if err := json.Unmarshal(jsonBytes, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, state := range decoded.States {
		if state != states.States[i] {
			t.Fatalf("expected '%v' but got '%v'", states.States[i], state)
		}
	}

	if err := json.Unmarshal([]byte(`{"Y":"02aa","state":"BURNT"}`), &ProofState{}); err == nil {
		t.Fatal("expected error for invalid state")
	}
}
