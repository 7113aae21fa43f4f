package nut15

import (
	"encoding/json"
	"testing"

	"github.com/nutdo/nutdo/cashu/nuts/nut05"
)

func TestPartialAmountOption(t *testing.T) {
	request := nut05.PostMeltQuoteBolt11Request{
		Request: "lnbc1...",
		Unit:    "sat",
		Options: PartialAmountOption(150),
	}

	jsonBytes, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := `{"request":"lnbc1...","unit":"sat","options":{"mpp":{"amount":150000}}}`
	if string(jsonBytes) != expected {
		t.Fatalf("expected '%v' but got '%v'", expected, string(jsonBytes))
	}
}
