package nut17

import (
	"encoding/json"
	"testing"
)

func TestWsMessages(t *testing.T) {
	request := NewSubscribeRequest(ProofState, "sub-1", []string{"02aa"}, 3)
	jsonBytes, err := json.Marshal(request)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := `{"jsonrpc":"2.0","method":"subscribe","params":{"kind":"proof_state","subId":"sub-1","filters":["02aa"]},"id":3}`
	if string(jsonBytes) != expected {
		t.Fatalf("expected '%v' but got '%v'", expected, string(jsonBytes))
	}

	var response WsResponse
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","result":{"status":"OK","subId":"sub-1"},"id":3}`), &response); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if response.Result.Status != OK {
		t.Fatalf("expected status '%v' but got '%v'", OK, response.Result.Status)
	}

	// an error message must not decode as a response
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","error":{"code":-1,"message":"bad"},"id":3}`), &WsResponse{}); err == nil {
		t.Fatal("expected error decoding error message as response")
	}

	var wsErr WsError
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","error":{"code":-1,"message":"bad"},"id":3}`), &wsErr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wsErr.Error() != "bad" {
		t.Fatalf("expected '%v' but got '%v'", "bad", wsErr.Error())
	}

	if kind := StringToKind("bolt11_mint_quote"); kind != Bolt11MintQuote {
		t.Fatalf("expected '%v' but got '%v'", Bolt11MintQuote, kind)
	}
}
