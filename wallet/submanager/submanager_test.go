package submanager

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut04"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
	"github.com/nutdo/nutdo/testutils"
	"github.com/nutdo/nutdo/wallet/client"
)

func TestWebsocketURL(t *testing.T) {
	tests := []struct {
		mint     string
		expected string
	}{
		{"http://localhost:3338", "ws://localhost:3338/v1/ws"},
		{"https://mint.example.com", "wss://mint.example.com/v1/ws"},
		{"https://mint.example.com/cashu/", "wss://mint.example.com/cashu/v1/ws"},
	}

	for _, test := range tests {
		wsURL, err := WebsocketURL(test.mint)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if wsURL != test.expected {
			t.Fatalf("expected '%v' but got '%v'", test.expected, wsURL)
		}
	}
}

func TestNewSubscriptionManagerUnsupported(t *testing.T) {
	_, err := NewSubscriptionManager(context.Background(), "http://localhost:3338", nil)
	if !errors.Is(err, ErrNUT17NotSupported) {
		t.Fatalf("expected '%v' but got '%v'", ErrNUT17NotSupported, err)
	}
}

func readQuoteState(t *testing.T, sub *Subscription) nut04.State {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notification, err := sub.Read(ctx)
	if err != nil {
		t.Fatalf("error reading notification: %v", err)
	}
	if notification.Params.SubId != sub.SubId() {
		t.Fatalf("expected notification for '%v' but got '%v'", sub.SubId(), notification.Params.SubId)
	}
	var quote nut04.PostMintQuoteBolt11Response
	if err := json.Unmarshal(notification.Params.Payload, &quote); err != nil {
		t.Fatalf("error decoding payload: %v", err)
	}
	return quote.State
}

func TestSubscribe(t *testing.T) {
	fm, err := testutils.NewFakeMint(testutils.FakeMintConfig{Websocket: true})
	if err != nil {
		t.Fatal(err)
	}
	defer fm.Close()
	ctx := context.Background()

	supported := []nut17.SupportedMethod{{
		Method:   cashu.BOLT11_METHOD,
		Unit:     cashu.Sat.String(),
		Commands: []string{nut17.Bolt11MintQuote.String()},
	}}
	manager, err := NewSubscriptionManager(ctx, fm.URL(), supported)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer manager.Close()
	errChan := make(chan error, 1)
	go manager.Run(errChan)

	if manager.IsSubscriptionKindSupported(nut17.ProofState) {
		t.Fatal("expected proof state subscriptions to be unsupported")
	}
	if _, err := manager.Subscribe(ctx, nut17.ProofState, []string{"Y"}); err == nil {
		t.Fatal("expected error subscribing to unsupported kind")
	}
	if _, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, nil); err == nil {
		t.Fatal("expected error subscribing without filters")
	}
	if _, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{"unknown"}); err == nil {
		t.Fatal("expected error subscribing to unknown quote")
	}

	quote, err := client.PostMintQuoteBolt11(ctx, fm.URL(), nut04.PostMintQuoteBolt11Request{
		Amount: 21,
		Unit:   cashu.Sat.String(),
	})
	if err != nil {
		t.Fatalf("error requesting mint quote: %v", err)
	}

	sub, err := manager.Subscribe(ctx, nut17.Bolt11MintQuote, []string{quote.Quote})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sub.Kind() != nut17.Bolt11MintQuote {
		t.Fatalf("expected kind '%v' but got '%v'", nut17.Bolt11MintQuote, sub.Kind())
	}
	if state := readQuoteState(t, sub); state != nut04.Unpaid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Unpaid, state)
	}

	if err := fm.PayMintQuote(quote.Quote); err != nil {
		t.Fatal(err)
	}
	if state := readQuoteState(t, sub); state != nut04.Paid {
		t.Fatalf("expected '%v' but got '%v'", nut04.Paid, state)
	}

	if err := manager.CloseSubscription(sub.SubId()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := sub.Read(ctx); !errors.Is(err, ErrSubscriptionClosed) {
		t.Fatalf("expected '%v' but got '%v'", ErrSubscriptionClosed, err)
	}
	if err := manager.CloseSubscription(sub.SubId()); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Fatalf("expected '%v' but got '%v'", ErrSubscriptionNotFound, err)
	}

	select {
	case err := <-errChan:
		t.Fatalf("unexpected error from manager: %v", err)
	default:
	}
}
