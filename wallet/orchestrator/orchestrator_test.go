package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/testutils"
	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/selection"
	"github.com/nutdo/nutdo/wallet/storage"
)

func newFakeMint(t *testing.T, config testutils.FakeMintConfig) *testutils.FakeMint {
	fm, err := testutils.NewFakeMint(config)
	if err != nil {
		t.Fatalf("error starting fake mint: %v", err)
	}
	t.Cleanup(fm.Close)
	return fm
}

func newOrchestrator(t *testing.T, activeMint string) *Orchestrator {
	o, err := New(wallet.Config{WalletPath: t.TempDir(), CurrentMintURL: activeMint})
	if err != nil {
		t.Fatalf("error creating orchestrator: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func fund(t *testing.T, o *Orchestrator, fm *testutils.FakeMint, amount uint64) {
	t.Helper()
	ctx := context.Background()
	session, err := o.Session(ctx, fm.URL())
	if err != nil {
		t.Fatalf("error getting session: %v", err)
	}
	invoice, err := session.CreateMintInvoice(ctx, amount, "")
	if err != nil {
		t.Fatalf("error creating mint invoice: %v", err)
	}
	if err := fm.PayMintQuote(invoice.Quote); err != nil {
		t.Fatalf("error paying mint quote: %v", err)
	}
	if _, err := session.ClaimMint(ctx, invoice.Quote, amount); err != nil {
		t.Fatalf("error claiming mint quote: %v", err)
	}
}

// sendToken funds a separate wallet at fm and returns a token sent from it
func sendToken(t *testing.T, fm *testutils.FakeMint, amount uint64) string {
	t.Helper()
	sender := newOrchestrator(t, fm.URL())
	fund(t, sender, fm, amount)

	session, err := sender.ActiveSession(context.Background())
	if err != nil {
		t.Fatalf("error getting session: %v", err)
	}
	result, err := session.CreateSendToken(context.Background(), amount, wallet.SendOptions{})
	if err != nil {
		t.Fatalf("error creating token: %v", err)
	}
	return result.Token
}

func checkBalance(t *testing.T, o *Orchestrator, mint string, expected uint64) {
	t.Helper()
	balance := o.Balances()[storage.NormalizeMintURL(mint)]
	if balance != expected {
		t.Fatalf("expected balance of '%v' at '%v' but got '%v'", expected, mint, balance)
	}
}

func TestNewSetsActiveMint(t *testing.T) {
	fmA := newFakeMint(t, testutils.FakeMintConfig{})
	fmB := newFakeMint(t, testutils.FakeMintConfig{})
	ctx := context.Background()

	o := newOrchestrator(t, fmA.URL())
	if o.ActiveMint() != fmA.URL() {
		t.Fatalf("expected active mint '%v' but got '%v'", fmA.URL(), o.ActiveMint())
	}

	if err := o.SetActiveMint(ctx, fmB.URL()+"/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ActiveMint() != fmB.URL() {
		t.Fatalf("expected active mint '%v' but got '%v'", fmB.URL(), o.ActiveMint())
	}

	known := o.KnownMints()
	if !slices.Equal(known, []string{fmA.URL(), fmB.URL()}) {
		t.Fatalf("unexpected known mints '%v'", known)
	}

	fmA.SetOffline(true)
	empty := newOrchestrator(t, "")
	if _, err := empty.ActiveSession(ctx); !errors.Is(err, ErrNoActiveMint) {
		t.Fatalf("expected '%v' but got '%v'", ErrNoActiveMint, err)
	}
	if err := empty.SetActiveMint(ctx, fmA.URL()); err == nil {
		t.Fatal("expected error setting unreachable mint as active")
	}
	if empty.ActiveMint() != "" {
		t.Fatalf("expected no active mint but got '%v'", empty.ActiveMint())
	}
}

func TestReceiveTokenActiveMint(t *testing.T) {
	fm := newFakeMint(t, testutils.FakeMintConfig{})
	o := newOrchestrator(t, fm.URL())
	token := sendToken(t, fm, 21)

	result, err := o.ReceiveToken(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.CrossMint || result.Pending {
		t.Fatalf("expected plain receive but got '%+v'", result)
	}
	if result.Amount != 21 {
		t.Fatalf("expected amount '%v' but got '%v'", 21, result.Amount)
	}
	checkBalance(t, o, fm.URL(), 21)
}

func TestReceiveTokenCrossMint(t *testing.T) {
	fmA := newFakeMint(t, testutils.FakeMintConfig{})
	fmB := newFakeMint(t, testutils.FakeMintConfig{})
	o := newOrchestrator(t, fmA.URL())
	fund(t, o, fmA, 10)
	token := sendToken(t, fmB, 8)

	result, err := o.ReceiveToken(context.Background(), token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.CrossMint {
		t.Fatal("expected cross mint receive")
	}
	if result.Mint != fmB.URL() {
		t.Fatalf("expected mint '%v' but got '%v'", fmB.URL(), result.Mint)
	}
	checkBalance(t, o, fmA.URL(), 10)
	checkBalance(t, o, fmB.URL(), 8)
	if o.ActiveMint() != fmA.URL() {
		t.Fatalf("expected active mint to stay '%v' but got '%v'", fmA.URL(), o.ActiveMint())
	}
	if o.Balance() != 18 {
		t.Fatalf("expected total balance of '%v' but got '%v'", 18, o.Balance())
	}
}

func TestReceiveTokenOffline(t *testing.T) {
	fmA := newFakeMint(t, testutils.FakeMintConfig{})
	fmB := newFakeMint(t, testutils.FakeMintConfig{})
	ctx := context.Background()
	o := newOrchestrator(t, fmA.URL())
	fund(t, o, fmA, 4)
	token := sendToken(t, fmB, 16)

	fmB.SetOffline(true)
	result, err := o.ReceiveToken(ctx, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Pending || result.PendingId == "" {
		t.Fatalf("expected queued token but got '%+v'", result)
	}
	pending := o.PendingTokens()
	if len(pending) != 1 || pending[0].Amount != 16 || pending[0].Mint != fmB.URL() {
		t.Fatalf("unexpected pending tokens '%+v'", pending)
	}

	summary, err := o.RedeemPendingTokens(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !summary.Aborted || summary.Remaining != 1 || summary.Amount != 0 {
		t.Fatalf("expected aborted pass with one token left but got '%+v'", summary)
	}
	if pending := o.PendingTokens(); pending[0].Attempts != 1 {
		t.Fatalf("expected '%v' attempt but got '%v'", 1, pending[0].Attempts)
	}
	if lastError := o.PendingTokens()[0].LastError; !client.IsOfflineMessage(lastError) {
		t.Fatalf("expected offline error to be recorded but got '%v'", lastError)
	}

	fmB.SetOffline(false)
	summary, err = o.RedeemPendingTokens(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Amount != 16 || summary.Remaining != 0 || len(summary.Redeemed) != 1 {
		t.Fatalf("expected 16 redeemed with none left but got '%+v'", summary)
	}
	if !summary.Redeemed[0].CrossMint {
		t.Fatal("expected redeemed token to be cross mint")
	}
	checkBalance(t, o, fmB.URL(), 16)
	checkBalance(t, o, fmA.URL(), 4)
}

func TestReceiveTokenCrossMintInitFailure(t *testing.T) {
	fmA := newFakeMint(t, testutils.FakeMintConfig{})
	fmB := newFakeMint(t, testutils.FakeMintConfig{})
	ctx := context.Background()
	o := newOrchestrator(t, fmA.URL())
	fund(t, o, fmA, 4)
	tokenA := sendToken(t, fmA, 2)
	tokenB := sendToken(t, fmB, 8)

	fmB.SetFailing(true)
	result, err := o.ReceiveToken(ctx, tokenB)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Pending || !result.CrossMint {
		t.Fatalf("expected pending cross mint result but got '%+v'", result)
	}
	checkBalance(t, o, fmB.URL(), 0)

	// errors from a ready session are not queued
	fmA.SetFailing(true)
	if _, err := o.ReceiveToken(ctx, tokenA); err == nil {
		t.Fatal("expected error receiving token at failing mint")
	}
	if len(o.PendingTokens()) != 1 {
		t.Fatalf("expected '%v' pending token but got '%v'", 1, len(o.PendingTokens()))
	}
	fmA.SetFailing(false)

	summary, err := o.RedeemPendingTokens(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Failed != 1 || summary.Remaining != 1 || summary.Aborted {
		t.Fatalf("expected failed attempt but got '%+v'", summary)
	}
	if lastError := o.PendingTokens()[0].LastError; lastError == "" || client.IsOfflineMessage(lastError) {
		t.Fatalf("expected mint error to be recorded but got '%v'", lastError)
	}

	fmB.SetFailing(false)
	summary, err = o.RedeemPendingTokens(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summary.Amount != 8 || summary.Remaining != 0 {
		t.Fatalf("expected '%v' redeemed but got '%+v'", 8, summary)
	}
	if !summary.Redeemed[0].CrossMint {
		t.Fatal("expected cross mint redemption")
	}
	checkBalance(t, o, fmB.URL(), 8)
}

func TestReceiveTokenInvalid(t *testing.T) {
	fm := newFakeMint(t, testutils.FakeMintConfig{})
	o := newOrchestrator(t, fm.URL())

	if _, err := o.ReceiveToken(context.Background(), "cashuBnotatoken"); err == nil {
		t.Fatal("expected error decoding invalid token")
	}

	// spent tokens fail without being queued
	token := sendToken(t, fm, 8)
	if _, err := o.ReceiveToken(context.Background(), token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := o.ReceiveToken(context.Background(), token); err == nil {
		t.Fatal("expected error receiving spent token")
	}
	if len(o.PendingTokens()) != 0 {
		t.Fatalf("expected no pending tokens but got '%v'", len(o.PendingTokens()))
	}
	checkBalance(t, o, fm.URL(), 8)
}

func TestRedeemPendingTokenConcurrent(t *testing.T) {
	fm := newFakeMint(t, testutils.FakeMintConfig{})
	ctx := context.Background()
	o := newOrchestrator(t, fm.URL())

	ids := []string{}
	tokens := []string{sendToken(t, fm, 8), sendToken(t, fm, 4)}
	fm.SetOffline(true)
	for _, token := range tokens {
		result, err := o.ReceiveToken(ctx, token)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		ids = append(ids, result.PendingId)
	}
	fm.SetOffline(false)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			o.RedeemPendingTokens(ctx)
		}()
		go func(id string) {
			defer wg.Done()
			o.RedeemPendingToken(ctx, id)
		}(ids[i%2])
	}
	wg.Wait()

	// anything left over is redeemed now
	if _, err := o.RedeemPendingTokens(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(o.PendingTokens()) != 0 {
		t.Fatalf("expected no pending tokens but got '%v'", len(o.PendingTokens()))
	}
	checkBalance(t, o, fm.URL(), 12)

	if _, err := o.RedeemPendingToken(ctx, ids[0]); !errors.Is(err, storage.ErrPendingTokenNotFound) {
		t.Fatalf("expected '%v' but got '%v'", storage.ErrPendingTokenNotFound, err)
	}
}

func TestRankCandidates(t *testing.T) {
	candidates := []Candidate{
		{Mint: "a", Balance: 300},
		{Mint: "b", Balance: 150, Mpp: true},
		{Mint: "c", Balance: 50},
		{Mint: "d", Balance: 20, Active: true},
		{Mint: "e", Balance: 10, Mpp: true, Active: true},
	}

	ranked := RankCandidates(candidates)
	order := make([]string, len(ranked))
	for i, candidate := range ranked {
		order[i] = candidate.Mint
	}
	expected := []string{"e", "b", "d", "a", "c"}
	if !slices.Equal(order, expected) {
		t.Fatalf("expected order '%v' but got '%v'", expected, order)
	}
	if candidates[0].Mint != "a" {
		t.Fatal("input candidates were modified")
	}
}

func fixedFeeQuote(feeReserve uint64, failing ...string) QuoteFunc {
	return func(ctx context.Context, mint string, amount uint64) (*nut05.PostMeltQuoteBolt11Response, error) {
		if slices.Contains(failing, mint) {
			return nil, errors.New("quote failed")
		}
		return &nut05.PostMeltQuoteBolt11Response{
			Quote:      fmt.Sprintf("%v-%v", mint, amount),
			Amount:     amount,
			FeeReserve: feeReserve,
		}, nil
	}
}

func TestPlanAllocation(t *testing.T) {
	tests := []struct {
		name       string
		amount     uint64
		candidates []Candidate
		quote      QuoteFunc
		expected   []Leg
		err        error
	}{
		{
			name:   "mpp mint first",
			amount: 400,
			candidates: []Candidate{
				{Mint: "a", Balance: 300},
				{Mint: "b", Balance: 150, Mpp: true},
				{Mint: "c", Balance: 50},
			},
			quote:    fixedFeeQuote(2),
			expected: []Leg{{Mint: "b", Amount: 148}, {Mint: "a", Amount: 252}},
		},
		{
			name:   "uses every mint",
			amount: 490,
			candidates: []Candidate{
				{Mint: "a", Balance: 300},
				{Mint: "b", Balance: 150},
				{Mint: "c", Balance: 50},
			},
			quote:    fixedFeeQuote(1),
			expected: []Leg{{Mint: "a", Amount: 299}, {Mint: "b", Amount: 149}, {Mint: "c", Amount: 42}},
		},
		{
			name:   "skips mint failing to quote",
			amount: 200,
			candidates: []Candidate{
				{Mint: "a", Balance: 300},
				{Mint: "b", Balance: 250},
			},
			quote:    fixedFeeQuote(0, "a"),
			expected: []Leg{{Mint: "b", Amount: 200}},
		},
		{
			name:   "insufficient",
			amount: 500,
			candidates: []Candidate{
				{Mint: "a", Balance: 300},
				{Mint: "b", Balance: 150},
				{Mint: "c", Balance: 50},
			},
			quote: fixedFeeQuote(2),
			err:   ErrInsufficientAcrossMints,
		},
		{
			name:       "fee reserve larger than balance",
			amount:     10,
			candidates: []Candidate{{Mint: "a", Balance: 3}},
			quote:      fixedFeeQuote(5),
			err:        ErrInsufficientAcrossMints,
		},
		{
			name:   "zero amount",
			amount: 0,
			quote:  fixedFeeQuote(0),
			err:    wallet.ErrInvalidAmount,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			legs, err := PlanAllocation(context.Background(), test.amount, test.candidates, test.quote)
			if test.err != nil {
				if !errors.Is(err, test.err) {
					t.Fatalf("expected error '%v' but got '%v'", test.err, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(legs) != len(test.expected) {
				t.Fatalf("expected '%v' legs but got '%v'", len(test.expected), len(legs))
			}
			var total uint64
			for i, leg := range legs {
				if leg.Mint != test.expected[i].Mint || leg.Amount != test.expected[i].Amount {
					t.Fatalf("expected leg '%v:%v' but got '%v:%v'",
						test.expected[i].Mint, test.expected[i].Amount, leg.Mint, leg.Amount)
				}
				if leg.Quote == nil || leg.Quote.Amount != leg.Amount {
					t.Fatalf("leg '%v' has no matching quote", leg.Mint)
				}
				total += leg.Amount
			}
			if total != test.amount {
				t.Fatalf("expected legs to sum to '%v' but got '%v'", test.amount, total)
			}
		})
	}
}

func TestPayInvoiceSingleMint(t *testing.T) {
	fm := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2})
	o := newOrchestrator(t, fm.URL())
	fund(t, o, fm, 20)

	invoice, err := testutils.CreateInvoiceSat(10)
	if err != nil {
		t.Fatal(err)
	}
	result, err := o.PayInvoice(context.Background(), invoice.PaymentRequest, PayOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.MultiMint || len(result.Legs) != 1 {
		t.Fatalf("expected single leg payment but got '%+v'", result)
	}
	if result.Preimage != testutils.FakePreimage {
		t.Fatalf("expected preimage '%v' but got '%v'", testutils.FakePreimage, result.Preimage)
	}
	checkBalance(t, o, fm.URL(), 10)
}

func TestPayInvoiceMultiMint(t *testing.T) {
	fmA := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2, Mpp: true})
	fmB := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2, Mpp: true})
	fmC := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2, Mpp: true})
	ctx := context.Background()

	o := newOrchestrator(t, fmA.URL())
	fund(t, o, fmA, 300)
	fund(t, o, fmB, 150)
	fund(t, o, fmC, 50)

	invoice, err := testutils.CreateInvoiceSat(400)
	if err != nil {
		t.Fatal(err)
	}

	// a single mint was asked for
	_, err = o.PayInvoice(ctx, invoice.PaymentRequest, PayOptions{Mint: fmA.URL()})
	if !errors.Is(err, selection.ErrInsufficientBalance) {
		t.Fatalf("expected '%v' but got '%v'", selection.ErrInsufficientBalance, err)
	}

	result, err := o.PayInvoice(ctx, invoice.PaymentRequest, PayOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.MultiMint || result.Pending {
		t.Fatalf("expected settled multi mint payment but got '%+v'", result)
	}
	if result.Paid() != 400 {
		t.Fatalf("expected '%v' paid but got '%v'", 400, result.Paid())
	}
	if len(result.Legs) != 2 || result.Legs[0].Mint != fmA.URL() || result.Legs[0].Amount != 298 {
		t.Fatalf("unexpected legs '%+v'", result.Legs)
	}
	for _, leg := range result.Legs {
		if !leg.Result.Paid() {
			t.Fatalf("expected leg at '%v' to be paid but got '%v'", leg.Mint, leg.Result.State)
		}
	}
	if o.Balance() != 100 {
		t.Fatalf("expected total balance of '%v' but got '%v'", 100, o.Balance())
	}
	checkBalance(t, o, fmC.URL(), 50)
}

func TestPayInvoiceAcrossMintsInsufficient(t *testing.T) {
	fmA := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2, Mpp: true})
	fmB := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2, Mpp: true})
	o := newOrchestrator(t, fmA.URL())
	fund(t, o, fmA, 100)
	fund(t, o, fmB, 100)

	invoice, err := testutils.CreateInvoiceSat(250)
	if err != nil {
		t.Fatal(err)
	}
	_, err = o.PayInvoice(context.Background(), invoice.PaymentRequest, PayOptions{})
	if !errors.Is(err, ErrInsufficientAcrossMints) {
		t.Fatalf("expected '%v' but got '%v'", ErrInsufficientAcrossMints, err)
	}
	if o.Balance() != 200 {
		t.Fatalf("expected balance to stay '%v' but got '%v'", 200, o.Balance())
	}

	noAmount, err := testutils.CreateInvoice(0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := o.PayInvoice(context.Background(), noAmount.PaymentRequest, PayOptions{}); err == nil {
		t.Fatal("expected error paying invoice without amount")
	}
}

func TestRecoverPendingMelts(t *testing.T) {
	fm := newFakeMint(t, testutils.FakeMintConfig{FeeReserve: 2})
	ctx := context.Background()
	o := newOrchestrator(t, fm.URL())
	fund(t, o, fm, 20)
	fm.SetPendingMelts(true)

	invoice, err := testutils.CreateInvoiceSat(10)
	if err != nil {
		t.Fatal(err)
	}
	result, err := o.PayInvoice(ctx, invoice.PaymentRequest, PayOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Pending {
		t.Fatal("expected pending payment")
	}

	melts, err := o.RecoverPendingMelts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(melts) != 1 || melts[0].State != nut05.Pending {
		t.Fatalf("expected melt to still be pending but got '%+v'", melts)
	}

	if err := fm.SettlePendingMelts(); err != nil {
		t.Fatal(err)
	}
	melts, err = o.RecoverPendingMelts(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(melts) != 1 || !melts[0].Paid() {
		t.Fatalf("expected paid melt but got '%+v'", melts)
	}
	checkBalance(t, o, fm.URL(), 10)

	melts, err = o.RecoverPendingMelts(ctx)
	if err != nil || len(melts) != 0 {
		t.Fatalf("expected nothing to recover but got '%v' and '%v'", melts, err)
	}
}
