//go:build ignore_vet
// +build ignore_vet

package main

import (
	"context"
	"fmt"

	"github.com/nutdo/nutdo/cashu/nuts/nut04"
	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/orchestrator"
)

func main() {
	ctx := context.Background()
	config := wallet.Config{
		WalletPath:     "./cashu",
		CurrentMintURL: "http://localhost:3338",
		UseSeed:        true,
	}

	w, err := orchestrator.New(config)
	defer w.Close()

	session, err := w.ActiveSession(ctx)

	// Mint tokens
	mintInvoice, err := session.CreateMintInvoice(ctx, 42, "")

	// Check quote state
	state, err := session.CheckMintQuote(ctx, mintInvoice.Quote)
	if state == nut04.Paid {
		// Mint tokens if invoice paid
		proofs, err := session.ClaimMint(ctx, mintInvoice.Quote, 42)
	}

	// Send
	sent, err := session.CreateSendToken(ctx, 21, wallet.SendOptions{})
	fmt.Println(sent.Token)

	// Receive from any mint. If the mint is offline the token is queued
	received, err := w.ReceiveToken(ctx, "cashuBo2FteBtodHRwczovL2...")
	if received.Pending {
		summary, err := w.RedeemPendingTokens(ctx)
	}

	// Pay invoice, split across mints if needed
	payment, err := w.PayInvoice(ctx, "lnbc100n1pja0w9pdqqx...", orchestrator.PayOptions{})
}
