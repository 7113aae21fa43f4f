package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/wallet"
	"github.com/nutdo/nutdo/wallet/backup"
	"github.com/nutdo/nutdo/wallet/client"
	"github.com/nutdo/nutdo/wallet/orchestrator"
	"github.com/nutdo/nutdo/wallet/storage"
	"github.com/urfave/cli/v2"
)

var nutw *orchestrator.Orchestrator

func walletConfig() wallet.Config {
	path := setWalletPath()
	// default config
	config := wallet.Config{WalletPath: path, CurrentMintURL: "http://127.0.0.1:3338"}

	envPath := filepath.Join(path, ".env")
	if _, err := os.Stat(envPath); err != nil {
		wd, err := os.Getwd()
		if err != nil {
			envPath = ""
		} else {
			envPath = filepath.Join(wd, ".env")
		}
	}

	if len(envPath) > 0 {
		err := godotenv.Load(envPath)
		if err == nil {
			config.CurrentMintURL = getMintURL()
		}
	}
	if mintURL := os.Getenv("MINT_URL"); len(mintURL) > 0 {
		config.CurrentMintURL = mintURL
	}

	config.Backend = storage.BackendKind(strings.ToLower(os.Getenv("WALLET_BACKEND")))
	deterministic, err := strconv.ParseBool(os.Getenv("WALLET_DETERMINISTIC"))
	if err != nil {
		deterministic = true
	}
	config.UseSeed = deterministic
	config.Logger = walletLogger(os.Getenv("WALLET_LOG_LEVEL"))

	return config
}

func walletLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	default:
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

func setWalletPath() string {
	homedir, err := os.UserHomeDir()
	if err != nil {
		log.Fatal(err)
	}

	path := filepath.Join(homedir, ".nutdo", "wallet")
	err = os.MkdirAll(path, 0700)
	if err != nil {
		log.Fatal(err)
	}
	return path
}

func getMintURL() string {
	mintUrl := os.Getenv("MINT_URL")
	if len(mintUrl) > 0 {
		return mintUrl
	} else {
		mintHost := os.Getenv("MINT_HOST")
		mintPort := os.Getenv("MINT_PORT")
		if len(mintHost) == 0 || len(mintPort) == 0 {
			return "http://127.0.0.1:3338"
		}

		url := &url.URL{
			Scheme: "http",
			Host:   mintHost + ":" + mintPort,
		}
		mintUrl = url.String()
	}
	return mintUrl
}

func setupWallet(ctx *cli.Context) error {
	config := walletConfig()
	config.OnKeyUsage = func(pubkey string, count int) {
		config.Logger.Debug("signed proofs with p2pk key",
			slog.String("pubkey", pubkey), slog.Int("count", count))
	}

	var err error
	nutw, err = orchestrator.New(config)
	if err != nil {
		printErr(err)
	}
	return nil
}

func closeWallet(ctx *cli.Context) error {
	if nutw != nil {
		return nutw.Close()
	}
	return nil
}

func main() {
	app := &cli.App{
		Name:  "nutw",
		Usage: "cashu cli wallet",
		Commands: []*cli.Command{
			balanceCmd,
			mintCmd,
			claimCmd,
			sendCmd,
			receiveCmd,
			payCmd,
			pendingCmd,
			redeemCmd,
			mintsCmd,
			seedCmd,
			backupCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var balanceCmd = &cli.Command{
	Name:   "balance",
	Before: setupWallet,
	After:  closeWallet,
	Action: getBalance,
}

func getBalance(ctx *cli.Context) error {
	balances := nutw.Balances()
	active := nutw.ActiveMint()

	fmt.Println("Balance by mint:")
	for i, mint := range nutw.KnownMints() {
		marker := ""
		if mint == active {
			marker = " (active)"
		}
		fmt.Printf("Mint %v: %v%v ---- balance: %v sats\n", i+1, mint, marker, balances[mint])
	}

	fmt.Printf("\nTotal balance: %v sats\n", nutw.Balance())
	return nil
}

const mintFlag = "mint"

var mintCmd = &cli.Command{
	Name:      "mint",
	Usage:     "Request a mint quote. Pay the invoice and claim it with the claim command",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to request the quote from instead of the active mint",
		},
	},
	Action: mint,
}

func sessionFor(ctx *cli.Context) (*wallet.MintSession, error) {
	if ctx.IsSet(mintFlag) {
		return nutw.Session(ctx.Context, ctx.String(mintFlag))
	}
	return nutw.ActiveSession(ctx.Context)
}

func mint(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to mint"))
	}
	amount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	session, err := sessionFor(ctx)
	if err != nil {
		printErr(err)
	}
	invoice, err := session.CreateMintInvoice(ctx.Context, amount, "")
	if err != nil {
		printErr(err)
	}

	fmt.Printf("invoice: %v\n\n", invoice.Request)
	fmt.Printf("after paying the invoice you can redeem the ecash with:\n")
	fmt.Printf("nutw claim --mint %v %v %v\n", session.MintURL(), invoice.Quote, amount)
	return nil
}

var claimCmd = &cli.Command{
	Name:      "claim",
	Usage:     "Claim the ecash of a paid mint quote",
	ArgsUsage: "[QUOTE ID] [AMOUNT]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint the quote was requested from",
		},
	},
	Action: claim,
}

func claim(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 2 {
		printErr(errors.New("specify the quote id and amount"))
	}
	quoteId := args.Get(0)
	amount, err := strconv.ParseUint(args.Get(1), 10, 64)
	if err != nil {
		printErr(errors.New("invalid amount"))
	}

	session, err := sessionFor(ctx)
	if err != nil {
		printErr(err)
	}
	proofs, err := session.ClaimMint(ctx.Context, quoteId, amount)
	if err != nil {
		printErr(err)
	}

	fmt.Printf("%v sats successfully minted\n", proofs.Amount())
	return nil
}

const (
	lockFlag = "lock"
	memoFlag = "memo"
)

var sendCmd = &cli.Command{
	Name:      "send",
	Usage:     "Generates token to be sent for the specified amount",
	ArgsUsage: "[AMOUNT]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Mint to send from instead of the active mint",
		},
		&cli.StringFlag{
			Name:  lockFlag,
			Usage: "Generate ecash locked to a public key",
		},
		&cli.StringFlag{
			Name:  memoFlag,
			Usage: "Memo to include in the token",
		},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify an amount to send"))
	}
	sendAmount, err := strconv.ParseUint(args.First(), 10, 64)
	if err != nil {
		printErr(err)
	}

	session, err := sessionFor(ctx)
	if err != nil {
		printErr(err)
	}
	result, err := session.CreateSendToken(ctx.Context, sendAmount, wallet.SendOptions{
		Pubkey: ctx.String(lockFlag),
		Memo:   ctx.String(memoFlag),
	})
	if err != nil {
		printErr(err)
	}

	if result.Fees > 0 {
		fmt.Printf("fees: %v sats\n\n", result.Fees)
	}
	fmt.Printf("%v\n", result.Token)
	return nil
}

var receiveCmd = &cli.Command{
	Name:      "receive",
	ArgsUsage: "[TOKEN]",
	Before:    setupWallet,
	After:     closeWallet,
	Action:    receive,
}

func receive(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("cashu token not provided"))
	}

	result, err := nutw.ReceiveToken(ctx.Context, args.First())
	if err != nil {
		printErr(err)
	}

	if result.Pending {
		fmt.Printf("mint %v is unreachable, token saved as %v\n", result.Mint, result.PendingId)
		fmt.Println("run the redeem command once the mint is back online")
		return nil
	}
	if result.CrossMint {
		fmt.Printf("received at %v which is not the active mint\n", result.Mint)
	}
	fmt.Printf("%v sats received\n", result.Amount)
	return nil
}

var payCmd = &cli.Command{
	Name:      "pay",
	Usage:     "Pay a lightning invoice, splitting the payment across mints if needed",
	ArgsUsage: "[INVOICE]",
	Before:    setupWallet,
	After:     closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  mintFlag,
			Usage: "Pay only from this mint",
		},
	},
	Action: pay,
}

func pay(ctx *cli.Context) error {
	args := ctx.Args()
	if args.Len() < 1 {
		printErr(errors.New("specify a lightning invoice to pay"))
	}

	result, err := nutw.PayInvoice(ctx.Context, args.First(), orchestrator.PayOptions{Mint: ctx.String(mintFlag)})
	for _, leg := range result.Legs {
		fmt.Printf("%v sats from %v: %v\n", leg.Amount, leg.Mint, leg.Result.State)
	}
	if err != nil {
		printErr(err)
	}

	switch {
	case result.Pending:
		fmt.Println("payment is pending, run the redeem command to check it later")
	default:
		fmt.Printf("invoice paid. preimage: %v\n", result.Preimage)
	}
	return nil
}

var pendingCmd = &cli.Command{
	Name:   "pending",
	Usage:  "List tokens and payments waiting on a mint",
	Before: setupWallet,
	After:  closeWallet,
	Action: pending,
}

func pending(ctx *cli.Context) error {
	tokens := nutw.PendingTokens()
	if len(tokens) == 0 {
		fmt.Println("no pending tokens")
	}
	for _, token := range tokens {
		fmt.Printf("%v: %v sats from %v (attempts: %v)\n", token.Id, token.Amount, token.Mint, token.Attempts)
		switch {
		case token.LastError == "":
		case client.IsOfflineMessage(token.LastError):
			fmt.Printf("\tmint was unreachable: %v\n", token.LastError)
		default:
			fmt.Printf("\tlast error: %v\n", token.LastError)
		}
	}

	for _, record := range nutw.Stores().MeltBlanks.List("") {
		fmt.Printf("pending payment %v at %v\n", record.QuoteId, record.Mint)
	}
	return nil
}

var redeemCmd = &cli.Command{
	Name:      "redeem",
	Usage:     "Redeem pending tokens and check pending payments",
	ArgsUsage: "[PENDING ID]",
	Before:    setupWallet,
	After:     closeWallet,
	Action:    redeem,
}

func redeem(ctx *cli.Context) error {
	if ctx.Args().Len() > 0 {
		result, err := nutw.RedeemPendingToken(ctx.Context, ctx.Args().First())
		if err != nil {
			printErr(err)
		}
		fmt.Printf("%v sats received from %v\n", result.Amount, result.Mint)
		return nil
	}

	summary, err := nutw.RedeemPendingTokens(ctx.Context)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("redeemed %v tokens for %v sats, %v left\n", len(summary.Redeemed), summary.Amount, summary.Remaining)
	if summary.Aborted {
		fmt.Println("stopped early because a mint is unreachable")
	}

	melts, err := nutw.RecoverPendingMelts(context.Background())
	for _, melt := range melts {
		switch melt.State {
		case nut05.Paid:
			fmt.Printf("payment %v settled, %v sats change\n", melt.Quote, melt.Change)
		case nut05.Pending:
			fmt.Printf("payment %v still pending\n", melt.Quote)
		default:
			fmt.Printf("payment %v failed, %v sats returned\n", melt.Quote, melt.Spent)
		}
	}
	if err != nil {
		printErr(err)
	}
	return nil
}

const setFlag = "set"

var mintsCmd = &cli.Command{
	Name:   "mints",
	Usage:  "List known mints",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  setFlag,
			Usage: "Set the active mint",
		},
	},
	Action: mints,
}

func mints(ctx *cli.Context) error {
	if ctx.IsSet(setFlag) {
		if err := nutw.SetActiveMint(ctx.Context, ctx.String(setFlag)); err != nil {
			printErr(err)
		}
	}

	active := nutw.ActiveMint()
	for _, mint := range nutw.KnownMints() {
		if mint == active {
			fmt.Printf("* %v\n", mint)
		} else {
			fmt.Printf("  %v\n", mint)
		}
	}
	return nil
}

var seedCmd = &cli.Command{
	Name:   "seed",
	Usage:  "Show the mnemonic of the wallet seed",
	Before: setupWallet,
	After:  closeWallet,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "import",
			Usage: "Replace the seed with this mnemonic",
		},
	},
	Action: showSeed,
}

func showSeed(ctx *cli.Context) error {
	manager := nutw.Stores().Seed
	if manager == nil {
		printErr(wallet.ErrSeedNotEnabled)
	}

	if ctx.IsSet("import") {
		if _, err := manager.ImportMnemonic(ctx.String("import")); err != nil {
			printErr(err)
		}
		fmt.Println("seed imported, restore the proofs of each mint to recover funds")
		return nil
	}

	mnemonic, err := manager.Mnemonic()
	if err != nil {
		printErr(err)
	}
	fmt.Println(mnemonic)
	return nil
}

const passphraseFlag = "passphrase"

var backupCmd = &cli.Command{
	Name:  "backup",
	Usage: "Export or import an encrypted wallet backup",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    passphraseFlag,
			Usage:   "Passphrase to encrypt the backup",
			EnvVars: []string{"WALLET_BACKUP_PASSPHRASE"},
		},
	},
	Subcommands: []*cli.Command{
		{
			Name:      "export",
			ArgsUsage: "[FILE]",
			Before:    setupWallet,
			After:     closeWallet,
			Action:    exportBackup,
		},
		{
			Name:      "import",
			ArgsUsage: "[FILE]",
			Before:    setupWallet,
			After:     closeWallet,
			Action:    importBackup,
		},
	},
}

func backupArgs(ctx *cli.Context) (string, string) {
	if ctx.Args().Len() < 1 {
		printErr(errors.New("specify the backup file"))
	}
	passphrase := ctx.String(passphraseFlag)
	if passphrase == "" {
		printErr(backup.ErrEmptyPassphrase)
	}
	return ctx.Args().First(), passphrase
}

func exportBackup(ctx *cli.Context) error {
	path, passphrase := backupArgs(ctx)
	data, err := backup.Export(nutw.Stores(), passphrase)
	if err != nil {
		printErr(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		printErr(err)
	}
	fmt.Printf("backup saved to %v\n", path)
	return nil
}

func importBackup(ctx *cli.Context) error {
	path, passphrase := backupArgs(ctx)
	data, err := os.ReadFile(path)
	if err != nil {
		printErr(err)
	}
	summary, err := backup.Import(nutw.Stores(), data, passphrase)
	if err != nil {
		printErr(err)
	}
	fmt.Printf("imported %v proofs worth %v sats\n", summary.Proofs, summary.Amount)
	if summary.SeedReplaced {
		fmt.Println("wallet seed replaced")
	}
	return nil
}

func printErr(msg error) {
	fmt.Println(msg.Error())
	os.Exit(0)
}
