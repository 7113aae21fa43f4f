package testutils

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/gorilla/mux"
	"github.com/nutdo/nutdo/bolt11"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut01"
	"github.com/nutdo/nutdo/cashu/nuts/nut02"
	"github.com/nutdo/nutdo/cashu/nuts/nut03"
	"github.com/nutdo/nutdo/cashu/nuts/nut04"
	"github.com/nutdo/nutdo/cashu/nuts/nut05"
	"github.com/nutdo/nutdo/cashu/nuts/nut06"
	"github.com/nutdo/nutdo/cashu/nuts/nut07"
	"github.com/nutdo/nutdo/cashu/nuts/nut09"
	"github.com/nutdo/nutdo/cashu/nuts/nut11"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
	"github.com/nutdo/nutdo/crypto"
)

const quoteExpiry = time.Hour

type FakeMintConfig struct {
	InputFeePpk uint
	// FeeReserve is added to every melt quote
	FeeReserve uint64
	// Mpp advertises and accepts partial melt quotes
	Mpp bool
	// Websocket advertises and serves NUT-17 subscriptions
	Websocket bool
	// AutoPay marks mint quotes as paid when they are created
	AutoPay bool
	Logger  *slog.Logger
}

type mintQuote struct {
	response nut04.PostMintQuoteBolt11Response
	amount   uint64
}

type meltQuote struct {
	response nut05.PostMeltQuoteBolt11Response
	inputs   cashu.Proofs
	outputs  cashu.BlindedMessages
}

// FakeMint is a mint served over httptest. It signs with real keys and
// checks proofs but settles lightning payments instantly, or leaves
// them pending when asked to.
type FakeMint struct {
	mu     sync.Mutex
	server *httptest.Server
	config FakeMintConfig
	logger *slog.Logger

	seed         string
	activeKeyset *crypto.MintKeyset
	keysets      map[string]*crypto.MintKeyset
	mintQuotes   map[string]*mintQuote
	meltQuotes   map[string]*meltQuote
	spent        map[string]bool
	pending      map[string]bool
	signed       map[string]cashu.BlindedSignature

	offline      atomic.Bool
	failing      atomic.Bool
	pendingMelts atomic.Bool
	calls        map[string]int

	ws *wsHub
}

func NewFakeMint(config FakeMintConfig) (*FakeMint, error) {
	seed, err := GenerateRandomSecret()
	if err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	fm := &FakeMint{
		config:     config,
		logger:     logger,
		seed:       seed,
		keysets:    make(map[string]*crypto.MintKeyset),
		mintQuotes: make(map[string]*mintQuote),
		meltQuotes: make(map[string]*meltQuote),
		spent:      make(map[string]bool),
		pending:    make(map[string]bool),
		signed:     make(map[string]cashu.BlindedSignature),
		calls:      make(map[string]int),
	}
	fm.activeKeyset = crypto.GenerateKeyset(seed, "m/0'/0'/0'", config.InputFeePpk)
	fm.keysets[fm.activeKeyset.Id] = fm.activeKeyset
	fm.ws = newWsHub(fm)

	fm.server = httptest.NewServer(fm.setupRouter())
	return fm, nil
}

func (fm *FakeMint) setupRouter() http.Handler {
	r := mux.NewRouter()
	r.Use(fm.countCalls, fm.offlineMiddleware)

	r.HandleFunc("/v1/info", fm.handleInfo).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys", fm.handleActiveKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/keys/{id}", fm.handleKeysetById).Methods(http.MethodGet)
	r.HandleFunc("/v1/keysets", fm.handleKeysets).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/quote/bolt11", fm.handleMintQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/mint/quote/bolt11/{quote_id}", fm.handleMintQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/mint/bolt11", fm.handleMint).Methods(http.MethodPost)
	r.HandleFunc("/v1/swap", fm.handleSwap).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11", fm.handleMeltQuote).Methods(http.MethodPost)
	r.HandleFunc("/v1/melt/quote/bolt11/{quote_id}", fm.handleMeltQuoteState).Methods(http.MethodGet)
	r.HandleFunc("/v1/melt/bolt11", fm.handleMelt).Methods(http.MethodPost)
	r.HandleFunc("/v1/checkstate", fm.handleCheckState).Methods(http.MethodPost)
	r.HandleFunc("/v1/restore", fm.handleRestore).Methods(http.MethodPost)
	if fm.config.Websocket {
		r.HandleFunc("/v1/ws", fm.ws.serveWS)
	}

	return r
}

func (fm *FakeMint) URL() string {
	return fm.server.URL
}

func (fm *FakeMint) Close() {
	fm.ws.close()
	fm.server.Close()
}

// SetOffline makes every request fail with 503 Service Unavailable
func (fm *FakeMint) SetOffline(offline bool) {
	fm.offline.Store(offline)
}

// SetFailing makes every request fail with an internal error
func (fm *FakeMint) SetFailing(failing bool) {
	fm.failing.Store(failing)
}

// SetPendingMelts leaves melts pending until SettlePendingMelts is called
func (fm *FakeMint) SetPendingMelts(pending bool) {
	fm.pendingMelts.Store(pending)
}

// Calls returns how many requests were made to the path
func (fm *FakeMint) Calls(path string) int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.calls[path]
}

func (fm *FakeMint) ActiveKeyset() *crypto.MintKeyset {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.activeKeyset
}

// RotateKeyset deactivates the current keyset and generates a new active one
func (fm *FakeMint) RotateKeyset(inputFeePpk uint) *crypto.MintKeyset {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	fm.activeKeyset.Active = false
	path := fmt.Sprintf("m/0'/0'/%v'", len(fm.keysets))
	fm.activeKeyset = crypto.GenerateKeyset(fm.seed, path, inputFeePpk)
	fm.keysets[fm.activeKeyset.Id] = fm.activeKeyset
	return fm.activeKeyset
}

// AddKeyset adds an active keyset for another unit. The mint only
// lists it, it does not issue or redeem proofs in that unit.
func (fm *FakeMint) AddKeyset(unit cashu.Unit) *crypto.MintKeyset {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	path := fmt.Sprintf("m/0'/1'/%v'", len(fm.keysets))
	keyset := crypto.GenerateKeyset(fm.seed, path, 0)
	keyset.Unit = unit.String()
	fm.keysets[keyset.Id] = keyset
	return keyset
}

// PayMintQuote marks the mint quote as paid
func (fm *FakeMint) PayMintQuote(quoteId string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.mintQuotes[quoteId]
	if !ok {
		return errors.New("quote does not exist")
	}
	if quote.response.State == nut04.Unpaid {
		quote.response.State = nut04.Paid
		fm.ws.notify(nut17.Bolt11MintQuote, quoteId, quote.response)
	}
	return nil
}

// SettlePendingMelts completes every pending melt and signs its change
func (fm *FakeMint) SettlePendingMelts() error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for _, quote := range fm.meltQuotes {
		if quote.response.State == nut05.Pending {
			if err := fm.settleMelt(quote); err != nil {
				return err
			}
		}
	}
	return nil
}

// FailPendingMelts releases the inputs of every pending melt
func (fm *FakeMint) FailPendingMelts() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	for _, quote := range fm.meltQuotes {
		if quote.response.State != nut05.Pending {
			continue
		}
		for _, proof := range quote.inputs {
			if Y, err := proofY(proof); err == nil {
				delete(fm.pending, Y)
			}
		}
		quote.inputs = nil
		quote.outputs = nil
		quote.response.State = nut05.Unpaid
	}
}

// SignOutputs returns signatures for messages without a quote.
// Tests use it to mint proofs directly.
func (fm *FakeMint) SignOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.signOutputs(outputs)
}

// IssueProofs mints unlocked proofs for the amount without a quote
func (fm *FakeMint) IssueProofs(amount uint64) (cashu.Proofs, error) {
	keyset := fm.ActiveKeyset()
	outputs, secrets, rs, err := CreateBlindedMessages(amount, keyset.Id)
	if err != nil {
		return nil, err
	}
	signatures, err := fm.SignOutputs(outputs)
	if err != nil {
		return nil, err
	}
	return ConstructProofs(signatures, secrets, rs, publicKeys(keyset))
}

// IsSpent reports whether the mint has seen the proof spent
func (fm *FakeMint) IsSpent(proof cashu.Proof) bool {
	Y, err := proofY(proof)
	if err != nil {
		return false
	}
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.spent[Y]
}

func publicKeys(keyset *crypto.MintKeyset) map[uint64]*secp256k1.PublicKey {
	keys := make(map[uint64]*secp256k1.PublicKey, len(keyset.KeyPairs))
	for _, kp := range keyset.KeyPairs {
		keys[kp.Amount] = kp.PublicKey
	}
	return keys
}

func (fm *FakeMint) countCalls(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		fm.mu.Lock()
		fm.calls[req.URL.Path]++
		fm.mu.Unlock()
		next.ServeHTTP(rw, req)
	})
}

func (fm *FakeMint) offlineMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if fm.offline.Load() {
			http.Error(rw, "mint offline", http.StatusServiceUnavailable)
			return
		}
		if fm.failing.Load() {
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(rw, req)
	})
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
	}
}

func writeErr(rw http.ResponseWriter, err error) {
	var cashuErr cashu.Error
	var cashuErrPtr *cashu.Error
	switch {
	case errors.As(err, &cashuErr):
	case errors.As(err, &cashuErrPtr) && cashuErrPtr != nil:
		cashuErr = *cashuErrPtr
	default:
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(rw).Encode(cashuErr)
}

func decodeRequest(req *http.Request, dst any) error {
	if err := json.NewDecoder(req.Body).Decode(dst); err != nil {
		return cashu.BuildCashuError(fmt.Sprintf("invalid request: %v", err), cashu.StandardErrCode)
	}
	return nil
}

func (fm *FakeMint) info() nut06.MintInfo {
	bolt11Sat := []nut06.MethodSetting{{Method: cashu.BOLT11_METHOD, Unit: cashu.Sat.String()}}
	info := nut06.MintInfo{
		Name:    "fake mint",
		Version: "fakemint/0.1.0",
		Nuts: nut06.Nuts{
			Nut04: nut06.NutSetting{Methods: bolt11Sat},
			Nut05: nut06.NutSetting{Methods: bolt11Sat},
			Nut07: nut06.Supported{Supported: true},
			Nut08: nut06.Supported{Supported: true},
			Nut09: nut06.Supported{Supported: true},
			Nut10: nut06.Supported{Supported: true},
			Nut11: nut06.Supported{Supported: true},
		},
	}
	if fm.config.Mpp {
		info.Nuts.Nut15 = &nut06.NutSetting{Methods: bolt11Sat}
	}
	if fm.config.Websocket {
		info.Nuts.Nut17 = &nut17.InfoSetting{
			Supported: []nut17.SupportedMethod{{
				Method:   cashu.BOLT11_METHOD,
				Unit:     cashu.Sat.String(),
				Commands: []string{nut17.Bolt11MintQuote.String(), nut17.Bolt11MeltQuote.String(), nut17.ProofState.String()},
			}},
		}
	}
	return info
}

func (fm *FakeMint) handleInfo(rw http.ResponseWriter, req *http.Request) {
	writeJSON(rw, fm.info())
}

func keysetResponse(keyset *crypto.MintKeyset) nut01.Keyset {
	return nut01.Keyset{Id: keyset.Id, Unit: keyset.Unit, Keys: keyset.PublicKeys()}
}

func (fm *FakeMint) handleActiveKeysets(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	writeJSON(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{keysetResponse(fm.activeKeyset)}})
}

func (fm *FakeMint) handleKeysetById(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	keyset, ok := fm.keysets[mux.Vars(req)["id"]]
	if !ok {
		writeErr(rw, cashu.UnknownKeysetErr)
		return
	}
	writeJSON(rw, nut01.GetKeysResponse{Keysets: []nut01.Keyset{keysetResponse(keyset)}})
}

func (fm *FakeMint) handleKeysets(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	keysets := nut02.GetKeysetsResponse{Keysets: []nut02.Keyset{}}
	for _, keyset := range fm.keysets {
		keysets.Keysets = append(keysets.Keysets, nut02.Keyset{
			Id:          keyset.Id,
			Unit:        keyset.Unit,
			Active:      keyset.Active,
			InputFeePpk: keyset.InputFeePpk,
		})
	}
	writeJSON(rw, keysets)
}

func (fm *FakeMint) handleMintQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintQuoteBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}
	if request.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}
	if request.Amount == 0 {
		writeErr(rw, cashu.BuildCashuError("amount must be greater than zero", cashu.StandardErrCode))
		return
	}

	invoice, err := CreateInvoiceSat(request.Amount)
	if err != nil {
		writeErr(rw, err)
		return
	}
	quoteId, err := GenerateRandomSecret()
	if err != nil {
		writeErr(rw, err)
		return
	}

	quote := &mintQuote{
		response: nut04.PostMintQuoteBolt11Response{
			Quote:   quoteId,
			Request: invoice.PaymentRequest,
			State:   nut04.Unpaid,
			Expiry:  time.Now().Add(quoteExpiry).Unix(),
		},
		amount: request.Amount,
	}
	if fm.config.AutoPay {
		quote.response.State = nut04.Paid
	}

	fm.mu.Lock()
	fm.mintQuotes[quoteId] = quote
	fm.mu.Unlock()

	writeJSON(rw, quote.response)
}

func (fm *FakeMint) handleMintQuoteState(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.mintQuotes[mux.Vars(req)["quote_id"]]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJSON(rw, quote.response)
}

func (fm *FakeMint) handleMint(rw http.ResponseWriter, req *http.Request) {
	var request nut04.PostMintBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.mintQuotes[request.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	switch quote.response.State {
	case nut04.Unpaid:
		writeErr(rw, cashu.MintQuoteRequestNotPaid)
		return
	case nut04.Issued:
		writeErr(rw, cashu.MintQuoteAlreadyIssued)
		return
	}
	if request.Outputs.Amount() != quote.amount {
		writeErr(rw, cashu.BuildCashuError("outputs do not match quote amount", cashu.StandardErrCode))
		return
	}

	signatures, err := fm.signOutputs(request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	quote.response.State = nut04.Issued
	fm.ws.notify(nut17.Bolt11MintQuote, quote.response.Quote, quote.response)

	writeJSON(rw, nut04.PostMintBolt11Response{Signatures: signatures})
}

func (fm *FakeMint) handleSwap(rw http.ResponseWriter, req *http.Request) {
	var request nut03.PostSwapRequest
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	Ys, err := fm.verifyInputs(request.Inputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	fees := fm.inputFees(request.Inputs)
	if request.Inputs.Amount() < fees || request.Inputs.Amount()-fees != request.Outputs.Amount() {
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	signatures, err := fm.signOutputs(request.Outputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	fm.markSpent(Ys)

	writeJSON(rw, nut03.PostSwapResponse{Signatures: signatures})
}

func (fm *FakeMint) handleMeltQuote(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltQuoteBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}
	if request.Unit != cashu.Sat.String() {
		writeErr(rw, cashu.UnitNotSupportedErr)
		return
	}

	invoice, err := bolt11.Decode(request.Request)
	if err != nil {
		writeErr(rw, cashu.BuildCashuError(err.Error(), cashu.MeltQuoteErrCode))
		return
	}

	amountMsat := invoice.AmountMsat
	if request.Options != nil && request.Options.Mpp != nil {
		if !fm.config.Mpp {
			writeErr(rw, cashu.BuildCashuError("multi-path payments not supported", cashu.PaymentMethodErrCode))
			return
		}
		if request.Options.Mpp.AmountMsat > amountMsat {
			writeErr(rw, cashu.BuildCashuError("partial amount is larger than invoice", cashu.MeltQuoteErrCode))
			return
		}
		amountMsat = request.Options.Mpp.AmountMsat
	}
	if amountMsat == 0 {
		writeErr(rw, cashu.BuildCashuError("invoice has no amount", cashu.MeltQuoteErrCode))
		return
	}

	quoteId, err := GenerateRandomSecret()
	if err != nil {
		writeErr(rw, err)
		return
	}
	quote := &meltQuote{
		response: nut05.PostMeltQuoteBolt11Response{
			Quote:      quoteId,
			Amount:     (amountMsat + 999) / 1000,
			FeeReserve: fm.config.FeeReserve,
			State:      nut05.Unpaid,
			Expiry:     time.Now().Add(quoteExpiry).Unix(),
		},
	}

	fm.mu.Lock()
	fm.meltQuotes[quoteId] = quote
	fm.mu.Unlock()

	writeJSON(rw, quote.response)
}

func (fm *FakeMint) handleMeltQuoteState(rw http.ResponseWriter, req *http.Request) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.meltQuotes[mux.Vars(req)["quote_id"]]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	writeJSON(rw, quote.response)
}

func (fm *FakeMint) handleMelt(rw http.ResponseWriter, req *http.Request) {
	var request nut05.PostMeltBolt11Request
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	quote, ok := fm.meltQuotes[request.Quote]
	if !ok {
		writeErr(rw, cashu.QuoteNotExistErr)
		return
	}
	switch quote.response.State {
	case nut05.Pending:
		writeErr(rw, cashu.QuotePending)
		return
	case nut05.Paid:
		writeErr(rw, cashu.MeltQuoteAlreadyPaid)
		return
	}

	Ys, err := fm.verifyInputs(request.Inputs)
	if err != nil {
		writeErr(rw, err)
		return
	}
	fees := fm.inputFees(request.Inputs)
	if request.Inputs.Amount() < quote.response.Amount+quote.response.FeeReserve+fees {
		writeErr(rw, cashu.InsufficientProofsAmount)
		return
	}

	quote.inputs = request.Inputs
	quote.outputs = request.Outputs
	if fm.pendingMelts.Load() {
		for _, Y := range Ys {
			fm.pending[Y] = true
		}
		quote.response.State = nut05.Pending
		fm.ws.notify(nut17.Bolt11MeltQuote, quote.response.Quote, quote.response)
		writeJSON(rw, quote.response)
		return
	}

	if err := fm.settleMelt(quote); err != nil {
		writeErr(rw, err)
		return
	}
	writeJSON(rw, quote.response)
}

// settleMelt pays the quote spending its inputs. The whole fee reserve is
// returned as change since the fake payment costs nothing.
func (fm *FakeMint) settleMelt(quote *meltQuote) error {
	Ys := make([]string, 0, len(quote.inputs))
	for _, proof := range quote.inputs {
		Y, err := proofY(proof)
		if err != nil {
			return err
		}
		delete(fm.pending, Y)
		Ys = append(Ys, Y)
	}
	fm.markSpent(Ys)

	overpaid := quote.inputs.Amount() - fm.inputFees(quote.inputs) - quote.response.Amount
	if overpaid > 0 && len(quote.outputs) > 0 {
		splits := cashu.AmountSplit(overpaid)
		change := make(cashu.BlindedMessages, 0, len(splits))
		for i, amount := range splits {
			if i >= len(quote.outputs) {
				break
			}
			blank := quote.outputs[i]
			blank.Amount = amount
			change = append(change, blank)
		}
		signatures, err := fm.signOutputs(change)
		if err != nil {
			return err
		}
		quote.response.Change = signatures
	}

	quote.response.State = nut05.Paid
	quote.response.Preimage = FakePreimage
	fm.ws.notify(nut17.Bolt11MeltQuote, quote.response.Quote, quote.response)
	return nil
}

func (fm *FakeMint) handleCheckState(rw http.ResponseWriter, req *http.Request) {
	var request nut07.PostCheckStateRequest
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	states := make([]nut07.ProofState, len(request.Ys))
	for i, Y := range request.Ys {
		states[i] = fm.proofState(Y)
	}
	writeJSON(rw, nut07.PostCheckStateResponse{States: states})
}

func (fm *FakeMint) proofState(Y string) nut07.ProofState {
	state := nut07.Unspent
	if fm.spent[Y] {
		state = nut07.Spent
	} else if fm.pending[Y] {
		state = nut07.Pending
	}
	return nut07.ProofState{Y: Y, State: state}
}

func (fm *FakeMint) handleRestore(rw http.ResponseWriter, req *http.Request) {
	var request nut09.PostRestoreRequest
	if err := decodeRequest(req, &request); err != nil {
		writeErr(rw, err)
		return
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()

	response := nut09.PostRestoreResponse{
		Outputs:    cashu.BlindedMessages{},
		Signatures: cashu.BlindedSignatures{},
	}
	for _, output := range request.Outputs {
		if signature, ok := fm.signed[output.B_]; ok {
			output.Amount = signature.Amount
			response.Outputs = append(response.Outputs, output)
			response.Signatures = append(response.Signatures, signature)
		}
	}
	writeJSON(rw, response)
}

func proofY(proof cashu.Proof) (string, error) {
	Y, err := crypto.HashToCurve([]byte(proof.Secret))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(Y.SerializeCompressed()), nil
}

// verifyInputs checks the proofs can be spent and returns their Ys
func (fm *FakeMint) verifyInputs(proofs cashu.Proofs) ([]string, error) {
	if len(proofs) == 0 {
		return nil, cashu.BuildCashuError("no proofs provided", cashu.InvalidProofErrCode)
	}
	if cashu.CheckDuplicateProofs(proofs) {
		return nil, cashu.DuplicateProofs
	}

	Ys := make([]string, len(proofs))
	for i, proof := range proofs {
		keyset, ok := fm.keysets[proof.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}

		Y, err := proofY(proof)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		if fm.spent[Y] {
			return nil, cashu.ProofAlreadyUsedErr
		}
		if fm.pending[Y] {
			return nil, cashu.ProofPendingErr
		}

		k, ok := keyset.PrivateKey(proof.Amount)
		if !ok {
			return nil, cashu.InvalidProofErr
		}
		Cbytes, err := hex.DecodeString(proof.C)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		C, err := secp256k1.ParsePubKey(Cbytes)
		if err != nil {
			return nil, cashu.InvalidProofErr
		}
		if !crypto.Verify([]byte(proof.Secret), k, C) {
			return nil, cashu.InvalidProofErr
		}

		if nut11.IsSecretP2PK(proof) {
			if err := nut11.VerifyProofWitness(proof, time.Now().Unix()); err != nil {
				return nil, err
			}
		}
		Ys[i] = Y
	}

	return Ys, nil
}

func (fm *FakeMint) inputFees(proofs cashu.Proofs) uint64 {
	var feePpk uint64
	for _, proof := range proofs {
		if keyset, ok := fm.keysets[proof.Id]; ok {
			feePpk += uint64(keyset.InputFeePpk)
		}
	}
	return (feePpk + 999) / 1000
}

func (fm *FakeMint) markSpent(Ys []string) {
	for _, Y := range Ys {
		fm.spent[Y] = true
		fm.ws.notify(nut17.ProofState, Y, nut07.ProofState{Y: Y, State: nut07.Spent})
	}
}

func (fm *FakeMint) signOutputs(outputs cashu.BlindedMessages) (cashu.BlindedSignatures, error) {
	signatures := make(cashu.BlindedSignatures, len(outputs))
	for i, output := range outputs {
		if _, ok := fm.signed[output.B_]; ok {
			return nil, cashu.BlindedMessageAlreadySigned
		}
		keyset, ok := fm.keysets[output.Id]
		if !ok {
			return nil, cashu.UnknownKeysetErr
		}
		if !keyset.Active {
			return nil, cashu.BuildCashuError("keyset is inactive", cashu.InactiveKeysetErrCode)
		}
		k, ok := keyset.PrivateKey(output.Amount)
		if !ok {
			return nil, cashu.BuildCashuError(fmt.Sprintf("invalid amount %v", output.Amount), cashu.StandardErrCode)
		}

		B_bytes, err := hex.DecodeString(output.B_)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}
		B_, err := secp256k1.ParsePubKey(B_bytes)
		if err != nil {
			return nil, cashu.BuildCashuError("invalid blinded message", cashu.StandardErrCode)
		}

		C_ := crypto.SignBlindedMessage(B_, k)
		signatures[i] = cashu.BlindedSignature{
			Amount: output.Amount,
			C_:     hex.EncodeToString(C_.SerializeCompressed()),
			Id:     keyset.Id,
		}
	}

	// only record once every output could be signed
	for i, output := range outputs {
		fm.signed[output.B_] = signatures[i]
	}
	return signatures, nil
}
