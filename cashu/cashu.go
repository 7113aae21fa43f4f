// Package cashu contains the core structs and logic
// of the Cashu protocol used by the wallet.
package cashu

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/fxamacker/cbor/v2"
)

// Unit of the ecash. Proofs, keysets and quotes are always bound to one unit.
type Unit string

const (
	Sat  Unit = "sat"
	Msat Unit = "msat"

	BOLT11_METHOD = "bolt11"

	tokenV3Prefix = "cashuA"
	tokenV4Prefix = "cashuB"
)

func (unit Unit) String() string {
	return string(unit)
}

var (
	ErrInvalidTokenV3 = errors.New("invalid V3 token")
	ErrInvalidTokenV4 = errors.New("invalid V4 token")
	ErrInvalidUnit    = errors.New("invalid unit")
	ErrEmptyToken     = errors.New("token has no proofs")
	ErrInvalidAmount  = errors.New("amount must be greater than zero")
)

// Cashu BlindedMessage. See https://github.com/cashubtc/nuts/blob/main/00.md#blindedmessage
type BlindedMessage struct {
	Amount  uint64 `json:"amount"`
	B_      string `json:"B_"`
	Id      string `json:"id"`
	Witness string `json:"witness,omitempty"`
}

func NewBlindedMessage(id string, amount uint64, B_ *secp256k1.PublicKey) BlindedMessage {
	B_str := hex.EncodeToString(B_.SerializeCompressed())
	return BlindedMessage{Amount: amount, B_: B_str, Id: id}
}

type BlindedMessages []BlindedMessage

func (bm BlindedMessages) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, msg := range bm {
		totalAmount += msg.Amount
	}
	return totalAmount
}

// SortBlindedMessages sorts the messages by ascending amount keeping
// secrets and blinding factors at the same index as their message.
func SortBlindedMessages(blindedMessages BlindedMessages, secrets []string, rs []*secp256k1.PrivateKey) {
	idx := make([]int, len(blindedMessages))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		return blindedMessages[idx[i]].Amount < blindedMessages[idx[j]].Amount
	})

	sortedMessages := make(BlindedMessages, len(blindedMessages))
	sortedSecrets := make([]string, len(secrets))
	sortedRs := make([]*secp256k1.PrivateKey, len(rs))
	for to, from := range idx {
		sortedMessages[to] = blindedMessages[from]
		sortedSecrets[to] = secrets[from]
		sortedRs[to] = rs[from]
	}
	copy(blindedMessages, sortedMessages)
	copy(secrets, sortedSecrets)
	copy(rs, sortedRs)
}

// Cashu BlindedSignature. See https://github.com/cashubtc/nuts/blob/main/00.md#blindsignature
type BlindedSignature struct {
	Amount uint64 `json:"amount"`
	C_     string `json:"C_"`
	Id     string `json:"id"`
	// pointer so that omitempty works
	DLEQ *DLEQProof `json:"dleq,omitempty"`
}

type BlindedSignatures []BlindedSignature

func (bs BlindedSignatures) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, sig := range bs {
		totalAmount += sig.Amount
	}
	return totalAmount
}

// Cashu Proof. See https://github.com/cashubtc/nuts/blob/main/00.md#proof
type Proof struct {
	Amount  uint64     `json:"amount"`
	Id      string     `json:"id"`
	Secret  string     `json:"secret"`
	C       string     `json:"C"`
	Witness string     `json:"witness,omitempty"`
	DLEQ    *DLEQProof `json:"dleq,omitempty"`
}

type Proofs []Proof

type DLEQProof struct {
	E string `json:"e"`
	S string `json:"s"`
	R string `json:"r,omitempty"`
}

// Amount returns the total amount from
// the array of Proof
func (proofs Proofs) Amount() uint64 {
	var totalAmount uint64 = 0
	for _, proof := range proofs {
		totalAmount += proof.Amount
	}
	return totalAmount
}

// Secrets returns the secrets of the proofs in the same order.
func (proofs Proofs) Secrets() []string {
	secrets := make([]string, len(proofs))
	for i, proof := range proofs {
		secrets[i] = proof.Secret
	}
	return secrets
}

// Keysets returns the distinct keyset ids referenced by the proofs.
func (proofs Proofs) Keysets() []string {
	seen := make(map[string]bool)
	ids := make([]string, 0)
	for _, proof := range proofs {
		if !seen[proof.Id] {
			seen[proof.Id] = true
			ids = append(ids, proof.Id)
		}
	}
	return ids
}

// Filter returns the proofs for which keep returns true.
func (proofs Proofs) Filter(keep func(Proof) bool) Proofs {
	filtered := make(Proofs, 0, len(proofs))
	for _, proof := range proofs {
		if keep(proof) {
			filtered = append(filtered, proof)
		}
	}
	return filtered
}

// Cashu token. See https://github.com/cashubtc/nuts/blob/main/00.md#token-format
type Token interface {
	Proofs() Proofs
	Mint() string
	Amount() uint64
	Serialize() (string, error)
}

// DecodeToken decodes a serialized V4 or V3 token.
// A token that decodes to zero proofs is rejected with ErrEmptyToken.
func DecodeToken(tokenstr string) (Token, error) {
	tokenstr = strings.TrimSpace(tokenstr)
	tokenstr = strings.TrimPrefix(tokenstr, "cashu:")

	var token Token
	switch {
	case strings.HasPrefix(tokenstr, tokenV4Prefix):
		tokenV4, err := DecodeTokenV4(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		token = tokenV4
	case strings.HasPrefix(tokenstr, tokenV3Prefix):
		tokenV3, err := DecodeTokenV3(tokenstr)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		token = tokenV3
	default:
		return nil, errors.New("invalid token: unknown token prefix")
	}

	if len(token.Proofs()) == 0 {
		return nil, ErrEmptyToken
	}
	return token, nil
}

// NewToken builds a V4 token when every keyset id is hex encoded
// and falls back to V3 otherwise (legacy base64 keyset ids).
func NewToken(proofs Proofs, mint string, unit Unit, memo string, includeDLEQ bool) (Token, error) {
	tokenV4, err := NewTokenV4(proofs, mint, unit, includeDLEQ)
	if err == nil {
		tokenV4.Memo = memo
		return tokenV4, nil
	}
	tokenV3, err := NewTokenV3(proofs, mint, unit, includeDLEQ)
	if err != nil {
		return nil, err
	}
	tokenV3.Memo = memo
	return tokenV3, nil
}

type TokenV3 struct {
	Token []TokenV3Proof `json:"token"`
	Unit  string         `json:"unit"`
	Memo  string         `json:"memo,omitempty"`
}

type TokenV3Proof struct {
	Mint   string `json:"mint"`
	Proofs Proofs `json:"proofs"`
}

func NewTokenV3(proofs Proofs, mint string, unit Unit, includeDLEQ bool) (TokenV3, error) {
	if unit == "" {
		return TokenV3{}, ErrInvalidUnit
	}

	tokenProofs := make(Proofs, len(proofs))
	copy(tokenProofs, proofs)
	if !includeDLEQ {
		for i := 0; i < len(tokenProofs); i++ {
			tokenProofs[i].DLEQ = nil
		}
	}

	tokenProof := TokenV3Proof{Mint: mint, Proofs: tokenProofs}
	return TokenV3{Token: []TokenV3Proof{tokenProof}, Unit: unit.String()}, nil
}

func DecodeTokenV3(tokenstr string) (*TokenV3, error) {
	if !strings.HasPrefix(tokenstr, tokenV3Prefix) {
		return nil, ErrInvalidTokenV3
	}
	base64Token := tokenstr[len(tokenV3Prefix):]

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var token TokenV3
	err = json.Unmarshal(tokenBytes, &token)
	if err != nil {
		return nil, fmt.Errorf("error unmarshaling token: %v", err)
	}

	return &token, nil
}

func (t TokenV3) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenProof := range t.Token {
		proofs = append(proofs, tokenProof.Proofs...)
	}
	return proofs
}

func (t TokenV3) Mint() string {
	if len(t.Token) == 0 {
		return ""
	}
	return t.Token[0].Mint
}

func (t TokenV3) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV3) Serialize() (string, error) {
	jsonBytes, err := json.Marshal(t)
	if err != nil {
		return "", err
	}

	token := tokenV3Prefix + base64.URLEncoding.EncodeToString(jsonBytes)
	return token, nil
}

type TokenV4 struct {
	TokenProofs []TokenV4Proof `json:"t"`
	Memo        string         `json:"d,omitempty"`
	MintURL     string         `json:"m"`
	Unit        string         `json:"u"`
}

type TokenV4Proof struct {
	Id     []byte    `json:"i"`
	Proofs []ProofV4 `json:"p"`
}

func (tp *TokenV4Proof) MarshalJSON() ([]byte, error) {
	tokenProof := struct {
		Id     string    `json:"i"`
		Proofs []ProofV4 `json:"p"`
	}{
		Id:     hex.EncodeToString(tp.Id),
		Proofs: tp.Proofs,
	}
	return json.Marshal(tokenProof)
}

type ProofV4 struct {
	Amount  uint64  `json:"a"`
	Secret  string  `json:"s"`
	C       []byte  `json:"c"`
	Witness string  `json:"w,omitempty"`
	DLEQ    *DLEQV4 `json:"d,omitempty"`
}

func (p *ProofV4) MarshalJSON() ([]byte, error) {
	proof := struct {
		Amount  uint64  `json:"a"`
		Secret  string  `json:"s"`
		C       string  `json:"c"`
		Witness string  `json:"w,omitempty"`
		DLEQ    *DLEQV4 `json:"d,omitempty"`
	}{
		Amount:  p.Amount,
		Secret:  p.Secret,
		C:       hex.EncodeToString(p.C),
		Witness: p.Witness,
		DLEQ:    p.DLEQ,
	}
	return json.Marshal(proof)
}

type DLEQV4 struct {
	E []byte `json:"e"`
	S []byte `json:"s"`
	R []byte `json:"r"`
}

func (d *DLEQV4) MarshalJSON() ([]byte, error) {
	dleq := DLEQProof{
		E: hex.EncodeToString(d.E),
		S: hex.EncodeToString(d.S),
		R: hex.EncodeToString(d.R),
	}
	return json.Marshal(dleq)
}

func dleqToV4(dleq *DLEQProof) (*DLEQV4, error) {
	e, err := hex.DecodeString(dleq.E)
	if err != nil {
		return nil, fmt.Errorf("invalid e in DLEQ proof: %v", err)
	}
	s, err := hex.DecodeString(dleq.S)
	if err != nil {
		return nil, fmt.Errorf("invalid s in DLEQ proof: %v", err)
	}
	if len(dleq.R) == 0 {
		return nil, errors.New("r in DLEQ proof cannot be empty")
	}
	r, err := hex.DecodeString(dleq.R)
	if err != nil {
		return nil, fmt.Errorf("invalid r in DLEQ proof: %v", err)
	}
	return &DLEQV4{E: e, S: s, R: r}, nil
}

func NewTokenV4(proofs Proofs, mint string, unit Unit, includeDLEQ bool) (TokenV4, error) {
	if unit == "" {
		return TokenV4{}, ErrInvalidUnit
	}

	// keep keyset order stable so the serialized token is deterministic
	keysetOrder := make([]string, 0)
	proofsMap := make(map[string][]ProofV4)
	for _, proof := range proofs {
		C, err := hex.DecodeString(proof.C)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid C: %v", err)
		}
		proofV4 := ProofV4{
			Amount:  proof.Amount,
			Secret:  proof.Secret,
			C:       C,
			Witness: proof.Witness,
		}
		if includeDLEQ && proof.DLEQ != nil {
			dleq, err := dleqToV4(proof.DLEQ)
			if err != nil {
				return TokenV4{}, err
			}
			proofV4.DLEQ = dleq
		}
		if _, ok := proofsMap[proof.Id]; !ok {
			keysetOrder = append(keysetOrder, proof.Id)
		}
		proofsMap[proof.Id] = append(proofsMap[proof.Id], proofV4)
	}

	proofsV4 := make([]TokenV4Proof, 0, len(keysetOrder))
	for _, id := range keysetOrder {
		keysetIdBytes, err := hex.DecodeString(id)
		if err != nil {
			return TokenV4{}, fmt.Errorf("invalid keyset id: %v", err)
		}
		proofsV4 = append(proofsV4, TokenV4Proof{Id: keysetIdBytes, Proofs: proofsMap[id]})
	}

	return TokenV4{MintURL: mint, Unit: unit.String(), TokenProofs: proofsV4}, nil
}

func DecodeTokenV4(tokenstr string) (*TokenV4, error) {
	if !strings.HasPrefix(tokenstr, tokenV4Prefix) {
		return nil, ErrInvalidTokenV4
	}
	base64Token := tokenstr[len(tokenV4Prefix):]

	tokenBytes, err := base64.URLEncoding.DecodeString(base64Token)
	if err != nil {
		tokenBytes, err = base64.RawURLEncoding.DecodeString(base64Token)
		if err != nil {
			return nil, fmt.Errorf("error decoding token: %v", err)
		}
	}

	var tokenV4 TokenV4
	err = cbor.Unmarshal(tokenBytes, &tokenV4)
	if err != nil {
		return nil, fmt.Errorf("cbor.Unmarshal: %v", err)
	}

	return &tokenV4, nil
}

func (t TokenV4) Proofs() Proofs {
	proofs := make(Proofs, 0)
	for _, tokenV4Proof := range t.TokenProofs {
		keysetId := hex.EncodeToString(tokenV4Proof.Id)
		for _, proofV4 := range tokenV4Proof.Proofs {
			proof := Proof{
				Amount:  proofV4.Amount,
				Id:      keysetId,
				Secret:  proofV4.Secret,
				C:       hex.EncodeToString(proofV4.C),
				Witness: proofV4.Witness,
			}
			if proofV4.DLEQ != nil {
				proof.DLEQ = &DLEQProof{
					E: hex.EncodeToString(proofV4.DLEQ.E),
					S: hex.EncodeToString(proofV4.DLEQ.S),
					R: hex.EncodeToString(proofV4.DLEQ.R),
				}
			}
			proofs = append(proofs, proof)
		}
	}
	return proofs
}

func (t TokenV4) Mint() string {
	return t.MintURL
}

func (t TokenV4) Amount() uint64 {
	return t.Proofs().Amount()
}

func (t TokenV4) Serialize() (string, error) {
	cborData, err := cbor.Marshal(t)
	if err != nil {
		return "", err
	}

	token := tokenV4Prefix + base64.RawURLEncoding.EncodeToString(cborData)
	return token, nil
}

type CashuErrCode int

// Error is the error body returned by a mint
type Error struct {
	Detail string       `json:"detail"`
	Code   CashuErrCode `json:"code"`
}

func BuildCashuError(detail string, code CashuErrCode) *Error {
	return &Error{Detail: detail, Code: code}
}

func (e Error) Error() string {
	return e.Detail
}

// Error codes the wallet reacts to
const (
	StandardErrCode CashuErrCode = 10000

	BlindedMessageAlreadySignedErrCode CashuErrCode = 10002
	InvalidProofErrCode                CashuErrCode = 10003

	ProofAlreadyUsedErrCode        CashuErrCode = 11001
	InsufficientProofAmountErrCode CashuErrCode = 11002
	UnitErrCode                    CashuErrCode = 11005
	AmountLimitExceeded            CashuErrCode = 11006
	PaymentMethodErrCode           CashuErrCode = 11007

	UnknownKeysetErrCode  CashuErrCode = 12001
	InactiveKeysetErrCode CashuErrCode = 12002

	MintQuoteRequestNotPaidErrCode CashuErrCode = 20001
	MintQuoteAlreadyIssuedErrCode  CashuErrCode = 20002
	MintingDisabledErrCode         CashuErrCode = 20003
	MeltQuotePendingErrCode        CashuErrCode = 20005
	MeltQuoteAlreadyPaidErrCode    CashuErrCode = 20006
	MeltQuoteErrCode               CashuErrCode = 20009
)

var (
	StandardErr                  = Error{Detail: "mint is currently unable to process request", Code: StandardErrCode}
	UnknownKeysetErr             = Error{Detail: "unknown keyset", Code: UnknownKeysetErrCode}
	PaymentMethodNotSupportedErr = Error{Detail: "payment method not supported", Code: PaymentMethodErrCode}
	UnitNotSupportedErr          = Error{Detail: "unit not supported", Code: UnitErrCode}
	BlindedMessageAlreadySigned  = Error{Detail: "blinded message already signed", Code: BlindedMessageAlreadySignedErrCode}
	MintQuoteRequestNotPaid      = Error{Detail: "quote request has not been paid", Code: MintQuoteRequestNotPaidErrCode}
	MintQuoteAlreadyIssued       = Error{Detail: "quote already issued", Code: MintQuoteAlreadyIssuedErrCode}
	ProofAlreadyUsedErr          = Error{Detail: "proof already used", Code: ProofAlreadyUsedErrCode}
	ProofPendingErr              = Error{Detail: "proof is pending", Code: ProofAlreadyUsedErrCode}
	InvalidProofErr              = Error{Detail: "invalid proof", Code: InvalidProofErrCode}
	DuplicateProofs              = Error{Detail: "duplicate proofs", Code: InvalidProofErrCode}
	QuoteNotExistErr             = Error{Detail: "quote does not exist", Code: MeltQuoteErrCode}
	QuotePending                 = Error{Detail: "quote is pending", Code: MeltQuotePendingErrCode}
	MeltQuoteAlreadyPaid         = Error{Detail: "quote already paid", Code: MeltQuoteAlreadyPaidErrCode}
	InsufficientProofsAmount     = Error{
		Detail: "amount of input proofs is below amount needed for transaction",
		Code:   InsufficientProofAmountErrCode,
	}
)

// IsErrCode reports whether err carries a mint error with the given code.
func IsErrCode(err error, code CashuErrCode) bool {
	var cashuErr Error
	if errors.As(err, &cashuErr) {
		return cashuErr.Code == code
	}
	var cashuErrPtr *Error
	if errors.As(err, &cashuErrPtr) && cashuErrPtr != nil {
		return cashuErrPtr.Code == code
	}
	return false
}

// Given an amount, it returns list of amounts e.g 13 -> [1, 4, 8]
// that can be used to build blinded messages or split operations.
func AmountSplit(amount uint64) []uint64 {
	rv := make([]uint64, 0)
	for pos := 0; amount > 0; pos++ {
		if amount&1 == 1 {
			rv = append(rv, 1<<pos)
		}
		amount >>= 1
	}
	return rv
}

// CheckDuplicateProofs reports whether two proofs share a secret.
func CheckDuplicateProofs(proofs Proofs) bool {
	secrets := make(map[string]bool)
	for _, proof := range proofs {
		if secrets[proof.Secret] {
			return true
		}
		secrets[proof.Secret] = true
	}
	return false
}
