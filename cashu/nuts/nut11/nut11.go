// Package nut11 contains structs and helpers for P2PK locked secrets as defined in [NUT-11]
//
// [NUT-11]: https://github.com/cashubtc/nuts/blob/main/11.md
package nut11

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut10"
)

const (
	// supported tags
	SIGFLAG  = "sigflag"
	NSIGS    = "n_sigs"
	PUBKEYS  = "pubkeys"
	LOCKTIME = "locktime"
	REFUND   = "refund"

	// SIGFLAG types
	SIGINPUTS = "SIG_INPUTS"
	SIGALL    = "SIG_ALL"

	NUT11ErrCode cashu.CashuErrCode = 30001
)

var (
	InvalidTagErr          = cashu.Error{Detail: "invalid tag", Code: NUT11ErrCode}
	TooManyTagsErr         = cashu.Error{Detail: "too many tags", Code: NUT11ErrCode}
	NSigsMustBePositiveErr = cashu.Error{Detail: "n_sigs must be a positive integer", Code: NUT11ErrCode}
	EmptyWitnessErr        = cashu.Error{Detail: "witness cannot be empty", Code: NUT11ErrCode}
	NotEnoughSignaturesErr = cashu.Error{Detail: "not enough valid signatures provided", Code: NUT11ErrCode}
)

type P2PKWitness struct {
	Signatures []string `json:"signatures"`
}

type P2PKTags struct {
	Sigflag  string
	NSigs    int
	Pubkeys  []*btcec.PublicKey
	Locktime int64
	Refund   []*btcec.PublicKey
}

// P2PKSecret returns a secret with a spending condition
// that will lock ecash to a public key
func P2PKSecret(pubkey string, tags [][]string) (string, error) {
	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	secret := nut10.WellKnownSecret{
		Kind: nut10.P2PK,
		Data: nut10.SecretData{
			Nonce: hex.EncodeToString(nonceBytes),
			Data:  pubkey,
			Tags:  tags,
		},
	}
	return nut10.SerializeSecret(secret)
}

func ParseP2PKTags(tags [][]string) (*P2PKTags, error) {
	if len(tags) > 5 {
		return nil, TooManyTagsErr
	}

	p2pkTags := P2PKTags{}

	for _, tag := range tags {
		if len(tag) < 2 {
			return nil, InvalidTagErr
		}
		switch tag[0] {
		case SIGFLAG:
			sigflagType := tag[1]
			if sigflagType != SIGINPUTS && sigflagType != SIGALL {
				return nil, cashu.BuildCashuError(fmt.Sprintf("invalid sigflag: %v", sigflagType), NUT11ErrCode)
			}
			p2pkTags.Sigflag = sigflagType
		case NSIGS:
			nsig, err := strconv.ParseInt(tag[1], 10, 8)
			if err != nil {
				return nil, cashu.BuildCashuError(fmt.Sprintf("invalid n_sigs value: %v", err), NUT11ErrCode)
			}
			if nsig < 0 {
				return nil, NSigsMustBePositiveErr
			}
			p2pkTags.NSigs = int(nsig)
		case PUBKEYS:
			pubkeys, err := parsePublicKeys(tag[1:])
			if err != nil {
				return nil, err
			}
			p2pkTags.Pubkeys = pubkeys
		case LOCKTIME:
			locktime, err := strconv.ParseInt(tag[1], 10, 64)
			if err != nil {
				return nil, cashu.BuildCashuError(fmt.Sprintf("invalid locktime: %v", err), NUT11ErrCode)
			}
			p2pkTags.Locktime = locktime
		case REFUND:
			refundKeys, err := parsePublicKeys(tag[1:])
			if err != nil {
				return nil, err
			}
			p2pkTags.Refund = refundKeys
		}
	}

	return &p2pkTags, nil
}

func parsePublicKeys(keys []string) ([]*btcec.PublicKey, error) {
	pubkeys := make([]*btcec.PublicKey, 0, len(keys))
	for _, key := range keys {
		pubkey, err := ParsePublicKey(key)
		if err != nil {
			return nil, err
		}
		pubkeys = append(pubkeys, pubkey)
	}
	return pubkeys, nil
}

// SignProof returns the hex encoded schnorr signature over sha256(secret)
func SignProof(proof cashu.Proof, signingKey *btcec.PrivateKey) (string, error) {
	hash := sha256.Sum256([]byte(proof.Secret))
	signature, err := schnorr.Sign(signingKey, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(signature.Serialize()), nil
}

// AddSignatureToInputs sets a witness with a signature from signingKey
// on every proof. Existing signatures in a witness are kept.
func AddSignatureToInputs(inputs cashu.Proofs, signingKey *btcec.PrivateKey) (cashu.Proofs, error) {
	signed := make(cashu.Proofs, len(inputs))
	for i, proof := range inputs {
		signature, err := SignProof(proof, signingKey)
		if err != nil {
			return nil, err
		}

		var p2pkWitness P2PKWitness
		if len(proof.Witness) > 0 {
			if err := json.Unmarshal([]byte(proof.Witness), &p2pkWitness); err != nil {
				p2pkWitness = P2PKWitness{}
			}
		}
		if !slices.Contains(p2pkWitness.Signatures, signature) {
			p2pkWitness.Signatures = append(p2pkWitness.Signatures, signature)
		}

		witness, err := json.Marshal(p2pkWitness)
		if err != nil {
			return nil, err
		}
		proof.Witness = string(witness)
		signed[i] = proof
	}

	return signed, nil
}

// PublicKeys returns the public keys that can sign a P2PK locked
// proof: the key in the data field followed by the pubkeys tag.
func PublicKeys(secret nut10.WellKnownSecret) ([]*btcec.PublicKey, error) {
	p2pkTags, err := ParseP2PKTags(secret.Data.Tags)
	if err != nil {
		return nil, err
	}

	pubkey, err := ParsePublicKey(secret.Data.Data)
	if err != nil {
		return nil, err
	}
	return append([]*btcec.PublicKey{pubkey}, p2pkTags.Pubkeys...), nil
}

func IsSecretP2PK(proof cashu.Proof) bool {
	return nut10.SecretType(proof.Secret) == nut10.P2PK
}

func IsSigAll(secret nut10.WellKnownSecret) bool {
	for _, tag := range secret.Data.Tags {
		if len(tag) == 2 && tag[0] == SIGFLAG && tag[1] == SIGALL {
			return true
		}
	}
	return false
}

// VerifyProofWitness checks that a P2PK locked proof carries enough valid
// signatures. Locked proofs past their locktime can also be spent with a
// refund key signature, or by anyone if no refund keys are set.
func VerifyProofWitness(proof cashu.Proof, now int64) error {
	secret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil || secret.Kind != nut10.P2PK {
		return nil
	}

	tags, err := ParseP2PKTags(secret.Data.Tags)
	if err != nil {
		return err
	}
	pubkeys, err := PublicKeys(secret)
	if err != nil {
		return err
	}

	var witness P2PKWitness
	if len(proof.Witness) > 0 {
		if err := json.Unmarshal([]byte(proof.Witness), &witness); err != nil {
			return cashu.BuildCashuError(fmt.Sprintf("invalid witness: %v", err), NUT11ErrCode)
		}
	}

	hash := sha256.Sum256([]byte(proof.Secret))
	if tags.Locktime > 0 && now > tags.Locktime {
		if len(tags.Refund) == 0 {
			return nil
		}
		if HasValidSignatures(hash[:], witness, 1, tags.Refund) {
			return nil
		}
	}

	if len(witness.Signatures) == 0 {
		return EmptyWitnessErr
	}
	nsigs := tags.NSigs
	if nsigs == 0 {
		nsigs = 1
	}
	if !HasValidSignatures(hash[:], witness, nsigs, pubkeys) {
		return NotEnoughSignaturesErr
	}
	return nil
}

func HasValidSignatures(hash []byte, witness P2PKWitness, Nsigs int, pubkeys []*btcec.PublicKey) bool {
	pubkeysCopy := make([]*btcec.PublicKey, len(pubkeys))
	copy(pubkeysCopy, pubkeys)

	validSignatures := 0
	for _, signature := range witness.Signatures {
		sig, err := ParseSignature(signature)
		if err != nil {
			continue
		}

		for i, pubkey := range pubkeysCopy {
			if sig.Verify(hash, pubkey) {
				validSignatures++
				pubkeysCopy = slices.Delete(pubkeysCopy, i, i+1)
				break
			}
		}
	}

	return validSignatures >= Nsigs
}

func ParsePublicKey(key string) (*btcec.PublicKey, error) {
	hexPubkey, err := hex.DecodeString(key)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid public key: %v", err), NUT11ErrCode)
	}
	pubkey, err := btcec.ParsePubKey(hexPubkey)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid public key: %v", err), NUT11ErrCode)
	}
	return pubkey, nil
}

func ParseSignature(signature string) (*schnorr.Signature, error) {
	hexSig, err := hex.DecodeString(signature)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid signature: %v", err), NUT11ErrCode)
	}
	sig, err := schnorr.ParseSignature(hexSig)
	if err != nil {
		return nil, cashu.BuildCashuError(fmt.Sprintf("invalid signature: %v", err), NUT11ErrCode)
	}
	return sig, nil
}
