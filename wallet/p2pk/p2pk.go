// Package p2pk resolves and signs proofs locked to public keys the
// wallet holds a private key for.
package p2pk

import (
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut10"
	"github.com/nutdo/nutdo/cashu/nuts/nut11"
)

var (
	ErrInvalidPubkey      = errors.New("invalid public key")
	ErrMissingKeys        = errors.New("proofs are locked to a key the wallet does not hold")
	ErrSigAllNotSupported = errors.New("SIG_ALL locked proofs are not supported")
)

// KeyUsageFunc is called with the number of proofs signed by a key
type KeyUsageFunc func(pubkey string, count int)

// Resolver holds the private keys available for unlocking proofs.
type Resolver struct {
	mu      sync.RWMutex
	keys    map[string]*btcec.PrivateKey
	onUsage KeyUsageFunc
}

func NewResolver(onUsage KeyUsageFunc, keys ...*btcec.PrivateKey) *Resolver {
	resolver := &Resolver{
		keys:    make(map[string]*btcec.PrivateKey),
		onUsage: onUsage,
	}
	for _, key := range keys {
		resolver.AddKey(key)
	}
	return resolver
}

// AddKey registers a private key and returns its compressed public key
func (r *Resolver) AddKey(key *btcec.PrivateKey) string {
	pubkey := hex.EncodeToString(key.PubKey().SerializeCompressed())
	r.mu.Lock()
	r.keys[pubkey] = key
	r.mu.Unlock()
	return pubkey
}

func (r *Resolver) PrivateKey(pubkey string) (*btcec.PrivateKey, bool) {
	normalized, err := NormalizePubkey(pubkey)
	if err != nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[normalized]
	return key, ok
}

// NormalizePubkey returns the compressed hex form of a public key given
// as 32 byte x-only, 33 byte compressed or 65 byte uncompressed hex.
func NormalizePubkey(pubkey string) (string, error) {
	pubkey = strings.ToLower(strings.TrimSpace(pubkey))
	switch len(pubkey) {
	case 64:
		pubkey = "02" + pubkey
	case 66, 130:
	default:
		return "", ErrInvalidPubkey
	}

	keyBytes, err := hex.DecodeString(pubkey)
	if err != nil {
		return "", ErrInvalidPubkey
	}
	key, err := btcec.ParsePubKey(keyBytes)
	if err != nil {
		return "", ErrInvalidPubkey
	}
	return hex.EncodeToString(key.SerializeCompressed()), nil
}

// ExtractProofPubkeys returns the normalized keys that can unlock the proof:
// the data key, the pubkeys tag and the refund tag, in that order.
// It returns nil for proofs that are not P2PK locked.
func ExtractProofPubkeys(proof cashu.Proof) []string {
	secret, err := nut10.DeserializeSecret(proof.Secret)
	if err != nil || secret.Kind != nut10.P2PK {
		return nil
	}

	candidates := []string{secret.Data.Data}
	for _, tag := range secret.Data.Tags {
		if len(tag) < 2 {
			continue
		}
		if tag[0] == nut11.PUBKEYS || tag[0] == nut11.REFUND {
			candidates = append(candidates, tag[1:]...)
		}
	}

	seen := make(map[string]bool, len(candidates))
	pubkeys := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		normalized, err := NormalizePubkey(candidate)
		if err != nil || seen[normalized] {
			continue
		}
		seen[normalized] = true
		pubkeys = append(pubkeys, normalized)
	}
	return pubkeys
}

// resolve returns the first key in the proof's candidates held locally
func (r *Resolver) resolve(proof cashu.Proof) (string, *btcec.PrivateKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, pubkey := range ExtractProofPubkeys(proof) {
		if key, ok := r.keys[pubkey]; ok {
			return pubkey, key, true
		}
	}
	return "", nil, false
}

// CheckUnlockable returns an error if a locked proof without a witness
// cannot be signed with a held key. Proofs past their locktime without
// refund keys can be spent by anyone and are skipped.
func (r *Resolver) CheckUnlockable(proofs cashu.Proofs, now int64) error {
	for _, proof := range proofs {
		if len(proof.Witness) > 0 {
			continue
		}
		secret, err := nut10.DeserializeSecret(proof.Secret)
		if err != nil || secret.Kind != nut10.P2PK {
			continue
		}
		if nut11.IsSigAll(secret) {
			return ErrSigAllNotSupported
		}

		tags, err := nut11.ParseP2PKTags(secret.Data.Tags)
		if err != nil {
			return err
		}
		if tags.Locktime > 0 && now > tags.Locktime && len(tags.Refund) == 0 {
			continue
		}
		if _, _, ok := r.resolve(proof); !ok {
			return ErrMissingKeys
		}
	}
	return nil
}

// AutoSignProofs adds a signature to every unsigned locked proof whose key
// is held locally. Proofs are grouped by key and each group is signed in one
// call. Proofs that cannot be resolved are returned unchanged.
func (r *Resolver) AutoSignProofs(proofs cashu.Proofs) (cashu.Proofs, error) {
	signed := make(cashu.Proofs, len(proofs))
	copy(signed, proofs)

	order := []string{}
	groups := make(map[string][]int)
	keys := make(map[string]*btcec.PrivateKey)
	for i, proof := range proofs {
		if len(proof.Witness) > 0 {
			continue
		}
		pubkey, key, ok := r.resolve(proof)
		if !ok {
			continue
		}
		if _, ok := groups[pubkey]; !ok {
			order = append(order, pubkey)
			keys[pubkey] = key
		}
		groups[pubkey] = append(groups[pubkey], i)
	}

	for _, pubkey := range order {
		indices := groups[pubkey]
		group := make(cashu.Proofs, len(indices))
		for j, idx := range indices {
			group[j] = proofs[idx]
		}

		groupSigned, err := nut11.AddSignatureToInputs(group, keys[pubkey])
		if err != nil {
			return nil, err
		}
		for j, idx := range indices {
			signed[idx] = groupSigned[j]
		}
		if r.onUsage != nil {
			r.onUsage(pubkey, len(indices))
		}
	}

	return signed, nil
}
