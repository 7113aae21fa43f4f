package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const maxOrder = 64

// MintKeyset holds the private keys of a keyset. It is only used
// by the in-process mint the wallet tests run against.
type MintKeyset struct {
	Id          string
	Unit        string
	Active      bool
	InputFeePpk uint
	KeyPairs    []KeyPair
}

type KeyPair struct {
	Amount     uint64
	PrivateKey *secp256k1.PrivateKey
	PublicKey  *secp256k1.PublicKey
}

func GenerateKeyset(seed, derivationPath string, inputFeePpk uint) *MintKeyset {
	keyPairs := make([]KeyPair, maxOrder)

	for i := 0; i < maxOrder; i++ {
		amount := uint64(1) << i
		hash := sha256.Sum256([]byte(seed + derivationPath + strconv.FormatUint(amount, 10)))
		privKey, pubKey := btcec.PrivKeyFromBytes(hash[:])
		keyPairs[i] = KeyPair{Amount: amount, PrivateKey: privKey, PublicKey: pubKey}
	}

	publicKeys := make(map[uint64]*secp256k1.PublicKey, maxOrder)
	for _, kp := range keyPairs {
		publicKeys[kp.Amount] = kp.PublicKey
	}

	return &MintKeyset{
		Id:          DeriveKeysetId(publicKeys),
		Unit:        "sat",
		Active:      true,
		InputFeePpk: inputFeePpk,
		KeyPairs:    keyPairs,
	}
}

// PublicKeys returns the hex encoded public keys by amount
func (ks *MintKeyset) PublicKeys() map[uint64]string {
	pubKeys := make(map[uint64]string, len(ks.KeyPairs))
	for _, key := range ks.KeyPairs {
		pubKeys[key.Amount] = hex.EncodeToString(key.PublicKey.SerializeCompressed())
	}
	return pubKeys
}

func (ks *MintKeyset) PrivateKey(amount uint64) (*secp256k1.PrivateKey, bool) {
	for _, key := range ks.KeyPairs {
		if key.Amount == amount {
			return key.PrivateKey, true
		}
	}
	return nil, false
}

// WalletKeyset is the wallet's view of a mint keyset
type WalletKeyset struct {
	Id          string
	MintURL     string
	Unit        string
	Active      bool
	PublicKeys  map[uint64]*secp256k1.PublicKey
	InputFeePpk uint
}

// DeriveKeysetId returns the version 00 keyset id: the first 7 bytes
// of sha256 over the concatenated keys sorted by amount.
func DeriveKeysetId(keyset map[uint64]*secp256k1.PublicKey) string {
	amounts := make([]uint64, 0, len(keyset))
	for amount := range keyset {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool {
		return amounts[i] < amounts[j]
	})

	pubkeys := make([]byte, 0, len(amounts)*33)
	for _, amount := range amounts {
		pubkeys = append(pubkeys, keyset[amount].SerializeCompressed()...)
	}
	hash := sha256.Sum256(pubkeys)

	return "00" + hex.EncodeToString(hash[:])[:14]
}
