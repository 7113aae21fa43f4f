package p2pk

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// DeriveKey derives the key the wallet uses to receive locked ecash
func DeriveKey(master *hdkeychain.ExtendedKey) (*btcec.PrivateKey, error) {
	// m/129372'
	purpose, err := master.Derive(hdkeychain.HardenedKeyStart + 129372)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'
	coinType, err := purpose.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'
	first, err := coinType.Derive(hdkeychain.HardenedKeyStart + 1)
	if err != nil {
		return nil, err
	}

	// m/129372'/0'/1'/0
	extKey, err := first.Derive(0)
	if err != nil {
		return nil, err
	}

	return extKey.ECPrivKey()
}
