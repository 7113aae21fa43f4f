// Package nut01 contains structs as defined in [NUT-01]
//
// [NUT-01]: https://github.com/cashubtc/nuts/blob/main/01.md
package nut01

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

type GetKeysResponse struct {
	Keysets []Keyset `json:"keysets"`
}

type Keyset struct {
	Id   string  `json:"id"`
	Unit string  `json:"unit"`
	Keys KeysMap `json:"keys"`
}

// KeysMap maps an amount to the hex encoded public key that signs it
type KeysMap map[uint64]string

// custom marshaller to display sorted keys
func (km KeysMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')

	amounts := make([]uint64, 0, len(km))
	for k := range km {
		amounts = append(amounts, k)
	}
	slices.Sort(amounts)

	for j, amount := range amounts {
		if j != 0 {
			buf.WriteByte(',')
		}
		buf.WriteByte('"')
		buf.WriteString(strconv.FormatUint(amount, 10))
		buf.WriteByte('"')
		buf.WriteByte(':')
		val, err := json.Marshal(km[amount])
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// PublicKeys parses every key in the map.
func (km KeysMap) PublicKeys() (map[uint64]*secp256k1.PublicKey, error) {
	keys := make(map[uint64]*secp256k1.PublicKey, len(km))
	for amount, key := range km {
		keyBytes, err := hex.DecodeString(key)
		if err != nil {
			return nil, fmt.Errorf("invalid key for amount %v: %v", amount, err)
		}
		pubkey, err := secp256k1.ParsePubKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("invalid key for amount %v: %v", amount, err)
		}
		keys[amount] = pubkey
	}
	return keys, nil
}
