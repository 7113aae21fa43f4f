// Package nut10 contains structs and helpers for well-known secrets as defined in [NUT-10]
//
// [NUT-10]: https://github.com/cashubtc/nuts/blob/main/10.md
package nut10

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

type SecretKind int

const (
	AnyoneCanSpend SecretKind = iota
	P2PK
	HTLC
)

func (kind SecretKind) String() string {
	switch kind {
	case P2PK:
		return "P2PK"
	case HTLC:
		return "HTLC"
	default:
		return "anyonecanspend"
	}
}

type WellKnownSecret struct {
	Kind SecretKind
	Data SecretData
}

type SecretData struct {
	Nonce string     `json:"nonce"`
	Data  string     `json:"data"`
	Tags  [][]string `json:"tags,omitempty"`
}

// SecretType returns the kind of the secret. Anything that is not a
// well-known secret is treated as a random secret.
func SecretType(secret string) SecretKind {
	wellKnown, err := DeserializeSecret(secret)
	if err != nil {
		return AnyoneCanSpend
	}
	return wellKnown.Kind
}

// SerializeSecret returns the json string to be put in the secret field of a proof
func SerializeSecret(secret WellKnownSecret) (string, error) {
	jsonSecret, err := json.Marshal(secret.Data)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("[\"%s\", %v]", secret.Kind, string(jsonSecret)), nil
}

// DeserializeSecret returns Well-known secret struct.
// It returns error if it's not valid according to NUT-10
func DeserializeSecret(secret string) (WellKnownSecret, error) {
	var rawJsonSecret []json.RawMessage
	if err := json.Unmarshal([]byte(secret), &rawJsonSecret); err != nil {
		return WellKnownSecret{}, err
	}

	// Well-known secret should have a length of at least 2
	if len(rawJsonSecret) < 2 {
		return WellKnownSecret{}, errors.New("invalid secret: length < 2")
	}

	var kind string
	if err := json.Unmarshal(rawJsonSecret[0], &kind); err != nil {
		return WellKnownSecret{}, errors.New("invalid kind for secret")
	}

	var secretKind SecretKind
	switch kind {
	case "P2PK":
		secretKind = P2PK
	case "HTLC":
		secretKind = HTLC
	default:
		return WellKnownSecret{}, fmt.Errorf("unknown secret kind '%v'", kind)
	}

	var secretData SecretData
	if err := json.Unmarshal(rawJsonSecret[1], &secretData); err != nil {
		return WellKnownSecret{}, fmt.Errorf("invalid secret: %v", err)
	}

	return WellKnownSecret{Kind: secretKind, Data: secretData}, nil
}

type SpendingCondition struct {
	Kind SecretKind
	Data string
	Tags [][]string
}

func NewSecretFromSpendingCondition(spendingCondition SpendingCondition) (string, error) {
	if spendingCondition.Kind != P2PK && spendingCondition.Kind != HTLC {
		return "", fmt.Errorf("invalid NUT-10 kind '%s' to create new secret", spendingCondition.Kind)
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", err
	}

	secret := WellKnownSecret{
		Kind: spendingCondition.Kind,
		Data: SecretData{
			Nonce: hex.EncodeToString(nonceBytes),
			Data:  spendingCondition.Data,
			Tags:  spendingCondition.Tags,
		},
	}
	return SerializeSecret(secret)
}
