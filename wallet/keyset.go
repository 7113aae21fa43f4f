package wallet

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/nutdo/nutdo/crypto"
	"github.com/nutdo/nutdo/wallet/client"
)

var ErrNoActiveKeyset = errors.New("could not find an active keyset for the unit")

func isHexId(id string) bool {
	_, err := hex.DecodeString(id)
	return err == nil
}

// loadKeysets refreshes the active keyset and the list of inactive ones.
// If the mint rotated its keyset the previous active one becomes inactive.
func (s *MintSession) loadKeysets(ctx context.Context) error {
	keysetsResponse, err := client.GetAllKeysets(ctx, s.mintURL)
	if err != nil {
		return fmt.Errorf("error getting keysets from mint: %w", err)
	}

	inactive := make(map[string]crypto.WalletKeyset)
	fees := make(map[string]uint)
	var active *crypto.WalletKeyset

	for _, keyset := range keysetsResponse.Keysets {
		if keyset.Unit != s.unit.String() || !isHexId(keyset.Id) {
			continue
		}
		fees[keyset.Id] = keyset.InputFeePpk

		if !keyset.Active || active != nil {
			walletKeyset := crypto.WalletKeyset{
				Id:          keyset.Id,
				MintURL:     s.mintURL,
				Unit:        keyset.Unit,
				Active:      keyset.Active,
				InputFeePpk: keyset.InputFeePpk,
			}
			if previous, ok := s.inactiveKeysets[keyset.Id]; ok {
				walletKeyset.PublicKeys = previous.PublicKeys
			} else if s.activeKeyset != nil && s.activeKeyset.Id == keyset.Id {
				walletKeyset.PublicKeys = s.activeKeyset.PublicKeys
			}
			inactive[keyset.Id] = walletKeyset
			continue
		}

		if s.activeKeyset != nil && s.activeKeyset.Id == keyset.Id {
			current := *s.activeKeyset
			current.InputFeePpk = keyset.InputFeePpk
			active = &current
			continue
		}

		keys, err := s.fetchKeysetKeys(ctx, keyset.Id)
		if err != nil {
			return err
		}
		active = &crypto.WalletKeyset{
			Id:          keyset.Id,
			MintURL:     s.mintURL,
			Unit:        keyset.Unit,
			Active:      true,
			PublicKeys:  keys,
			InputFeePpk: keyset.InputFeePpk,
		}
	}

	if active == nil {
		return ErrNoActiveKeyset
	}
	if s.activeKeyset != nil && s.activeKeyset.Id != active.Id {
		s.logger.Info("mint rotated active keyset",
			"previous", s.activeKeyset.Id, "active", active.Id)
	}

	s.activeKeyset = active
	s.inactiveKeysets = inactive
	s.keysetFees = fees
	return nil
}

// fetchKeysetKeys gets the public keys of the keyset and checks they
// derive the id the mint advertised.
func (s *MintSession) fetchKeysetKeys(ctx context.Context, id string) (map[uint64]*secp256k1.PublicKey, error) {
	keysetsResponse, err := client.GetKeysetById(ctx, s.mintURL, id)
	if err != nil {
		return nil, fmt.Errorf("error getting keyset from mint: %w", err)
	}
	if len(keysetsResponse.Keysets) == 0 {
		return nil, fmt.Errorf("mint returned no keys for keyset '%v'", id)
	}

	keyset := keysetsResponse.Keysets[0]
	keys, err := keyset.Keys.PublicKeys()
	if err != nil {
		return nil, err
	}

	derivedId := crypto.DeriveKeysetId(keys)
	if derivedId != id {
		return nil, fmt.Errorf("got invalid keyset. Derived id: '%v' but got '%v' from mint", derivedId, id)
	}
	return keys, nil
}

// keysetKeys returns the public keys for any keyset of the mint,
// fetching and caching keys of inactive keysets on first use.
func (s *MintSession) keysetKeys(ctx context.Context, id string) (map[uint64]*secp256k1.PublicKey, error) {
	if s.activeKeyset != nil && s.activeKeyset.Id == id {
		return s.activeKeyset.PublicKeys, nil
	}

	keyset, ok := s.inactiveKeysets[id]
	if !ok {
		return nil, fmt.Errorf("unknown keyset '%v'", id)
	}
	if keyset.PublicKeys != nil {
		return keyset.PublicKeys, nil
	}

	keys, err := s.fetchKeysetKeys(ctx, id)
	if err != nil {
		return nil, err
	}
	keyset.PublicKeys = keys
	s.inactiveKeysets[id] = keyset
	return keys, nil
}

func (s *MintSession) isKnownKeyset(id string) bool {
	if s.activeKeyset != nil && s.activeKeyset.Id == id {
		return true
	}
	_, ok := s.inactiveKeysets[id]
	return ok
}

func (s *MintSession) inactiveKeysetIds() map[string]bool {
	ids := make(map[string]bool, len(s.inactiveKeysets))
	for id := range s.inactiveKeysets {
		ids[id] = true
	}
	return ids
}
