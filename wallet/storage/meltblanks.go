package storage

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/nutdo/nutdo/cashu"
)

// MeltBlanks are the blank outputs sent with a melt request. The mint
// signs them with the overpaid fee reserve once the payment settles.
type MeltBlanks struct {
	QuoteId   string                `json:"quote"`
	Mint      string                `json:"mint"`
	Outputs   cashu.BlindedMessages `json:"outputs"`
	Secrets   []string              `json:"secrets"`
	Rs        []string              `json:"rs"`
	Inputs    cashu.Proofs          `json:"inputs,omitempty"`
	CreatedAt int64                 `json:"created_at"`
}

type MeltBlankStore struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
}

func NewMeltBlankStore(backend Backend, logger *slog.Logger) *MeltBlankStore {
	return &MeltBlankStore{backend: backend, logger: discardLogger(logger)}
}

func (s *MeltBlankStore) load() map[string]MeltBlanks {
	blanks := make(map[string]MeltBlanks)
	if !readSlot(s.backend, s.logger, MeltBlanksSlot, &blanks) || blanks == nil {
		return make(map[string]MeltBlanks)
	}
	return blanks
}

func (s *MeltBlankStore) Save(blanks MeltBlanks) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.load()
	blanks.Mint = NormalizeMintURL(blanks.Mint)
	all[blanks.QuoteId] = blanks
	return writeSlot(s.backend, MeltBlanksSlot, all)
}

func (s *MeltBlankStore) Get(quoteId string) (MeltBlanks, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blanks, ok := s.load()[quoteId]
	return blanks, ok
}

func (s *MeltBlankStore) Delete(quoteId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.load()
	if _, ok := all[quoteId]; !ok {
		return nil
	}
	delete(all, quoteId)
	return writeSlot(s.backend, MeltBlanksSlot, all)
}

// List returns the pending blanks for the mint, or for every mint if
// mint is empty, ordered by creation time
func (s *MeltBlankStore) List(mint string) []MeltBlanks {
	s.mu.Lock()
	defer s.mu.Unlock()

	mint = NormalizeMintURL(mint)
	list := make([]MeltBlanks, 0)
	for _, blanks := range s.load() {
		if mint == "" || blanks.Mint == mint {
			list = append(list, blanks)
		}
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt == list[j].CreatedAt {
			return list[i].QuoteId < list[j].QuoteId
		}
		return list[i].CreatedAt < list[j].CreatedAt
	})
	return list
}
