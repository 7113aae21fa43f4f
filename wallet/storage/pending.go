package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"
)

var ErrPendingTokenNotFound = errors.New("pending token not found")

// PendingToken is a received token that could not be redeemed yet
type PendingToken struct {
	Id            string `json:"id"`
	Mint          string `json:"mint"`
	Token         string `json:"token"`
	Amount        uint64 `json:"amount,omitempty"`
	CreatedAt     int64  `json:"created_at"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at,omitempty"`
	LastError     string `json:"last_error,omitempty"`
}

type PendingQueue struct {
	mu      sync.Mutex
	backend Backend
	logger  *slog.Logger
}

func NewPendingQueue(backend Backend, logger *slog.Logger) *PendingQueue {
	return &PendingQueue{backend: backend, logger: discardLogger(logger)}
}

func (q *PendingQueue) load() []PendingToken {
	pending := []PendingToken{}
	if !readSlot(q.backend, q.logger, PendingTokensSlot, &pending) || pending == nil {
		return []PendingToken{}
	}
	return pending
}

func (q *PendingQueue) save(pending []PendingToken) error {
	return writeSlot(q.backend, PendingTokensSlot, pending)
}

// Add queues a token. Adding the same token text again replaces the
// earlier entry and resets its attempts.
func (q *PendingQueue) Add(mint, token string, amount uint64) (PendingToken, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return PendingToken{}, err
	}

	entry := PendingToken{
		Id:        hex.EncodeToString(idBytes),
		Mint:      NormalizeMintURL(mint),
		Token:     token,
		Amount:    amount,
		CreatedAt: time.Now().Unix(),
	}

	pending := slices.DeleteFunc(q.load(), func(p PendingToken) bool {
		return p.Token == token
	})
	pending = append(pending, entry)
	if err := q.save(pending); err != nil {
		return PendingToken{}, err
	}
	return entry, nil
}

func (q *PendingQueue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.load()
	remaining := slices.DeleteFunc(slices.Clone(pending), func(p PendingToken) bool {
		return p.Id == id
	})
	if len(remaining) == len(pending) {
		return nil
	}
	return q.save(remaining)
}

// MarkAttempt records a failed redemption attempt without removing the entry.
func (q *PendingQueue) MarkAttempt(id string, attemptErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.load()
	idx := slices.IndexFunc(pending, func(p PendingToken) bool { return p.Id == id })
	if idx == -1 {
		return ErrPendingTokenNotFound
	}

	pending[idx].Attempts++
	pending[idx].LastAttemptAt = time.Now().Unix()
	pending[idx].LastError = ""
	if attemptErr != nil {
		pending[idx].LastError = attemptErr.Error()
	}
	return q.save(pending)
}

func (q *PendingQueue) Get(id string) (PendingToken, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := q.load()
	idx := slices.IndexFunc(pending, func(p PendingToken) bool { return p.Id == id })
	if idx == -1 {
		return PendingToken{}, false
	}
	return pending[idx], true
}

// List returns the entries in storage order
func (q *PendingQueue) List() []PendingToken {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load()
}
