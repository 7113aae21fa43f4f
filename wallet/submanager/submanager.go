// Package submanager keeps a websocket connection to a mint and
// routes NUT-17 notifications to their subscriptions.
package submanager

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nutdo/nutdo/cashu"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
)

var (
	ErrNUT17NotSupported    = errors.New("NUT-17 Not supported")
	ErrSubscriptionClosed   = errors.New("subscription closed")
	ErrSubscriptionNotFound = errors.New("subscription does not exist")
)

const subscribeTimeout = 10 * time.Second

type SubscriptionManager struct {
	wsConn           *websocket.Conn
	writeMu          sync.Mutex
	mu               sync.RWMutex
	subs             map[string]*Subscription
	idCounter        int
	supportedMethods []nut17.SupportedMethod
	quit             chan struct{}
	closeOnce        sync.Once
}

// WebsocketURL returns the NUT-17 endpoint for the mint
func WebsocketURL(mint string) (string, error) {
	mintURL, err := url.Parse(mint)
	if err != nil {
		return "", fmt.Errorf("invalid mint url: %v", err)
	}

	scheme := "ws"
	if mintURL.Scheme == "https" {
		scheme = "wss"
	}
	return scheme + "://" + mintURL.Host + strings.TrimSuffix(mintURL.Path, "/") + "/v1/ws", nil
}

func NewSubscriptionManager(ctx context.Context, mint string, supported []nut17.SupportedMethod) (*SubscriptionManager, error) {
	if len(supported) == 0 {
		return nil, ErrNUT17NotSupported
	}

	wsURL, err := WebsocketURL(mint)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("could not connect to mint websocket: %w", err)
	}

	subManager := &SubscriptionManager{
		wsConn:           conn,
		subs:             make(map[string]*Subscription),
		supportedMethods: supported,
		quit:             make(chan struct{}),
	}

	return subManager, nil
}

// Run reads messages until the connection fails or the manager is closed.
// It should be run on a separate goroutine. If an error is sent on
// errChannel the subscription manager should be closed.
func (sm *SubscriptionManager) Run(errChannel chan error) {
	if err := sm.handleWsMessages(); err != nil {
		select {
		case errChannel <- err:
		case <-sm.quit:
		}
	}
}

func (sm *SubscriptionManager) Close() error {
	var err error
	sm.closeOnce.Do(func() {
		close(sm.quit)
		err = sm.wsConn.Close()

		sm.mu.Lock()
		for subId, sub := range sm.subs {
			sub.close()
			delete(sm.subs, subId)
		}
		sm.mu.Unlock()
	})
	return err
}

func (sm *SubscriptionManager) handleWsMessages() error {
	for {
		_, msg, err := sm.wsConn.ReadMessage()
		if err != nil {
			select {
			case <-sm.quit:
				return nil
			default:
				return err
			}
		}
		sm.route(msg)
	}
}

func (sm *SubscriptionManager) route(msg []byte) {
	var notification nut17.WsNotification
	if err := json.Unmarshal(msg, &notification); err == nil {
		sm.mu.RLock()
		sub, ok := sm.subs[notification.Params.SubId]
		sm.mu.RUnlock()
		if ok {
			sub.deliver(notification)
		}
		return
	}

	var response nut17.WsResponse
	if err := json.Unmarshal(msg, &response); err == nil {
		if sub := sm.subscriptionById(response.Id); sub != nil {
			select {
			case sub.responseChannel <- response:
			default:
			}
		}
		return
	}

	var wsError nut17.WsError
	if err := json.Unmarshal(msg, &wsError); err == nil {
		if sub := sm.subscriptionById(wsError.Id); sub != nil {
			select {
			case sub.errChannel <- wsError:
			default:
			}
		}
	}
}

func (sm *SubscriptionManager) subscriptionById(id int) *Subscription {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	for _, subscription := range sm.subs {
		if subscription.id == id {
			return subscription
		}
	}
	return nil
}

func (sm *SubscriptionManager) removeSubscription(subId string) {
	sm.mu.Lock()
	if sub, ok := sm.subs[subId]; ok {
		sub.close()
		delete(sm.subs, subId)
	}
	sm.mu.Unlock()
}

func (sm *SubscriptionManager) nextId() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id := sm.idCounter
	sm.idCounter++
	return id
}

func (sm *SubscriptionManager) writeJSON(v any) error {
	sm.writeMu.Lock()
	defer sm.writeMu.Unlock()
	return sm.wsConn.WriteJSON(v)
}

func (sm *SubscriptionManager) Subscribe(ctx context.Context, kind nut17.SubscriptionKind, filters []string) (*Subscription, error) {
	if len(filters) < 1 {
		return nil, errors.New("filters cannot be empty")
	}

	if !sm.IsSubscriptionKindSupported(kind) {
		return nil, fmt.Errorf("subscription to %s not supported by mint", kind)
	}

	randomBytes := make([]byte, 16)
	if _, err := rand.Read(randomBytes); err != nil {
		return nil, err
	}
	subId := hex.EncodeToString(randomBytes)
	id := sm.nextId()

	sub := &Subscription{
		id:                  id,
		subId:               subId,
		kind:                kind,
		responseChannel:     make(chan nut17.WsResponse, 1),
		notificationChannel: make(chan nut17.WsNotification, 64),
		errChannel:          make(chan nut17.WsError, 1),
		done:                make(chan struct{}),
	}

	sm.mu.Lock()
	sm.subs[subId] = sub
	sm.mu.Unlock()

	request := nut17.NewSubscribeRequest(kind, subId, filters, id)
	if err := sm.writeJSON(request); err != nil {
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not send request for subscription: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()

	select {
	case response := <-sub.responseChannel:
		if response.Result.Status == nut17.OK {
			return sub, nil
		}
	case err := <-sub.errChannel:
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %v", err.Error())
	case <-ctx.Done():
		sm.removeSubscription(subId)
		return nil, fmt.Errorf("could not setup subscription to mint: %w", ctx.Err())
	}

	sm.removeSubscription(subId)
	return nil, errors.New("could not setup subscription to mint")
}

func (sm *SubscriptionManager) CloseSubscription(subId string) error {
	sm.mu.RLock()
	_, ok := sm.subs[subId]
	sm.mu.RUnlock()
	if !ok {
		return ErrSubscriptionNotFound
	}

	request := nut17.NewUnsubscribeRequest(subId, sm.nextId())
	defer sm.removeSubscription(subId)
	if err := sm.writeJSON(request); err != nil {
		return fmt.Errorf("could not send unsubscribe request to mint: %v", err)
	}

	return nil
}

func (sm *SubscriptionManager) IsSubscriptionKindSupported(kind nut17.SubscriptionKind) bool {
	for _, method := range sm.supportedMethods {
		if method.Method == cashu.BOLT11_METHOD {
			if slices.Contains(method.Commands, kind.String()) {
				return true
			}
		}
	}
	return false
}

type Subscription struct {
	subId               string
	id                  int
	kind                nut17.SubscriptionKind
	responseChannel     chan nut17.WsResponse
	notificationChannel chan nut17.WsNotification
	errChannel          chan nut17.WsError
	done                chan struct{}
	closeOnce           sync.Once
}

// notifications are dropped when the reader falls too far behind
func (s *Subscription) deliver(notification nut17.WsNotification) {
	select {
	case <-s.done:
	case s.notificationChannel <- notification:
	default:
	}
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Read blocks until the next notification for the subscription
func (s *Subscription) Read(ctx context.Context) (nut17.WsNotification, error) {
	select {
	case msg := <-s.notificationChannel:
		return msg, nil
	case <-s.done:
		return nut17.WsNotification{}, ErrSubscriptionClosed
	case <-ctx.Done():
		return nut17.WsNotification{}, ctx.Err()
	}
}

func (s *Subscription) SubId() string {
	return s.subId
}

func (s *Subscription) Kind() nut17.SubscriptionKind {
	return s.kind
}
