package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nutdo/nutdo/cashu/nuts/nut17"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsSubscription struct {
	kind    nut17.SubscriptionKind
	filters map[string]bool
}

type wsClient struct {
	conn *websocket.Conn
	// single writer goroutine drains this
	send          chan []byte
	subscriptions map[string]wsSubscription
	closeOnce     sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		close(c.send)
	})
}

// wsHub fans out state changes to subscribed clients.
// Lock order is FakeMint.mu then wsHub.mu.
type wsHub struct {
	mu      sync.Mutex
	mint    *FakeMint
	clients map[*wsClient]bool
}

func newWsHub(mint *FakeMint) *wsHub {
	return &wsHub{mint: mint, clients: make(map[*wsClient]bool)}
}

func (h *wsHub) serveWS(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(rw, req, nil)
	if err != nil {
		h.mint.logger.Error(fmt.Sprintf("could not upgrade to websocket connection: %v", err))
		return
	}

	client := &wsClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		subscriptions: make(map[string]wsSubscription),
	}
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go h.writeMessages(client)
	go h.readMessages(client)
}

func (h *wsHub) removeClient(client *wsClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		client.close()
	}
	h.mu.Unlock()
}

func (h *wsHub) close() {
	h.mu.Lock()
	for client := range h.clients {
		client.close()
	}
	h.clients = make(map[*wsClient]bool)
	h.mu.Unlock()
}

func (h *wsHub) writeMessages(client *wsClient) {
	defer h.removeClient(client)
	for msg := range client.send {
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *wsHub) readMessages(client *wsClient) {
	defer h.removeClient(client)

	for {
		_, msg, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var request nut17.WsRequest
		if err := json.Unmarshal(msg, &request); err != nil {
			h.sendTo(client, nut17.NewWsError(1000, "invalid request", -1))
			continue
		}

		switch request.Method {
		case nut17.SUBSCRIBE:
			h.subscribe(client, request)
		case nut17.UNSUBSCRIBE:
			h.mu.Lock()
			_, ok := client.subscriptions[request.Params.SubId]
			delete(client.subscriptions, request.Params.SubId)
			h.mu.Unlock()
			if !ok {
				errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", request.Params.SubId)
				h.sendTo(client, nut17.NewWsError(1000, errMsg, request.Id))
				continue
			}
			h.sendTo(client, okResponse(request))
		default:
			h.sendTo(client, nut17.NewWsError(1000, "invalid request method", request.Id))
		}
	}
}

func okResponse(request nut17.WsRequest) nut17.WsResponse {
	return nut17.WsResponse{
		JsonRPC: nut17.JSONRPC_2,
		Result:  nut17.Result{Status: nut17.OK, SubId: request.Params.SubId},
		Id:      request.Id,
	}
}

func (h *wsHub) subscribe(client *wsClient, request nut17.WsRequest) {
	kind := nut17.StringToKind(request.Params.Kind)
	if kind == nut17.Unknown {
		h.sendTo(client, nut17.NewWsError(1000, "invalid subscription kind", request.Id))
		return
	}

	fm := h.mint
	fm.mu.Lock()
	defer fm.mu.Unlock()

	initial := make([]any, 0, len(request.Params.Filters))
	for _, filter := range request.Params.Filters {
		switch kind {
		case nut17.Bolt11MintQuote:
			quote, ok := fm.mintQuotes[filter]
			if !ok {
				h.sendTo(client, nut17.NewWsError(1000, fmt.Sprintf("quote %v does not exist", filter), request.Id))
				return
			}
			initial = append(initial, quote.response)
		case nut17.Bolt11MeltQuote:
			quote, ok := fm.meltQuotes[filter]
			if !ok {
				h.sendTo(client, nut17.NewWsError(1000, fmt.Sprintf("quote %v does not exist", filter), request.Id))
				return
			}
			initial = append(initial, quote.response)
		case nut17.ProofState:
			initial = append(initial, fm.proofState(filter))
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := client.subscriptions[request.Params.SubId]; ok {
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", request.Params.SubId)
		h.sendLocked(client, nut17.NewWsError(1000, errMsg, request.Id))
		return
	}

	filters := make(map[string]bool, len(request.Params.Filters))
	for _, filter := range request.Params.Filters {
		filters[filter] = true
	}
	client.subscriptions[request.Params.SubId] = wsSubscription{kind: kind, filters: filters}

	h.sendLocked(client, okResponse(request))
	for _, state := range initial {
		payload, _ := json.Marshal(state)
		h.sendLocked(client, nut17.NewNotification(request.Params.SubId, payload))
	}
}

// notify must be called with FakeMint.mu held
func (h *wsHub) notify(kind nut17.SubscriptionKind, filter string, state any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var payload []byte
	for client := range h.clients {
		for subId, sub := range client.subscriptions {
			if sub.kind != kind || !sub.filters[filter] {
				continue
			}
			if payload == nil {
				payload, _ = json.Marshal(state)
			}
			h.sendLocked(client, nut17.NewNotification(subId, payload))
		}
	}
}

func (h *wsHub) sendTo(client *wsClient, msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendLocked(client, msg)
}

func (h *wsHub) sendLocked(client *wsClient, msg any) {
	if !h.clients[client] {
		return
	}
	jsonMsg, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.send <- jsonMsg:
	default:
		h.mint.logger.Warn("websocket client is not keeping up. dropping message")
	}
}
