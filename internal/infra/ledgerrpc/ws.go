package ledgerrpc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/tranche/errs"
)

const (
	wsMaxReconnectInterval = 20 * time.Second
	wsWriteTimeout         = 5 * time.Second
	wsPingInterval         = 20 * time.Second
	wsReadLimit            = 1 << 20
	wsComponent            = "ledger/ws"
)

// SignatureNotification reports that one subscribed signature settled.
type SignatureNotification struct {
	Signature string
	Slot      uint64
	Err       any
}

// WSClient subscribes to signature confirmations over the ledger's websocket
// endpoint. Pending subscriptions survive reconnects.
type WSClient struct {
	endpoint string
	logger   *log.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex

	requestID atomic.Uint64

	mu         sync.Mutex
	watchers   map[string]chan SignatureNotification
	requests   map[uint64]string
	subscribed map[int64]string

	ready     chan struct{}
	readyOnce sync.Once
}

// NewWSClient creates an unconnected client. Call Run to connect.
func NewWSClient(endpoint string, logger *log.Logger) *WSClient {
	if logger == nil {
		logger = log.New(os.Stdout, "ledger-ws ", log.LstdFlags|log.Lmicroseconds)
	}
	return &WSClient{
		endpoint:   endpoint,
		logger:     logger,
		watchers:   make(map[string]chan SignatureNotification),
		requests:   make(map[uint64]string),
		subscribed: make(map[int64]string),
		ready:      make(chan struct{}),
	}
}

// Ready is closed after the first successful connection.
func (c *WSClient) Ready() <-chan struct{} { return c.ready }

// SignatureSubscribe registers interest in signature. The returned channel
// receives exactly one notification and is then closed.
func (c *WSClient) SignatureSubscribe(ctx context.Context, signature string) (<-chan SignatureNotification, error) {
	c.mu.Lock()
	if ch, ok := c.watchers[signature]; ok {
		c.mu.Unlock()
		return ch, nil
	}
	ch := make(chan SignatureNotification, 1)
	c.watchers[signature] = ch
	c.mu.Unlock()

	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		// sent on the next (re)connect
		return ch, nil
	}
	if err := c.sendSubscribe(ctx, conn, signature); err != nil {
		c.logger.Printf("subscribe %s deferred to reconnect: %v", signature, err)
	}
	return ch, nil
}

// Pending returns how many signatures still wait for a notification.
func (c *WSClient) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.watchers)
}

// Run keeps the connection alive until ctx ends, reconnecting with exponential backoff.
func (c *WSClient) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = wsMaxReconnectInterval

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		conn, _, err := websocket.Dial(ctx, c.endpoint, nil)
		if err != nil {
			c.logger.Printf("dial %s: %v", c.endpoint, err)
			if !c.sleep(ctx, policy) {
				return context.Canceled
			}
			continue
		}
		conn.SetReadLimit(wsReadLimit)
		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		policy.Reset()

		c.resubscribeAll(ctx, conn)
		c.readyOnce.Do(func() { close(c.ready) })
		err = c.serve(ctx, conn)

		c.connMu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Printf("connection lost: %v", err)
		}
		if !c.sleep(ctx, policy) {
			return context.Canceled
		}
	}
}

func (c *WSClient) sleep(ctx context.Context, policy *backoff.ExponentialBackOff) bool {
	wait := policy.NextBackOff()
	if wait == backoff.Stop {
		wait = wsMaxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}

func (c *WSClient) serve(ctx context.Context, conn *websocket.Conn) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(connCtx, wsWriteTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()
	for {
		_, data, err := conn.Read(connCtx)
		if err != nil {
			if connCtx.Err() != nil && ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if err := c.handle(data); err != nil {
			c.logger.Printf("decode message: %v", err)
		}
	}
}

type wsRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type wsMessage struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Subscription int64 `json:"subscription"`
		Result       struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err any `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

func (c *WSClient) handle(data []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	switch {
	case msg.ID != nil:
		c.mu.Lock()
		signature, ok := c.requests[*msg.ID]
		delete(c.requests, *msg.ID)
		if ok && msg.Error == nil {
			var subID int64
			if err := json.Unmarshal(msg.Result, &subID); err == nil {
				c.subscribed[subID] = signature
			}
		}
		c.mu.Unlock()
		if msg.Error != nil {
			return fmt.Errorf("subscribe %s: %w", signature, msg.Error)
		}
	case msg.Method == "signatureNotification" && msg.Params != nil:
		c.mu.Lock()
		signature, ok := c.subscribed[msg.Params.Subscription]
		delete(c.subscribed, msg.Params.Subscription)
		ch := c.watchers[signature]
		delete(c.watchers, signature)
		c.mu.Unlock()
		if !ok || ch == nil {
			return nil
		}
		ch <- SignatureNotification{
			Signature: signature,
			Slot:      msg.Params.Result.Context.Slot,
			Err:       msg.Params.Result.Value.Err,
		}
		close(ch)
	}
	return nil
}

func (c *WSClient) resubscribeAll(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.requests = make(map[uint64]string)
	c.subscribed = make(map[int64]string)
	signatures := make([]string, 0, len(c.watchers))
	for sig := range c.watchers {
		signatures = append(signatures, sig)
	}
	c.mu.Unlock()
	for _, sig := range signatures {
		if err := c.sendSubscribe(ctx, conn, sig); err != nil {
			c.logger.Printf("resubscribe %s: %v", sig, err)
			return
		}
	}
}

func (c *WSClient) sendSubscribe(ctx context.Context, conn *websocket.Conn, signature string) error {
	id := c.requestID.Add(1)
	data, err := json.Marshal(wsRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  "signatureSubscribe",
		Params:  []any{signature, map[string]any{"commitment": DefaultCommitment}},
	})
	if err != nil {
		return errs.New(wsComponent, errs.CodeInvalid, errs.WithCause(err))
	}
	c.mu.Lock()
	c.requests[id] = signature
	c.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.requests, id)
		c.mu.Unlock()
		return errs.New(wsComponent, errs.CodeNetwork, errs.WithMessage("write subscribe"), errs.WithCause(err))
	}
	return nil
}
