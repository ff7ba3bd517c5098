package login

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bettaflow/mediaspider/pkg/logger"
)

// ErrNoOperator is returned when a challenge is presented with no operator
// client connected.
var ErrNoOperator = errors.New("no operator connected")

// WSOperator serves an operator-facing websocket endpoint. Challenges are
// pushed to every connected client; the first confirmation message naming a
// pending challenge completes it.
type WSOperator struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[*websocket.Conn]struct{}
	pending map[string]chan Confirmation
}

// NewWSOperator creates a websocket operator channel.
func NewWSOperator(log *logger.Logger) *WSOperator {
	if log == nil {
		log = logger.Default()
	}
	return &WSOperator{
		log: log.WithComponent("operator"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The endpoint binds to loopback; operators connect locally.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:   make(map[*websocket.Conn]struct{}),
		pending: make(map[string]chan Confirmation),
	}
}

// ServeHTTP upgrades an operator client connection and reads confirmations.
func (o *WSOperator) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	o.mu.Lock()
	o.conns[conn] = struct{}{}
	o.mu.Unlock()
	o.log.Info("operator connected", "remote", conn.RemoteAddr().String())

	go o.readLoop(conn)
}

func (o *WSOperator) readLoop(conn *websocket.Conn) {
	defer func() {
		o.mu.Lock()
		delete(o.conns, conn)
		o.mu.Unlock()
		conn.Close()
		o.log.Info("operator disconnected", "remote", conn.RemoteAddr().String())
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var conf Confirmation
		if err := json.Unmarshal(raw, &conf); err != nil {
			o.log.WithError(err).Warn("discarding malformed confirmation")
			continue
		}
		o.deliver(conf)
	}
}

func (o *WSOperator) deliver(conf Confirmation) {
	o.mu.Lock()
	ch, ok := o.pending[conf.ChallengeID]
	if ok {
		delete(o.pending, conf.ChallengeID)
	}
	o.mu.Unlock()

	if !ok {
		o.log.Warn("confirmation for unknown challenge", "challenge_id", conf.ChallengeID)
		return
	}
	ch <- conf
}

// Present implements OperatorChannel: broadcast the challenge to connected
// operators and hand back the channel its confirmation will arrive on.
func (o *WSOperator) Present(ctx context.Context, ch Challenge) (<-chan Confirmation, error) {
	raw, err := json.Marshal(ch)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if len(o.conns) == 0 {
		o.mu.Unlock()
		return nil, ErrNoOperator
	}
	confirmations := make(chan Confirmation, 1)
	o.pending[ch.ID] = confirmations
	for conn := range o.conns {
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			o.log.WithError(err).Warn("failed to push challenge to operator")
		}
	}
	o.mu.Unlock()

	o.log.Info("challenge presented", "challenge_id", ch.ID, "platform", string(ch.Platform), "kind", ch.Kind)
	return confirmations, nil
}

// Abandon drops a pending challenge, e.g. after the coordinator times out.
func (o *WSOperator) Abandon(challengeID string) {
	o.mu.Lock()
	delete(o.pending, challengeID)
	o.mu.Unlock()
}
