package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"upbitflow/config"
	"upbitflow/internal/auth"
	"upbitflow/logger"
	"upbitflow/models"
)

// State is the connection lifecycle position of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const keepaliveProbe = "PING"

// Session owns one websocket connection and its desired subscription set.
// It reconnects on read failure or staleness and replays the complete set
// after every successful dial. A private session signs the handshake; a
// rejected handshake is fatal for the session rather than retried.
type Session struct {
	url          string
	format       Format
	pingInterval time.Duration
	idleTimeout  time.Duration
	reconnect    config.BackoffConfig
	signer       *auth.Signer

	mu      sync.RWMutex
	running bool
	state   State
	subs    *subscriptionSet
	conn    *websocket.Conn
	writeMu sync.Mutex
	listCh  chan []Subscription

	events chan models.StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Entry
}

// NewPublicSession builds a session against the public quotation endpoint.
func NewPublicSession(cfg config.StreamConfig) *Session {
	return newSession(cfg, cfg.PublicURL, nil, "stream-public")
}

// NewPrivateSession builds a session against the private endpoint. The
// handshake carries a signed authorization header from the signer.
func NewPrivateSession(cfg config.StreamConfig, signer *auth.Signer) *Session {
	return newSession(cfg, cfg.PrivateURL, signer, "stream-private")
}

func newSession(cfg config.StreamConfig, url string, signer *auth.Signer, component string) *Session {
	return &Session{
		url:          url,
		format:       Format(strings.ToUpper(cfg.Format)),
		pingInterval: cfg.PingInterval,
		idleTimeout:  cfg.IdleTimeout,
		reconnect:    cfg.Reconnect,
		signer:       signer,
		state:        StateDisconnected,
		subs:         newSubscriptionSet(),
		events:       make(chan models.StreamEvent, cfg.EventBuffer),
		log:          logger.GetLogger().WithComponent(component),
	}
}

// Events is the decoded event feed. The channel closes when the session
// stops for good.
func (s *Session) Events() <-chan models.StreamEvent {
	return s.events
}

// State reports the current lifecycle position.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start launches the connection loop.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("session already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.log.WithField("url", s.url).Info("starting stream session")
	s.wg.Add(1)
	go s.run()
	return nil
}

// Stop tears the connection down and closes the event channel.
func (s *Session) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	s.closeConn()
	s.wg.Wait()
	close(s.events)
	s.setState(StateDisconnected)
	s.log.Info("stream session stopped")
}

// Subscribe adds or replaces entries of the desired set. While connected the
// complete set is sent immediately; otherwise the next connect replays it.
func (s *Session) Subscribe(subs ...Subscription) error {
	s.mu.Lock()
	for _, sub := range subs {
		s.subs.add(sub)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		return s.sendSubscriptions(conn)
	}
	return nil
}

// Unsubscribe drops data types from the desired set. The server replaces the
// whole set per request, so dropping means resending what remains.
func (s *Session) Unsubscribe(types ...models.DataType) error {
	s.mu.Lock()
	for _, dataType := range types {
		s.subs.remove(dataType)
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		return s.sendSubscriptions(conn)
	}
	return nil
}

// ListSubscriptions asks the server for the set it currently holds for this
// connection.
func (s *Session) ListSubscriptions(ctx context.Context) ([]Subscription, error) {
	s.mu.Lock()
	conn := s.conn
	if conn == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("session not connected")
	}
	ch := make(chan []Subscription, 1)
	s.listCh = ch
	s.mu.Unlock()

	req := []map[string]string{
		{"ticket": uuid.NewString()},
		{"method": "LIST_SUBSCRIPTIONS"},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if err := s.writeMessage(conn, raw); err != nil {
		return nil, fmt.Errorf("list subscriptions request: %w", err)
	}

	select {
	case subs := <-ch:
		return subs, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) run() {
	defer s.wg.Done()

	retry := &backoff.Backoff{
		Min:    s.reconnect.MinDelay,
		Max:    s.reconnect.MaxDelay,
		Factor: 2,
		Jitter: true,
	}

	for {
		if s.ctx.Err() != nil {
			return
		}

		s.setState(StateConnecting)
		conn, fatal, err := s.dial()
		if err != nil {
			if fatal {
				s.log.WithError(err).Error("stream handshake rejected")
				s.emit(models.StreamEvent{
					Kind:       models.EventError,
					ReceivedAt: time.Now(),
					Err:        err,
				})
				s.setState(StateFailed)
				return
			}
			s.log.WithError(err).WithField("url", s.url).Warn("stream dial failed")
			s.setState(StateReconnecting)
			if s.waitForReconnect(retry.Duration()) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if err := s.sendSubscriptions(conn); err != nil {
			s.log.WithError(err).Warn("stream subscribe failed")
			s.closeConn()
			s.setState(StateReconnecting)
			if s.waitForReconnect(retry.Duration()) {
				return
			}
			continue
		}
		s.setState(StateSubscribed)
		retry.Reset()

		pingCancel := s.startPingLoop(conn)
		err = s.readMessages(conn)
		pingCancel()
		s.closeConn()

		if s.ctx.Err() != nil {
			return
		}
		s.log.WithError(err).Warn("stream read loop ended, reconnecting")
		logger.IncrementReconnect()
		s.setState(StateReconnecting)
		if s.waitForReconnect(retry.Duration()) {
			return
		}
	}
}

// dial opens the websocket. The second return marks errors that must not be
// retried, such as a rejected private handshake.
func (s *Session) dial() (*websocket.Conn, bool, error) {
	var header http.Header
	if s.signer != nil {
		token, err := s.signer.Sign("")
		if err != nil {
			return nil, true, fmt.Errorf("signing handshake: %w", err)
		}
		header = http.Header{"Authorization": []string{token}}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(s.ctx, s.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, true, fmt.Errorf("handshake rejected with status %d", resp.StatusCode)
		}
		return nil, false, err
	}
	return conn, false, nil
}

func (s *Session) sendSubscriptions(conn *websocket.Conn) error {
	s.mu.Lock()
	if s.subs.empty() {
		s.mu.Unlock()
		return nil
	}
	frame, err := s.subs.frame(uuid.NewString(), s.format)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.writeMessage(conn, frame)
}

func (s *Session) writeMessage(conn *websocket.Conn, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readMessages pumps the connection until an error or staleness. The read
// deadline doubles as the idle watchdog: a connection that stays silent past
// the idle timeout is treated as dead.
func (s *Session) readMessages(conn *websocket.Conn) error {
	for {
		if s.ctx.Err() != nil {
			return s.ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(raw)
	}
}

func (s *Session) handleMessage(raw []byte) {
	if reply, ok := parseListReply(raw); ok {
		s.mu.Lock()
		ch := s.listCh
		s.listCh = nil
		s.mu.Unlock()
		if ch != nil {
			ch <- reply
		}
		return
	}

	ev, err := decodeEvent(raw, s.format)
	if err != nil {
		s.log.WithError(err).Warn("discarding undecodable stream frame")
		return
	}
	if ev == nil {
		return
	}

	if s.State() == StateSubscribed {
		s.setState(StateActive)
	}
	logger.IncrementStreamEvent()
	s.emit(*ev)
}

func (s *Session) emit(ev models.StreamEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

// startPingLoop sends the text keepalive probe on a fixed cadence, shorter
// than the server's idle cutoff.
func (s *Session) startPingLoop(conn *websocket.Conn) context.CancelFunc {
	pingCtx, cancel := context.WithCancel(s.ctx)
	ticker := time.NewTicker(s.pingInterval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := s.writeMessage(conn, []byte(keepaliveProbe)); err != nil {
					s.log.WithError(err).Warn("keepalive probe failed")
					cancel()
					return
				}
			}
		}
	}()
	return cancel
}

func (s *Session) waitForReconnect(delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

type listReply struct {
	Method string `json:"method"`
	Result []struct {
		Type  string   `json:"type"`
		Codes []string `json:"codes"`
	} `json:"result"`
}

func parseListReply(raw []byte) ([]Subscription, bool) {
	var reply listReply
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Method != "LIST_SUBSCRIPTIONS" {
		return nil, false
	}
	subs := make([]Subscription, 0, len(reply.Result))
	for _, item := range reply.Result {
		subs = append(subs, Subscription{
			Type:  models.DataType(item.Type),
			Codes: item.Codes,
		})
	}
	return subs, true
}
