// Package session owns the single broker connection: connecting,
// subscribing, reconnecting, and driving the periodic heartbeat and
// ping reply.
package session

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3"
	"github.com/neutrons/post-processing-agent/pkg/log"
	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/types"
)

// State is the session manager's connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Inbound is one received frame, ready to be ack'd or nack'd exactly
// once. ParseErr is set when RawBody could not be unmarshaled as
// JSON; Body is empty in that case and the caller is expected to nack
// the frame and report the failure rather than dispatch it.
type Inbound struct {
	Destination string
	Body        types.Message
	RawBody     []byte
	ParseErr    error

	conn *stomp.Conn
	msg  *stomp.Message
}

// Ack positively acknowledges the frame.
func (in *Inbound) Ack() error {
	if in.msg == nil {
		return nil
	}
	return in.conn.Ack(in.msg)
}

// Nack negatively acknowledges the frame.
func (in *Inbound) Nack() error {
	if in.msg == nil {
		return nil
	}
	return in.conn.Nack(in.msg)
}

// Config configures one Manager.
type Config struct {
	Brokers  []string // host:port, tried in order
	Login    string
	Passcode string

	HeartbeatDest    string
	HeartbeatPeriod  time.Duration
	ReconnectBackoff time.Duration
}

// Manager owns the broker connection and the state machine around it.
// All publishes funnel through Send, serialized by mu. Subscriptions
// are remembered by destination so that a mid-run disconnect can be
// followed by re-dialing and re-subscribing onto the same channels
// Subscribe already handed out, without the caller's involvement.
type Manager struct {
	cfg Config

	mu    sync.Mutex
	conn  *stomp.Conn
	state State
	subs  map[string]chan Inbound

	disconnected chan struct{}
	stop         chan struct{}
	wg           sync.WaitGroup
}

// New constructs a disconnected Manager.
func New(cfg Config) *Manager {
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 5 * time.Second
	}
	return &Manager{
		cfg:          cfg,
		state:        Disconnected,
		subs:         make(map[string]chan Inbound),
		disconnected: make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect blocks until an initial connection is established, retrying
// with the configured backoff on failure, then starts the heartbeat
// loop and the supervisor that re-dials and re-subscribes on any later
// disconnect. It returns only on initial success or when Stop is
// called first.
func (m *Manager) Connect() error {
	if err := m.connect(); err != nil {
		return err
	}
	m.wg.Add(1)
	go m.heartbeatLoop()
	m.wg.Add(1)
	go m.supervisorLoop()
	return nil
}

// connect blocks, retrying with the configured backoff, until a
// connection is dialed and every already-registered subscription
// (empty on the very first call) is re-attached to it. Used both for
// the initial connect and for each reconnect attempt.
func (m *Manager) connect() error {
	for {
		select {
		case <-m.stop:
			return fmt.Errorf("session manager stopped before connecting")
		default:
		}

		m.setState(Connecting)
		conn, err := m.dial()
		if err != nil {
			log.WithComponent("session").Warn().Err(err).Msg("connect failed, retrying")
			select {
			case <-time.After(m.cfg.ReconnectBackoff):
				continue
			case <-m.stop:
				return fmt.Errorf("session manager stopped during reconnect backoff")
			}
		}

		m.mu.Lock()
		m.conn = conn
		subs := make(map[string]chan Inbound, len(m.subs))
		for dest, ch := range m.subs {
			subs[dest] = ch
		}
		m.mu.Unlock()

		resubscribed := true
		for dest, ch := range subs {
			if err := m.startPump(dest, conn, ch); err != nil {
				log.WithComponent("session").Warn().Err(err).Str("destination", dest).Msg("re-subscribe failed, retrying connection")
				resubscribed = false
				break
			}
		}
		if !resubscribed {
			_ = conn.Disconnect()
			select {
			case <-time.After(m.cfg.ReconnectBackoff):
				continue
			case <-m.stop:
				return fmt.Errorf("session manager stopped during reconnect backoff")
			}
		}

		m.setState(Connected)
		return nil
	}
}

// supervisorLoop waits for a pump to report a dropped connection and
// reconnects, satisfying the Connected -> Disconnected -> Connecting
// -> Connected state machine for a connection lost mid-run, not just
// the first dial.
func (m *Manager) supervisorLoop() {
	defer m.wg.Done()
	logger := log.WithComponent("session")
	for {
		select {
		case <-m.disconnected:
			logger.Warn().Msg("broker connection lost, reconnecting")
			if err := m.connect(); err != nil {
				return
			}
			logger.Info().Msg("reconnected to broker")
		case <-m.stop:
			return
		}
	}
}

// notifyDisconnected marks the session disconnected and wakes the
// supervisor, if it isn't already awake for a prior drop.
func (m *Manager) notifyDisconnected() {
	m.setState(Disconnected)
	select {
	case m.disconnected <- struct{}{}:
	default:
	}
}

func (m *Manager) dial() (*stomp.Conn, error) {
	var lastErr error
	for _, addr := range m.cfg.Brokers {
		conn, err := stomp.Dial("tcp", addr,
			stomp.ConnOpt.Login(m.cfg.Login, m.cfg.Passcode),
			stomp.ConnOpt.HeartBeat(m.cfg.HeartbeatPeriod, m.cfg.HeartbeatPeriod),
		)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Subscribe opens one client-individual-ack subscription with a
// prefetch of one, returning the inbound channel. The channel is
// owned by the Manager for the rest of its lifetime: if the
// connection drops and is later re-established, the same destination
// is re-subscribed and frames keep arriving on the channel already
// returned here. Calling Subscribe again for a destination already
// subscribed returns the existing channel.
func (m *Manager) Subscribe(destination string) (<-chan Inbound, error) {
	m.mu.Lock()
	if ch, ok := m.subs[destination]; ok {
		m.mu.Unlock()
		return ch, nil
	}
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	ch := make(chan Inbound)
	m.subs[destination] = ch
	m.mu.Unlock()

	if err := m.startPump(destination, conn, ch); err != nil {
		m.mu.Lock()
		delete(m.subs, destination)
		m.mu.Unlock()
		return nil, err
	}
	return ch, nil
}

// startPump subscribes destination on conn and pumps its frames into
// ch until the subscription ends, either because conn was lost (which
// notifies the supervisor to reconnect) or because the manager is
// stopping.
func (m *Manager) startPump(destination string, conn *stomp.Conn, ch chan Inbound) error {
	sub, err := conn.Subscribe(destination, stomp.AckClientIndividual,
		stomp.SubscribeOpt.Header("activemq.prefetchSize", "1"),
	)
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", destination, err)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for msg := range sub.C {
			if msg == nil || msg.Err != nil {
				m.notifyDisconnected()
				return
			}
			var body types.Message
			parseErr := json.Unmarshal(msg.Body, &body)
			select {
			case ch <- Inbound{Destination: destination, Body: body, RawBody: msg.Body, ParseErr: parseErr, conn: conn, msg: msg}:
			case <-m.stop:
				return
			}
		}
	}()
	return nil
}

// Send publishes msg as JSON to destination. Sends are serialized
// against each other (and against Stop's disconnect) so that
// concurrent processor goroutines never write to the connection at
// the same time.
func (m *Manager) Send(destination string, msg types.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message for %s: %w", destination, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return fmt.Errorf("not connected")
	}
	return m.conn.Send(destination, "application/json", body)
}

// HandlePing replies to a ping frame whose body carries reply_to.
func (m *Manager) HandlePing(body types.Message) error {
	replyTo := body.String("reply_to")
	if replyTo == "" {
		return nil
	}
	return m.Send(replyTo, m.heartbeatDocument())
}

func (m *Manager) heartbeatDocument() types.Message {
	hostname, _ := os.Hostname()
	return types.Message{
		"src_name": hostname,
		"role":     "postprocessing",
		"status":   "0",
		"pid":      os.Getpid(),
	}
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	logger := log.WithComponent("session")
	for {
		select {
		case <-ticker.C:
			if m.State() != Connected {
				continue
			}
			if err := m.Send(m.cfg.HeartbeatDest, m.heartbeatDocument()); err != nil {
				logger.Warn().Err(err).Msg("failed to publish heartbeat")
			} else {
				metrics.HeartbeatsTotal.Inc()
			}
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Stop tears the connection down, stops the heartbeat and supervisor
// loops, and closes every subscription channel handed out by
// Subscribe so that callers ranging over them can observe shutdown.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
		// already stopped
	default:
		close(m.stop)
	}
	m.mu.Lock()
	conn := m.conn
	m.state = Disconnected
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Disconnect()
	}
	m.wg.Wait()

	m.mu.Lock()
	for _, ch := range m.subs {
		close(ch)
	}
	m.subs = make(map[string]chan Inbound)
	m.mu.Unlock()
}
