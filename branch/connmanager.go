package branch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/arbiter"
	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/net/advertising"
	"github.com/Meander-Cloud/go-branch/net/transport"
	"github.com/Meander-Cloud/go-branch/result"
)

type (
	// ConnectionChangedHandler is called with nil once a session started and
	// with the terminating error once it ended.
	ConnectionChangedHandler func(err error, conn *Connection)
	SessionMessageHandler    func(msg *message.Incoming, conn *Connection)
)

// ConnectionManager discovers remote branches, establishes and authenticates
// connections to them and keeps at most one connection per remote UUID.
type ConnectionManager struct {
	config       *config.BranchConfig
	log          *zap.SugaredLogger
	logger       *zap.SugaredLogger
	arbiter      *arbiter.Arbiter
	metrics      *Metrics
	passwordHash []byte

	listener    *transport.Listener
	advAddress  *net.UDPAddr
	advIfcs     []advertising.Interface
	advSender   *advertising.Sender
	advReceiver *advertising.Receiver

	info              *LocalInfo
	connectionChanged ConnectionChangedHandler
	messageHandler    SessionMessageHandler

	dialCtx    context.Context
	dialCancel context.CancelFunc
	dialwg     sync.WaitGroup

	connectionsMutex sync.Mutex
	connections      map[uuid.UUID]*Connection
	blacklist        map[uuid.UUID]struct{}
	pendingConnects  map[uuid.UUID]struct{}
	handshaking      map[*Connection]struct{}
	closed           bool

	eventMutex     sync.Mutex
	eventHandler   EventHandler
	observedEvents Event

	lastOpTag atomic.Uint64
}

func newConnectionManager(
	c *config.BranchConfig,
	a *arbiter.Arbiter,
	metrics *Metrics,
	logger *zap.SugaredLogger,
) (*ConnectionManager, error) {
	advIP := net.ParseIP(c.AdvertisingAddress)
	if advIP == nil {
		return nil, result.Newf(result.CodeConfigNotValid, "invalid AdvertisingAddress=%s", c.AdvertisingAddress)
	}

	m := &ConnectionManager{
		config:       c,
		log:          logger.Named("ConnectionManager"),
		logger:       logger,
		arbiter:      a,
		metrics:      metrics,
		passwordHash: hashPassword(c.NetworkPassword),

		advAddress: &net.UDPAddr{IP: advIP, Port: int(c.AdvertisingPort)},

		connections:     make(map[uuid.UUID]*Connection),
		blacklist:       make(map[uuid.UUID]struct{}),
		pendingConnects: make(map[uuid.UUID]struct{}),
		handshaking:     make(map[*Connection]struct{}),
	}
	m.dialCtx, m.dialCancel = context.WithCancel(context.Background())

	if advIP.IsMulticast() {
		ifcs, err := advertising.FilterInterfaces(c.AdvertisingInterfaces, advIP.To4() == nil)
		if err != nil {
			return nil, err
		}
		m.advIfcs = ifcs
	}

	err := m.createAdvertising()
	if err != nil {
		return nil, err
	}

	m.listener, err = transport.Listen(
		&transport.ListenerOptions{
			Address: c.ListenAddress,
			Transport: transport.Options{
				Timeout:             c.Timeout,
				TransceiveByteLimit: c.TransceiveByteLimit,
			},
			LogPrefix: "branch",
			Logger:    logger,
		},
	)
	if err != nil {
		m.closeAdvertising()
		return nil, err
	}

	return m, nil
}

func (m *ConnectionManager) createAdvertising() error {
	var err error

	m.advReceiver, err = advertising.NewReceiver(
		&advertising.ReceiverOptions{
			Address:    m.advAddress,
			Interfaces: m.config.AdvertisingInterfaces,
			LogPrefix:  "branch",
			Logger:     m.logger,
		},
	)
	if err != nil {
		return err
	}

	if m.config.AdvertisingInterval <= 0 {
		return nil
	}

	m.advSender, err = advertising.NewSender(
		&advertising.SenderOptions{
			Arbiter:    m.arbiter,
			Address:    m.advAddress,
			Interval:   m.config.AdvertisingInterval,
			Interfaces: m.config.AdvertisingInterfaces,
			LogPrefix:  "branch",
			Logger:     m.logger,
		},
	)
	if err != nil {
		m.advReceiver.Close()
		return err
	}

	return nil
}

func (m *ConnectionManager) closeAdvertising() {
	if m.advSender != nil {
		m.advSender.Close()
	}
	if m.advReceiver != nil {
		m.advReceiver.Close()
	}
}

func (m *ConnectionManager) TCPServerPort() uint16 {
	return m.listener.Port()
}

func (m *ConnectionManager) AdvertisingInterfaces() []advertising.Interface {
	return m.advIfcs
}

func (m *ConnectionManager) Start(
	info *LocalInfo,
	connectionChanged ConnectionChangedHandler,
	messageHandler SessionMessageHandler,
) {
	m.info = info
	m.connectionChanged = connectionChanged
	m.messageHandler = messageHandler

	m.listener.Serve(m.onAccepted)
	m.advReceiver.Start(info.UUID, m.onAdvertisementReceived)
	if m.advSender != nil {
		m.advSender.Start(info.UUID, info.TCPServerPort)
	}

	ghost := ""
	if info.GhostMode {
		ghost = " in ghost mode"
	}
	m.log.Debugf("%s: started with TCP server port %d%s", info.LogPrefix(), info.TCPServerPort, ghost)
}

// MakeOperationID returns a fresh non-zero tag.
func (m *ConnectionManager) MakeOperationID() OperationTag {
	for {
		tag := m.lastOpTag.Add(1)
		if tag != 0 {
			return OperationTag(tag)
		}
	}
}

// ForeachRunningSession calls fn for every connection with a running session
// while holding the registry lock.
func (m *ConnectionManager) ForeachRunningSession(fn func(conn *Connection)) {
	m.connectionsMutex.Lock()
	defer m.connectionsMutex.Unlock()

	for _, conn := range m.connections {
		if conn.SessionRunning() {
			fn(conn)
		}
	}
}

// MakeConnectedBranchesInfoStrings maps the UUID of every branch with a
// running session to its info JSON.
func (m *ConnectionManager) MakeConnectedBranchesInfoStrings() map[uuid.UUID]string {
	m.connectionsMutex.Lock()
	defer m.connectionsMutex.Unlock()

	branches := make(map[uuid.UUID]string, len(m.connections))
	for id, conn := range m.connections {
		if conn.SessionRunning() {
			branches[id] = conn.MakeInfoString()
		}
	}
	return branches
}

// ClearBlacklist forgets every blacklisted UUID so that they may be connected
// to again on their next advertisement.
func (m *ConnectionManager) ClearBlacklist() {
	m.connectionsMutex.Lock()
	defer m.connectionsMutex.Unlock()

	m.blacklist = make(map[uuid.UUID]struct{})
}

func (m *ConnectionManager) IsBlacklisted(id uuid.UUID) bool {
	m.connectionsMutex.Lock()
	defer m.connectionsMutex.Unlock()

	_, found := m.blacklist[id]
	return found
}

// AwaitEventAsync registers handler for the next event in events. A handler
// registered before is canceled; the return value tells whether one was.
func (m *ConnectionManager) AwaitEventAsync(events Event, handler EventHandler) bool {
	m.eventMutex.Lock()
	defer m.eventMutex.Unlock()

	canceled := false
	if m.eventHandler != nil {
		canceled = true
		old := m.eventHandler
		m.post(func() {
			old(result.ErrCanceled, EventNone, nil, uuid.Nil, "")
		})
	}

	m.observedEvents = events
	m.eventHandler = handler
	return canceled
}

func (m *ConnectionManager) CancelAwaitEvent() bool {
	return m.AwaitEventAsync(EventNone, nil)
}

func (m *ConnectionManager) post(f func()) {
	err := m.arbiter.Dispatch(f)
	if err != nil {
		go f()
	}
}

func (m *ConnectionManager) onAccepted(t *transport.ConnTransport) {
	m.log.Debugf("%s: accepted incoming TCP connection from %s", m.info.LogPrefix(), t.PeerDescription())
	m.startExchangeBranchInfo(t, uuid.Nil)
}

// receive goroutine of the advertising receiver
func (m *ConnectionManager) onAdvertisementReceived(id uuid.UUID, addr *net.TCPAddr) {
	m.connectionsMutex.Lock()
	if m.closed {
		m.connectionsMutex.Unlock()
		return
	}
	if _, found := m.connections[id]; found {
		m.connectionsMutex.Unlock()
		return
	}
	if _, found := m.blacklist[id]; found {
		m.connectionsMutex.Unlock()
		return
	}
	if _, found := m.pendingConnects[id]; found {
		m.connectionsMutex.Unlock()
		return
	}
	m.pendingConnects[id] = struct{}{}
	m.dialwg.Add(1)
	m.connectionsMutex.Unlock()

	m.log.Debugf("%s: attempting to connect to [%s] on %s port %d", m.info.LogPrefix(), id, addr.IP, addr.Port)

	m.emitEvent(EventBranchDiscovered, nil, id, func() string {
		return mustMarshal(struct {
			UUID             string `json:"uuid"`
			TCPServerAddress string `json:"tcp_server_address"`
			TCPServerPort    int    `json:"tcp_server_port"`
		}{
			UUID:             id.String(),
			TCPServerAddress: addr.IP.String(),
			TCPServerPort:    addr.Port,
		})
	})

	go func() {
		defer m.dialwg.Done()

		t, err := transport.Dial(
			m.dialCtx,
			net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port)),
			transport.Options{
				Timeout:             m.config.Timeout,
				TransceiveByteLimit: m.config.TransceiveByteLimit,
			},
		)
		if err != nil {
			m.post(func() {
				m.onConnectFailed(err, id)
			})
			return
		}

		m.log.Debugf("%s: TCP connection to %s established successfully", m.info.LogPrefix(), t.PeerDescription())
		m.startExchangeBranchInfo(t, id)
	}()
}

// arbiter goroutine
func (m *ConnectionManager) onConnectFailed(err error, id uuid.UUID) {
	if m.isClosed() {
		return
	}

	m.emitEvent(EventBranchQueried, err, id, nil)

	m.connectionsMutex.Lock()
	delete(m.pendingConnects, id)
	m.connectionsMutex.Unlock()
}

func (m *ConnectionManager) isClosed() bool {
	m.connectionsMutex.Lock()
	defer m.connectionsMutex.Unlock()
	return m.closed
}

func (m *ConnectionManager) startExchangeBranchInfo(t transport.Transport, advID uuid.UUID) {
	conn, err := newConnection(t, m.info, m.arbiter, m.logger)
	if err != nil {
		m.log.Errorf("%s: %s", m.info.LogPrefix(), err.Error())
		_ = t.Close()
		m.connectionsMutex.Lock()
		delete(m.pendingConnects, advID)
		m.connectionsMutex.Unlock()
		return
	}

	m.connectionsMutex.Lock()
	if m.closed {
		m.connectionsMutex.Unlock()
		conn.Close()
		return
	}
	m.handshaking[conn] = struct{}{}
	m.connectionsMutex.Unlock()

	conn.ExchangeBranchInfo(func(err error) {
		m.onExchangeBranchInfoFinished(err, conn, advID)

		m.connectionsMutex.Lock()
		delete(m.handshaking, conn)
		if advID != uuid.Nil {
			delete(m.pendingConnects, advID)
		}
		m.connectionsMutex.Unlock()
	})
}

// hasHigherPriority decides which of two connections between the same pair of
// branches survives. Both sides reach the same decision.
func hasHigherPriority(remoteID, localID uuid.UUID, createdFromIncoming bool) bool {
	return (bytes.Compare(remoteID[:], localID[:]) < 0) == createdFromIncoming
}

func direction(conn *Connection) string {
	if conn.CreatedFromIncoming() {
		return "server"
	}
	return "client"
}

// arbiter goroutine
func (m *ConnectionManager) onExchangeBranchInfoFinished(err error, conn *Connection, advID uuid.UUID) {
	if err != nil {
		if !m.isClosed() {
			m.log.Errorf(
				"%s: exchanging branch info with %s connection %s failed: %s",
				m.info.LogPrefix(),
				direction(conn),
				conn.PeerDescription(),
				err.Error(),
			)
		}
		conn.Close()
		return
	}

	remoteInfo := conn.RemoteInfo()
	remoteID := remoteInfo.UUID

	if !conn.CreatedFromIncoming() && remoteID != advID {
		m.log.Warnf(
			"%s: dropping connection since branch info UUID [%s] does not match advertised UUID [%s], "+
				"this will likely be fixed with the next connection attempt",
			m.info.LogPrefix(),
			remoteID,
			advID,
		)
		conn.Close()
		return
	}

	m.connectionsMutex.Lock()

	if m.closed {
		m.connectionsMutex.Unlock()
		conn.Close()
		return
	}

	if _, found := m.blacklist[remoteID]; found {
		m.connectionsMutex.Unlock()
		m.log.Debugf("%s: dropping connection to %s since it is blacklisted", m.info.LogPrefix(), remoteInfo.LogPrefix())
		conn.Close()
		return
	}

	m.log.Debugf(
		"%s: successfully exchanged branch info with %s (source: %s)",
		m.info.LogPrefix(),
		remoteInfo.LogPrefix(),
		direction(conn),
	)

	existing, exists := m.connections[remoteID]
	if exists && !hasHigherPriority(remoteID, m.info.UUID, conn.CreatedFromIncoming()) {
		m.connectionsMutex.Unlock()
		m.log.Debugf(
			"%s: dropping TCP %s connection to %s since a connection with a higher priority already exists",
			m.info.LogPrefix(),
			direction(conn),
			remoteInfo.LogPrefix(),
		)
		conn.Close()
		return
	}

	m.connections[remoteID] = conn

	// an existing connection already passed the checks
	var checkErr error
	if !exists {
		checkErr = m.checkRemoteBranchInfoLocked(remoteInfo)
		if checkErr != nil {
			delete(m.connections, remoteID)
		}
	}

	ghost := m.info.GhostMode && checkErr == nil
	if ghost {
		m.blacklist[remoteID] = struct{}{}
		delete(m.connections, remoteID)
	}

	m.connectionsMutex.Unlock()

	if exists {
		m.log.Debugf(
			"%s: replacing TCP %s connection to %s with a higher priority one",
			m.info.LogPrefix(),
			direction(existing),
			remoteInfo.LogPrefix(),
		)
		existing.Close()
	} else {
		m.emitEvent(EventBranchQueried, nil, remoteID, remoteInfo.JSON)

		if checkErr != nil {
			m.emitEvent(EventConnectFinished, checkErr, remoteID, nil)
			conn.Close()
			return
		}
	}

	if ghost {
		m.metrics.blacklisted.Inc()
		conn.Close()
		return
	}

	conn.Authenticate(m.passwordHash, func(err error) {
		m.onAuthenticateFinished(err, conn)
	})
}

// checkRemoteBranchInfoLocked blacklists the remote branch when it can never
// join this network as configured; clashes with other connected branches are
// reported without blacklisting.
func (m *ConnectionManager) checkRemoteBranchInfoLocked(remoteInfo *RemoteInfo) error {
	var err error
	switch {
	case remoteInfo.NetworkName != m.info.NetworkName:
		err = result.ErrNetNameMismatch
	case remoteInfo.Name == m.info.Name:
		err = result.ErrDuplicateBranchName
	case remoteInfo.Path == m.info.Path:
		err = result.ErrDuplicateBranchPath
	}
	if err != nil {
		m.blacklist[remoteInfo.UUID] = struct{}{}
		m.metrics.blacklisted.Inc()
		return err
	}

	for id, conn := range m.connections {
		if id == remoteInfo.UUID {
			continue
		}

		other := conn.RemoteInfo()
		if remoteInfo.Name == other.Name {
			return result.Newf(result.CodeDuplicateBranchName, "name %s already used by %s", other.Name, other.LogPrefix())
		}
		if remoteInfo.Path == other.Path {
			return result.Newf(result.CodeDuplicateBranchPath, "path %s already used by %s", other.Path, other.LogPrefix())
		}
	}

	return nil
}

// releaseLocked removes conn from the registry if it is the registered
// connection for its remote branch.
func (m *ConnectionManager) releaseLocked(conn *Connection) bool {
	id := conn.RemoteInfo().UUID
	if m.connections[id] != conn {
		return false
	}
	delete(m.connections, id)
	return true
}

// arbiter goroutine
func (m *ConnectionManager) onAuthenticateFinished(err error, conn *Connection) {
	remoteInfo := conn.RemoteInfo()

	if err != nil {
		m.connectionsMutex.Lock()
		if m.closed {
			m.connectionsMutex.Unlock()
			conn.Close()
			return
		}
		if errors.Is(err, result.ErrPasswordMismatch) {
			m.blacklist[remoteInfo.UUID] = struct{}{}
			m.metrics.blacklisted.Inc()
		}
		owned := m.releaseLocked(conn)
		m.connectionsMutex.Unlock()

		conn.Close()
		if owned {
			m.emitEvent(EventConnectFinished, err, remoteInfo.UUID, nil)
		}
		return
	}

	m.log.Debugf("%s: successfully authenticated with %s", m.info.LogPrefix(), remoteInfo.LogPrefix())
	m.startSession(conn)
}

// arbiter goroutine
func (m *ConnectionManager) startSession(conn *Connection) {
	remoteInfo := conn.RemoteInfo()

	m.connectionsMutex.Lock()
	if m.closed || m.connections[remoteInfo.UUID] != conn {
		// replaced while authenticating
		m.connectionsMutex.Unlock()
		conn.Close()
		return
	}

	err := conn.RunSession(
		func(msg *message.Incoming) {
			m.messageHandler(msg, conn)
		},
		func(err error) {
			m.onSessionTerminated(err, conn)
		},
	)
	if err != nil {
		m.releaseLocked(conn)
	}
	m.connectionsMutex.Unlock()

	if err != nil {
		conn.Close()
		m.emitEvent(EventConnectFinished, err, remoteInfo.UUID, nil)
		return
	}

	m.metrics.connectionsActive.Inc()
	m.emitEvent(EventConnectFinished, nil, remoteInfo.UUID, nil)
	m.log.Debugf("%s: successfully started session for %s", m.info.LogPrefix(), remoteInfo.LogPrefix())

	m.connectionChanged(nil, conn)
}

// arbiter goroutine
func (m *ConnectionManager) onSessionTerminated(err error, conn *Connection) {
	remoteInfo := conn.RemoteInfo()
	m.metrics.connectionsActive.Dec()

	m.connectionsMutex.Lock()
	if m.closed {
		m.connectionsMutex.Unlock()
		return
	}
	owned := m.releaseLocked(conn)
	m.connectionsMutex.Unlock()

	if !owned {
		m.log.Debugf("%s: superseded session for %s ended: %s", m.info.LogPrefix(), remoteInfo.LogPrefix(), err.Error())
		return
	}

	m.log.Debugf("%s: session for %s terminated: %s", m.info.LogPrefix(), remoteInfo.LogPrefix(), err.Error())
	m.emitEvent(EventConnectionLost, err, remoteInfo.UUID, nil)
	m.connectionChanged(err, conn)
}

func resultLabel(err error) string {
	return result.FromError(err).String()
}

// emitEvent logs the event and hands it to the waiting handler if its mask
// covers event. makeJSON may be nil for the default {"uuid": ...} details.
func (m *ConnectionManager) emitEvent(event Event, evErr error, id uuid.UUID, makeJSON func() string) {
	if makeJSON == nil {
		makeJSON = func() string {
			return mustMarshal(struct {
				UUID string `json:"uuid"`
			}{
				UUID: id.String(),
			})
		}
	}
	details := makeJSON()

	m.metrics.events.WithLabelValues(event.String(), resultLabel(evErr)).Inc()
	m.logEvent(event, evErr, details)

	m.eventMutex.Lock()
	if m.eventHandler == nil || m.observedEvents&event == 0 {
		m.eventMutex.Unlock()
		return
	}
	handler := m.eventHandler
	m.eventHandler = nil
	m.eventMutex.Unlock()

	m.post(func() {
		handler(nil, event, evErr, id, details)
	})
}

func (m *ConnectionManager) logEvent(event Event, evErr error, details string) {
	res := "OK"
	if evErr != nil {
		res = evErr.Error()
	}

	line := fmt.Sprintf("%s: event %s; result=%q; json=%s", m.info.LogPrefix(), event.String(), res, details)

	switch event {
	case EventBranchDiscovered:
		m.log.Debug(line)
	case EventBranchQueried, EventConnectFinished:
		m.log.Info(line)
	case EventConnectionLost:
		m.log.Warn(line)
	}
}

// Close stops discovery and drops every connection. Callbacks still in flight
// are ignored afterwards.
func (m *ConnectionManager) Close() error {
	m.CancelAwaitEvent()

	m.connectionsMutex.Lock()
	if m.closed {
		m.connectionsMutex.Unlock()
		return nil
	}
	m.closed = true

	conns := make([]*Connection, 0, len(m.connections)+len(m.handshaking))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	for conn := range m.handshaking {
		conns = append(conns, conn)
	}
	m.connections = make(map[uuid.UUID]*Connection)
	m.handshaking = make(map[*Connection]struct{})
	m.pendingConnects = make(map[uuid.UUID]struct{})
	m.connectionsMutex.Unlock()

	m.dialCancel()
	err := m.listener.Close()
	m.closeAdvertising()

	for _, conn := range conns {
		conn.Close()
	}

	m.dialwg.Wait()
	return err
}
