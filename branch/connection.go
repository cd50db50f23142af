package branch

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/arbiter"
	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/net/msgtransport"
	"github.com/Meander-Cloud/go-branch/net/transport"
	"github.com/Meander-Cloud/go-branch/result"
)

const (
	challengeSize        int           = 8
	minHeartbeatInterval time.Duration = time.Millisecond
)

type (
	MessageHandler func(msg *message.Incoming)
	SessionHandler func(err error)
)

// Connection is one TCP connection to a remote branch. It runs the info
// exchange, then authentication, then the session carrying heartbeats and
// broadcasts.
type Connection struct {
	log            *zap.SugaredLogger
	arbiter        *arbiter.Arbiter
	localInfo      *LocalInfo
	transport      transport.Transport
	mt             *msgtransport.MessageTransport
	connectedSince time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// written by the handshake goroutine before its completion is dispatched
	remoteInfo *RemoteInfo
	nextErr    error

	sessionRunning atomic.Bool
	sessionOnce    sync.Once
	messageHandler MessageHandler
	sessionHandler SessionHandler
	rxBuf          []byte
	heartbeat      *message.Outgoing
}

func newConnection(
	t transport.Transport,
	localInfo *LocalInfo,
	a *arbiter.Arbiter,
	logger *zap.SugaredLogger,
) (*Connection, error) {
	mt, err := msgtransport.New(
		t,
		&msgtransport.Options{
			TxQueueSize: localInfo.TxQueueSize,
			RxQueueSize: localInfo.RxQueueSize,
			Dispatcher:  a,
			LogPrefix:   localInfo.LogPrefix(),
			Logger:      logger,
		},
	)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Connection{
		log:            logger.Named("BranchConnection"),
		arbiter:        a,
		localInfo:      localInfo,
		transport:      t,
		mt:             mt,
		connectedSince: time.Now(),
		ctx:            ctx,
		cancel:         cancel,
		heartbeat:      message.NewHeartbeat(),
	}

	mt.Start()
	return c, nil
}

func (c *Connection) CreatedFromIncoming() bool {
	return c.transport.CreatedFromIncoming()
}

func (c *Connection) PeerDescription() string {
	return c.transport.PeerDescription()
}

// RemoteInfo is nil until the info exchange succeeded.
func (c *Connection) RemoteInfo() *RemoteInfo {
	return c.remoteInfo
}

func (c *Connection) SessionRunning() bool {
	return c.sessionRunning.Load()
}

func (c *Connection) ConnectedSince() time.Time {
	return c.connectedSince
}

type connectionInfoJSON struct {
	remoteInfoJSON
	ConnectedSince string `json:"connected_since"`
}

// MakeInfoString renders the remote branch info with the connection time.
func (c *Connection) MakeInfoString() string {
	return mustMarshal(
		connectionInfoJSON{
			remoteInfoJSON: c.remoteInfo.toRemoteJSON(),
			ConnectedSince: formatTimestamp(c.connectedSince),
		},
	)
}

func (c *Connection) String() string {
	if c.remoteInfo != nil {
		return c.remoteInfo.LogPrefix()
	}
	return "[" + c.PeerDescription() + "]"
}

func (c *Connection) dispatch(f func()) {
	err := c.arbiter.Dispatch(f)
	if err != nil {
		go f()
	}
}

// Close tears the connection down; a running session ends with
// result.ErrCanceled.
func (c *Connection) Close() {
	c.cancel()
	c.mt.Close()
}

// ExchangeBranchInfo swaps info messages with the peer. handler runs on the
// arbiter goroutine; on success RemoteInfo is set.
func (c *Connection) ExchangeBranchInfo(handler func(err error)) {
	go func() {
		err := c.exchangeBranchInfo()
		c.dispatch(func() {
			handler(err)
		})
	}()
}

func (c *Connection) exchangeBranchInfo() error {
	err := c.mt.Send(c.ctx, message.NewRaw(c.localInfo.InfoMessage()))
	if err != nil {
		return err
	}

	buf := make([]byte, message.InfoMessageHeaderSize+config.MaxMessagePayloadSize)
	n, err := c.mt.Receive(c.ctx, buf)
	if err != nil {
		if errors.Is(err, result.ErrBufferTooSmall) {
			return result.Newf(result.CodePayloadTooLarge, "info message of %d bytes", n)
		}
		return err
	}

	remoteInfo, err := parseRemoteInfo(buf[:n], c.transport.PeerAddress())
	if err != nil {
		return err
	}

	if remoteInfo.UUID == c.localInfo.UUID {
		return result.ErrLoopbackConnection
	}
	c.remoteInfo = remoteInfo

	err = c.mt.Send(c.ctx, message.NewAcknowledge())
	if err != nil {
		return err
	}

	c.receiveAck()
	return nil
}

// a bad ack only surfaces at the start of the next phase
func (c *Connection) receiveAck() {
	buf := make([]byte, 1)
	n, err := c.mt.Receive(c.ctx, buf)
	switch {
	case err != nil && !errors.Is(err, result.ErrBufferTooSmall):
		c.nextErr = err
	case err != nil || !message.IsAcknowledge(buf[:n]):
		c.nextErr = result.Newf(result.CodeDeserializeMsgFailed, "invalid acknowledge")
	}
}

func (c *Connection) receiveFixed(size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := c.mt.Receive(c.ctx, buf)
	if err != nil {
		if errors.Is(err, result.ErrBufferTooSmall) {
			return nil, result.Newf(result.CodeDeserializeMsgFailed, "expected %d bytes, received %d", size, n)
		}
		return nil, err
	}

	if n != size {
		return nil, result.Newf(result.CodeDeserializeMsgFailed, "expected %d bytes, received %d", size, n)
	}

	return buf, nil
}

func solveChallenge(challenge, passwordHash []byte) []byte {
	data := make([]byte, 0, len(challenge)+len(passwordHash))
	data = append(data, challenge...)
	data = append(data, passwordHash...)
	solution := sha256.Sum256(data)
	return solution[:]
}

func hashPassword(password string) []byte {
	hash := sha256.Sum256([]byte(password))
	return hash[:]
}

// Authenticate proves knowledge of the network password to the peer and
// verifies the peer's proof. handler gets result.ErrPasswordMismatch if the
// proofs differ.
func (c *Connection) Authenticate(passwordHash []byte, handler func(err error)) {
	go func() {
		err := c.authenticate(passwordHash)
		c.dispatch(func() {
			handler(err)
		})
	}()
}

func (c *Connection) authenticate(passwordHash []byte) error {
	if c.nextErr != nil {
		return c.nextErr
	}

	myChallenge := make([]byte, challengeSize)
	_, err := rand.Read(myChallenge)
	if err != nil {
		return result.Newf(result.CodeUnknown, "generating challenge: %v", err)
	}

	err = c.mt.Send(c.ctx, message.NewRaw(myChallenge))
	if err != nil {
		return err
	}

	remoteChallenge, err := c.receiveFixed(challengeSize)
	if err != nil {
		return err
	}

	mySolution := solveChallenge(myChallenge, passwordHash)
	remoteSolution := solveChallenge(remoteChallenge, passwordHash)

	err = c.mt.Send(c.ctx, message.NewRaw(remoteSolution))
	if err != nil {
		return err
	}

	receivedSolution, err := c.receiveFixed(sha256.Size)
	if err != nil {
		return err
	}

	solutionsMatch := subtle.ConstantTimeCompare(receivedSolution, mySolution) == 1

	err = c.mt.Send(c.ctx, message.NewAcknowledge())
	if err != nil {
		return err
	}

	c.receiveAck()

	if !solutionsMatch {
		return result.ErrPasswordMismatch
	}
	return nil
}

// RunSession starts heartbeats and the receive loop. Received messages go to
// messageHandler and the first session failure to sessionHandler, both on the
// arbiter goroutine.
func (c *Connection) RunSession(messageHandler MessageHandler, sessionHandler SessionHandler) error {
	if c.nextErr != nil {
		return c.nextErr
	}

	if c.sessionRunning.Load() {
		return result.Newf(result.CodeBusy, "%s: session already running", c.String())
	}

	c.messageHandler = messageHandler
	c.sessionHandler = sessionHandler
	c.rxBuf = make([]byte, config.MinRxQueueSize)
	c.sessionRunning.Store(true)

	c.restartHeartbeatTimer()
	c.startReceive()
	return nil
}

// heartbeatInterval derives the heartbeat period from the timeout reported by
// the remote branch; false means the remote never times out.
func heartbeatInterval(timeout time.Duration) (time.Duration, bool) {
	if timeout <= 0 {
		return 0, false
	}

	interval := timeout / 2
	if interval < minHeartbeatInterval {
		interval = minHeartbeatInterval
	}
	return interval, true
}

func (c *Connection) restartHeartbeatTimer() {
	interval, ok := heartbeatInterval(c.remoteInfo.Timeout)
	if !ok {
		return
	}

	c.arbiter.ScheduleTimer(
		arbiter.GroupHeartbeat,
		interval,
		func() {
			if !c.sessionRunning.Load() {
				return
			}
			_, _ = c.mt.TrySend(c.heartbeat)
			c.restartHeartbeatTimer()
		},
	)
}

func (c *Connection) startReceive() {
	c.mt.ReceiveAsync(c.rxBuf, c.onMessageReceived)
}

func (c *Connection) onMessageReceived(err error, size int) {
	if err != nil {
		c.onSessionError(err)
		return
	}

	msg, err := message.Deserialize(c.rxBuf[:size])
	if err != nil {
		c.log.Errorf("%s: %s", c.String(), err.Error())
		c.onSessionError(err)
		return
	}

	c.messageHandler(msg)
	c.startReceive()
}

func (c *Connection) onSessionError(err error) {
	c.sessionOnce.Do(func() {
		c.sessionRunning.Store(false)
		c.Close()
		c.sessionHandler(err)
	})
}

// TrySend queues msg if the send queue has room right now.
func (c *Connection) TrySend(msg *message.Outgoing) (bool, error) {
	return c.mt.TrySend(msg)
}

func (c *Connection) SendAsync(msg *message.Outgoing, tag OperationTag, handler func(err error)) {
	c.mt.SendAsync(msg, msgtransport.OperationTag(tag), handler)
}

func (c *Connection) CancelSend(tag OperationTag) bool {
	return c.mt.CancelSend(msgtransport.OperationTag(tag))
}
