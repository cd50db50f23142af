// Package branch lets processes on a network discover each other, connect,
// authenticate with a shared network password and exchange broadcasts.
package branch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/arbiter"
	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/result"
)

// Branch is one participant of a branch network. All handlers passed to its
// asynchronous operations run on a single goroutine owned by the branch.
type Branch struct {
	config  *config.BranchConfig
	log     *zap.SugaredLogger
	arbiter *arbiter.Arbiter
	metrics *Metrics
	info    *LocalInfo
	cm      *ConnectionManager
	bm      *BroadcastManager

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool
}

// New validates c, binds the TCP server and the advertising sockets and
// creates the local branch info. Nothing is sent or accepted before Start.
func New(c *config.BranchConfig, logger *zap.SugaredLogger) (*Branch, error) {
	if c == nil {
		return nil, result.Newf(result.CodeInvalidParam, "nil BranchConfig")
	}
	if logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "nil Logger")
	}

	cfg := *c
	cfg.ApplyDefaults()
	err := cfg.Validate()
	if err != nil {
		logger.Errorf("branch: %s", err.Error())
		return nil, err
	}

	log := logger.Named("Branch")

	a, err := arbiter.NewArbiter(
		&arbiter.Options{
			EventChannelLength: cfg.EventChannelLength,
			LogPrefix:          "branch",
			LogDebug:           false,
			Logger:             logger,
		},
	)
	if err != nil {
		return nil, err
	}

	metrics := newMetrics()

	cm, err := newConnectionManager(&cfg, a, metrics, log)
	if err != nil {
		a.Shutdown()
		return nil, err
	}

	info, err := newLocalInfo(&cfg, cm.AdvertisingInterfaces(), cm.TCPServerPort())
	if err != nil {
		_ = cm.Close()
		a.Shutdown()
		return nil, err
	}

	b := &Branch{
		config:  &cfg,
		log:     log,
		arbiter: a,
		metrics: metrics,
		info:    info,
		cm:      cm,
		bm:      newBroadcastManager(cm, metrics, log),
	}

	log.Infof("%s: created branch %s", info.LogPrefix(), info.Name)
	return b, nil
}

// Start begins advertising, listening for advertisements and accepting
// connections. Subsequent calls do nothing.
func (b *Branch) Start() {
	b.startOnce.Do(func() {
		b.cm.Start(b.info, b.onConnectionChanged, b.onMessageReceived)
	})
}

func (b *Branch) UUID() uuid.UUID {
	return b.info.UUID
}

func (b *Branch) Info() *LocalInfo {
	return b.info
}

func (b *Branch) InfoJSON() string {
	return b.info.JSON()
}

// ConnectedBranches maps the UUID of every branch with a running session to
// its info JSON.
func (b *Branch) ConnectedBranches() map[uuid.UUID]string {
	return b.cm.MakeConnectedBranchesInfoStrings()
}

func (b *Branch) Metrics() *Metrics {
	return b.metrics
}

// AwaitEventAsync waits for the next event matching events. A wait started
// before is canceled with result.ErrCanceled; the return value tells whether
// there was one.
func (b *Branch) AwaitEventAsync(events Event, handler EventHandler) bool {
	return b.cm.AwaitEventAsync(events, handler)
}

func (b *Branch) CancelAwaitEvent() bool {
	return b.cm.CancelAwaitEvent()
}

// ClearBlacklist allows blacklisted branches to be connected to again.
func (b *Branch) ClearBlacklist() {
	b.cm.ClearBlacklist()
}

func (b *Branch) SendBroadcastAsync(
	payload *message.Payload,
	retry bool,
	handler SendBroadcastHandler,
) (OperationTag, error) {
	if b.closed.Load() {
		return 0, result.ErrCanceled
	}
	return b.bm.SendBroadcastAsync(payload, retry, handler)
}

func (b *Branch) SendBroadcast(ctx context.Context, payload *message.Payload, retry bool) error {
	if b.closed.Load() {
		return result.ErrCanceled
	}
	return b.bm.SendBroadcast(ctx, payload, retry)
}

func (b *Branch) CancelSendBroadcast(oid OperationTag) bool {
	return b.bm.CancelSendBroadcast(oid)
}

func (b *Branch) ReceiveBroadcast(enc message.Encoding, buf []byte, handler ReceiveBroadcastHandler) error {
	if b.closed.Load() {
		return result.ErrCanceled
	}
	return b.bm.ReceiveBroadcast(enc, buf, handler)
}

func (b *Branch) CancelReceiveBroadcast() bool {
	return b.bm.CancelReceiveBroadcast()
}

// arbiter goroutine
func (b *Branch) onConnectionChanged(err error, conn *Connection) {
	if err != nil {
		b.log.Infof("%s: connection to %s lost: %s", b.info.LogPrefix(), conn.String(), err.Error())
	} else {
		b.log.Infof("%s: connection to %s established", b.info.LogPrefix(), conn.String())
	}
}

// arbiter goroutine
func (b *Branch) onMessageReceived(msg *message.Incoming, conn *Connection) {
	switch msg.Type {
	case message.TypeHeartbeat:
	case message.TypeBroadcast:
		b.bm.OnBroadcastReceived(msg.Payload, conn.RemoteInfo().UUID)
	default:
		b.log.Warnf("%s: unexpected %s message from %s", b.info.LogPrefix(), msg.Type.String(), conn.String())
	}
}

// Close cancels all pending operations, whose handlers see
// result.ErrCanceled, drops every connection and stops the branch. It must not
// be called from a handler.
func (b *Branch) Close() error {
	b.closeOnce.Do(func() {
		b.closed.Store(true)

		b.cm.CancelAwaitEvent()
		b.bm.cancelAll()

		err := b.cm.Close()

		b.arbiter.ReleaseGroup(arbiter.GroupAdvertising)
		b.arbiter.ReleaseGroup(arbiter.GroupHeartbeat)
		b.arbiter.Drain()
		b.arbiter.Shutdown()

		if err != nil {
			b.closeErr = result.Newf(result.CodeUnknown, "closing listener: %v", err)
		}

		b.log.Infof("%s: branch closed", b.info.LogPrefix())
	})
	return b.closeErr
}
