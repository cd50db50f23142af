package branch

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/config"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/result"
)

type (
	SendBroadcastHandler    func(err error, oid OperationTag)
	ReceiveBroadcastHandler func(err error, source uuid.UUID, size int)
)

// BroadcastManager fans broadcasts out to every running session and hands the
// next incoming broadcast to the single pending receive operation.
type BroadcastManager struct {
	log     *zap.SugaredLogger
	cm      *ConnectionManager
	metrics *Metrics

	txMutex   sync.Mutex
	activeOps map[OperationTag]struct{}

	rxMutex   sync.Mutex
	rxHandler ReceiveBroadcastHandler
	rxEnc     message.Encoding
	rxBuf     []byte
}

func newBroadcastManager(cm *ConnectionManager, metrics *Metrics, logger *zap.SugaredLogger) *BroadcastManager {
	return &BroadcastManager{
		log:       logger.Named("BroadcastManager"),
		cm:        cm,
		metrics:   metrics,
		activeOps: make(map[OperationTag]struct{}),
	}
}

func makeBroadcastMessage(payload *message.Payload) (*message.Outgoing, error) {
	msg, err := message.NewBroadcast(payload)
	if err != nil {
		return nil, err
	}

	// type byte excluded
	if msg.Size()-1 > config.MaxMessagePayloadSize {
		return nil, result.Newf(
			result.CodePayloadTooLarge,
			"broadcast of %d bytes exceeds %d bytes",
			msg.Size()-1,
			config.MaxMessagePayloadSize,
		)
	}

	return msg, nil
}

// SendBroadcastAsync sends payload to every branch with a running session.
//
// With retry set, sessions whose send queue is full get the broadcast queued
// and handler fires once all of them accepted it. Without retry, such
// sessions are skipped and handler gets result.ErrTxQueueFull. handler runs on
// the arbiter goroutine.
func (b *BroadcastManager) SendBroadcastAsync(
	payload *message.Payload,
	retry bool,
	handler SendBroadcastHandler,
) (OperationTag, error) {
	msg, err := makeBroadcastMessage(payload)
	if err != nil {
		return 0, err
	}

	oid := b.cm.MakeOperationID()

	if !retry {
		allSent := true
		b.cm.ForeachRunningSession(func(conn *Connection) {
			sent, err := conn.TrySend(msg)
			if err != nil {
				b.log.Debugf("%s: could not send broadcast: %s", conn.String(), err.Error())
				return
			}
			if !sent {
				allSent = false
				return
			}
			b.metrics.broadcastsSent.Inc()
		})

		var res error
		if !allSent {
			res = result.ErrTxQueueFull
		}
		b.cm.post(func() {
			handler(res, oid)
		})
		return oid, nil
	}

	b.txMutex.Lock()
	defer b.txMutex.Unlock()

	// guarded by txMutex
	pending := 0

	b.cm.ForeachRunningSession(func(conn *Connection) {
		sent, err := conn.TrySend(msg)
		if err != nil {
			b.log.Debugf("%s: could not send broadcast: %s", conn.String(), err.Error())
			return
		}
		if sent {
			b.metrics.broadcastsSent.Inc()
			return
		}

		pending++
		conn.SendAsync(msg, oid, func(err error) {
			b.txMutex.Lock()
			pending--
			last := pending == 0
			removed := false
			if last {
				_, removed = b.activeOps[oid]
				delete(b.activeOps, oid)
			}
			b.txMutex.Unlock()

			if err != nil {
				if !errors.Is(err, result.ErrCanceled) {
					b.log.Errorf("%s: could not send broadcast: %s", conn.String(), err.Error())
				}
			} else {
				b.metrics.broadcastsSent.Inc()
			}

			if last {
				if removed {
					handler(nil, oid)
				} else {
					handler(result.ErrCanceled, oid)
				}
			}
		})
	})

	if pending == 0 {
		b.cm.post(func() {
			handler(nil, oid)
		})
	} else {
		b.activeOps[oid] = struct{}{}
	}

	return oid, nil
}

// SendBroadcast is the blocking form of SendBroadcastAsync. Canceling ctx
// cancels the operation. It must not be called from a handler.
func (b *BroadcastManager) SendBroadcast(ctx context.Context, payload *message.Payload, retry bool) error {
	donech := make(chan error, 1)
	oid, err := b.SendBroadcastAsync(payload, retry, func(err error, _ OperationTag) {
		donech <- err
	})
	if err != nil {
		return err
	}

	select {
	case err = <-donech:
		return err
	case <-ctx.Done():
		b.CancelSendBroadcast(oid)
		return <-donech
	}
}

// CancelSendBroadcast cancels a send still waiting for queue space in at
// least one session. It returns false if the operation already finished or
// every message has been queued already; the handler then reports success.
func (b *BroadcastManager) CancelSendBroadcast(oid OperationTag) bool {
	b.txMutex.Lock()
	defer b.txMutex.Unlock()

	if _, found := b.activeOps[oid]; !found {
		return false
	}

	canceled := false
	b.cm.ForeachRunningSession(func(conn *Connection) {
		canceled = conn.CancelSend(oid) || canceled
	})
	if canceled {
		delete(b.activeOps, oid)
	}
	return canceled
}

// ReceiveBroadcast registers handler for the next broadcast from any branch.
// The payload is converted to enc and copied into buf. A receive registered
// before is canceled. Broadcasts arriving while nothing is registered are
// dropped.
func (b *BroadcastManager) ReceiveBroadcast(enc message.Encoding, buf []byte, handler ReceiveBroadcastHandler) error {
	if !enc.Valid() {
		return result.Newf(result.CodeInvalidParam, "invalid encoding %d", enc)
	}
	if handler == nil {
		return result.Newf(result.CodeInvalidParam, "nil handler")
	}

	b.rxMutex.Lock()
	defer b.rxMutex.Unlock()

	b.cancelReceiveLocked()
	b.rxHandler = handler
	b.rxEnc = enc
	b.rxBuf = buf
	return nil
}

func (b *BroadcastManager) CancelReceiveBroadcast() bool {
	b.rxMutex.Lock()
	defer b.rxMutex.Unlock()

	return b.cancelReceiveLocked()
}

func (b *BroadcastManager) cancelReceiveLocked() bool {
	if b.rxHandler == nil {
		return false
	}

	handler := b.rxHandler
	b.rxHandler = nil
	b.rxBuf = nil
	b.cm.post(func() {
		handler(result.ErrCanceled, uuid.Nil, 0)
	})
	return true
}

// OnBroadcastReceived runs on the arbiter goroutine. The handler is invoked
// inline so that it can register the next receive before another broadcast
// is processed.
func (b *BroadcastManager) OnBroadcastReceived(payload *message.Payload, source uuid.UUID) {
	b.metrics.broadcastsReceived.Inc()

	b.rxMutex.Lock()
	if b.rxHandler == nil {
		b.rxMutex.Unlock()
		b.metrics.broadcastsDropped.Inc()
		return
	}

	handler := b.rxHandler
	enc := b.rxEnc
	buf := b.rxBuf
	b.rxHandler = nil
	b.rxBuf = nil
	b.rxMutex.Unlock()

	n, err := payload.SerializeToUserBuffer(buf, enc)
	handler(err, source, n)
}

func (b *BroadcastManager) cancelAll() {
	b.CancelReceiveBroadcast()

	b.txMutex.Lock()
	oids := make([]OperationTag, 0, len(b.activeOps))
	for oid := range b.activeOps {
		oids = append(oids, oid)
	}
	b.txMutex.Unlock()

	for _, oid := range oids {
		b.CancelSendBroadcast(oid)
	}
}
