// Package msgtransport turns a byte-stream transport into an ordered channel of
// size-prefixed messages with bounded send and receive queues.
package msgtransport

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/net/transport"
	"github.com/Meander-Cloud/go-branch/result"
)

// OperationTag identifies a tagged SendAsync for CancelSend; 0 means untagged.
type OperationTag uint64

type SendHandler func(err error)

// ReceiveHandler gets the full size of the received message, which exceeds
// the buffer length when err is result.ErrBufferTooSmall.
type ReceiveHandler func(err error, size int)

// Dispatcher runs completion handlers; arbiter.Arbiter satisfies it.
type Dispatcher interface {
	Dispatch(f func()) error
}

type Options struct {
	TxQueueSize int
	RxQueueSize int
	Dispatcher  Dispatcher
	LogPrefix   string
	Logger      *zap.SugaredLogger
}

type pendingSend struct {
	tag     OperationTag
	bytes   []byte
	handler SendHandler
}

type MessageTransport struct {
	options    *Options
	log        *zap.SugaredLogger
	transport  transport.Transport
	descriptor string

	deadOnce sync.Once
	deadErr  error
	closed   atomic.Bool
	started  atomic.Bool
	exitwg   sync.WaitGroup

	txMutex      sync.Mutex
	txCond       *sync.Cond
	txRb         *ringBuffer
	pendingSends []*pendingSend
	lastTxErr    error

	rxMutex               sync.Mutex
	rxCond                *sync.Cond
	rxRb                  *ringBuffer
	sizeDecoder           message.SizeFieldDecoder
	sizeField             int
	sizeFieldValid        bool
	pendingReceiveBuf     []byte
	pendingReceiveHandler ReceiveHandler
	lastRxErr             error
}

func New(t transport.Transport, options *Options) (*MessageTransport, error) {
	if t == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil transport", options.LogPrefix)
	}

	if options.Dispatcher == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Dispatcher", options.LogPrefix)
	}

	if options.Logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Logger", options.LogPrefix)
	}

	minQueueSize := message.MaxSizeFieldLength + 1
	if options.TxQueueSize < minQueueSize || options.RxQueueSize < minQueueSize {
		err := result.Newf(
			result.CodeInvalidParam,
			"%s: invalid TxQueueSize=%d, RxQueueSize=%d",
			options.LogPrefix,
			options.TxQueueSize,
			options.RxQueueSize,
		)
		options.Logger.Errorf("%s", err.Error())
		return nil, err
	}

	mt := &MessageTransport{
		options:    options,
		log:        options.Logger.Named("MessageTransport"),
		transport:  t,
		descriptor: "[peer " + t.PeerDescription() + "]",

		txRb:         newRingBuffer(options.TxQueueSize),
		pendingSends: nil,
		lastTxErr:    nil,

		rxRb:                  newRingBuffer(options.RxQueueSize),
		sizeField:             0,
		sizeFieldValid:        false,
		pendingReceiveBuf:     nil,
		pendingReceiveHandler: nil,
		lastRxErr:             nil,
	}
	mt.txCond = sync.NewCond(&mt.txMutex)
	mt.rxCond = sync.NewCond(&mt.rxMutex)

	return mt, nil
}

// Start launches the write and read loops.
func (t *MessageTransport) Start() {
	if t.started.Swap(true) {
		return
	}

	t.exitwg.Add(2)
	go t.writeLoop()
	go t.readLoop()
}

func (t *MessageTransport) Transport() transport.Transport {
	return t.transport
}

// Close shuts the underlying transport down. Pending and later operations
// fail with the first recorded error, result.ErrCanceled if none.
func (t *MessageTransport) Close() {
	t.fail(result.ErrCanceled)
}

// Wait blocks until both loops have exited; only meaningful after Close.
func (t *MessageTransport) Wait() {
	t.exitwg.Wait()
}

func (t *MessageTransport) dispatch(f func()) {
	err := t.options.Dispatcher.Dispatch(f)
	if err != nil {
		// dispatcher gone, completion must still be delivered
		go f()
	}
}

// fail records the first error, closes the transport and fails everything
// pending in both directions.
func (t *MessageTransport) fail(err error) {
	t.deadOnce.Do(func() {
		t.deadErr = err
		t.closed.Store(true)
		_ = t.transport.Close()
	})
	err = t.deadErr

	func() {
		t.txMutex.Lock()
		defer t.txMutex.Unlock()

		if t.lastTxErr == nil {
			t.lastTxErr = err
		}
		for _, ps := range t.pendingSends {
			handler := ps.handler
			t.dispatch(func() { handler(err) })
		}
		t.pendingSends = nil
		t.txCond.Broadcast()
	}()

	func() {
		t.rxMutex.Lock()
		defer t.rxMutex.Unlock()

		if t.lastRxErr == nil {
			t.lastRxErr = err
		}
		if t.pendingReceiveHandler != nil {
			handler := t.pendingReceiveHandler
			t.pendingReceiveHandler = nil
			t.pendingReceiveBuf = nil
			t.dispatch(func() { handler(err, 0) })
		}
		t.rxCond.Broadcast()
	}()
}

// TrySend enqueues msg without waiting. It returns false when the send queue
// lacks space or when asynchronous sends are still waiting, so that ordering
// is preserved. Once the transport failed the sticky error is returned.
func (t *MessageTransport) TrySend(msg *message.Outgoing) (bool, error) {
	t.txMutex.Lock()
	defer t.txMutex.Unlock()

	if t.lastTxErr != nil {
		return false, t.lastTxErr
	}

	if err := t.checkFits(msg.Size()); err != nil {
		return false, err
	}

	if len(t.pendingSends) != 0 {
		return false, nil
	}

	return t.trySendLocked(msg.Bytes()), nil
}

// SendAsync enqueues msg, waiting for queue space if necessary; handler runs
// once the message has been copied into the send queue. A non-zero tag makes
// the operation cancelable through CancelSend.
func (t *MessageTransport) SendAsync(msg *message.Outgoing, tag OperationTag, handler SendHandler) {
	t.txMutex.Lock()
	defer t.txMutex.Unlock()

	if t.lastTxErr != nil {
		err := t.lastTxErr
		t.dispatch(func() { handler(err) })
		return
	}

	if err := t.checkFits(msg.Size()); err != nil {
		t.dispatch(func() { handler(err) })
		return
	}

	if tag != 0 {
		for _, ps := range t.pendingSends {
			if ps.tag == tag {
				err := result.Newf(result.CodeInvalidOperationId, "tag %d already pending", tag)
				t.dispatch(func() { handler(err) })
				return
			}
		}
	}

	if len(t.pendingSends) == 0 && t.trySendLocked(msg.Bytes()) {
		t.dispatch(func() { handler(nil) })
		return
	}

	t.pendingSends = append(
		t.pendingSends,
		&pendingSend{
			tag:     tag,
			bytes:   msg.Bytes(),
			handler: handler,
		},
	)
}

// CancelSend fails the pending send tagged tag with result.ErrCanceled. It
// returns false if no such send is waiting for queue space.
func (t *MessageTransport) CancelSend(tag OperationTag) bool {
	if tag == 0 {
		return false
	}

	t.txMutex.Lock()
	defer t.txMutex.Unlock()

	for i, ps := range t.pendingSends {
		if ps.tag != tag {
			continue
		}

		t.pendingSends = append(t.pendingSends[:i], t.pendingSends[i+1:]...)
		handler := ps.handler
		t.dispatch(func() { handler(result.ErrCanceled) })
		return true
	}

	return false
}

// invoked with txMutex held
func (t *MessageTransport) checkFits(size int) error {
	if size > 0xffffffff || size+message.SizeFieldLength(uint32(size)) > t.txRb.capacity() {
		return result.Newf(
			result.CodePayloadTooLarge,
			"message of %d bytes exceeds send queue of %d bytes",
			size,
			t.txRb.capacity(),
		)
	}
	return nil
}

// invoked with txMutex held
func (t *MessageTransport) trySendLocked(bytes []byte) bool {
	var field [message.MaxSizeFieldLength]byte
	sizeField := message.AppendSizeField(field[:0], uint32(len(bytes)))

	if t.txRb.free() < len(sizeField)+len(bytes) {
		return false
	}

	t.txRb.write(sizeField)
	t.txRb.write(bytes)
	t.txCond.Signal()
	return true
}

// invoked with txMutex held
func (t *MessageTransport) retryPendingSendsLocked() {
	i := 0
	for ; i < len(t.pendingSends); i++ {
		ps := t.pendingSends[i]
		if !t.trySendLocked(ps.bytes) {
			break
		}
		handler := ps.handler
		t.dispatch(func() { handler(nil) })
	}
	t.pendingSends = t.pendingSends[i:]
}

func (t *MessageTransport) writeLoop() {
	defer t.exitwg.Done()

	for {
		var chunk []byte
		stop := func() bool {
			t.txMutex.Lock()
			defer t.txMutex.Unlock()

			for t.txRb.empty() && t.lastTxErr == nil {
				t.txCond.Wait()
			}
			if t.lastTxErr != nil {
				return true
			}
			chunk = t.txRb.firstReadSlice()
			return false
		}()
		if stop {
			return
		}

		n, err := t.transport.Write(chunk)
		if err != nil {
			if !t.closed.Load() {
				t.log.Errorf("%s: sending message failed: %s", t.descriptor, err.Error())
			}
			t.fail(err)
			return
		}

		func() {
			t.txMutex.Lock()
			defer t.txMutex.Unlock()

			t.txRb.commitRead(n)
			t.retryPendingSendsLocked()
		}()
	}
}

// ReceiveAsync delivers the next message into buf. A receive already pending
// is canceled first. A message longer than buf is truncated to len(buf), the
// rest discarded, and handler gets result.ErrBufferTooSmall with the full size.
func (t *MessageTransport) ReceiveAsync(buf []byte, handler ReceiveHandler) {
	t.rxMutex.Lock()
	defer t.rxMutex.Unlock()

	if t.lastRxErr != nil {
		err := t.lastRxErr
		t.dispatch(func() { handler(err, 0) })
		return
	}

	t.cancelReceiveLocked()

	t.pendingReceiveBuf = buf
	t.pendingReceiveHandler = handler
	t.tryDeliveringPendingReceiveLocked()
}

// CancelReceive fails a pending receive with result.ErrCanceled; it is a
// no-op when none is pending.
func (t *MessageTransport) CancelReceive() {
	t.rxMutex.Lock()
	defer t.rxMutex.Unlock()

	t.cancelReceiveLocked()
}

// invoked with rxMutex held
func (t *MessageTransport) cancelReceiveLocked() {
	if t.pendingReceiveHandler == nil {
		return
	}

	handler := t.pendingReceiveHandler
	t.pendingReceiveHandler = nil
	t.pendingReceiveBuf = nil
	t.dispatch(func() { handler(result.ErrCanceled, 0) })
}

// invoked with rxMutex held
func (t *MessageTransport) tryDeliveringPendingReceiveLocked() {
	if t.pendingReceiveHandler == nil {
		return
	}

	if !t.sizeFieldValid {
		consumed := false
		for !t.rxRb.empty() {
			size, done, invalid := t.sizeDecoder.Push(t.rxRb.popByte())
			consumed = true
			if invalid {
				t.failReceiveLocked(result.Newf(result.CodeDeserializeMsgFailed, "invalid size field"))
				return
			}
			if done {
				t.sizeDecoder.Reset()
				if int64(size) > int64(t.rxRb.capacity()) {
					t.failReceiveLocked(result.Newf(
						result.CodeDeserializeMsgFailed,
						"message of %d bytes exceeds receive queue of %d bytes",
						size,
						t.rxRb.capacity(),
					))
					return
				}
				t.sizeField = int(size)
				t.sizeFieldValid = true
				break
			}
		}
		if consumed {
			t.rxCond.Signal()
		}
		if !t.sizeFieldValid {
			return
		}
	}

	if t.rxRb.len() < t.sizeField {
		return
	}

	handler := t.pendingReceiveHandler
	buf := t.pendingReceiveBuf
	size := t.sizeField
	t.pendingReceiveHandler = nil
	t.pendingReceiveBuf = nil
	t.sizeFieldValid = false

	n := size
	if n > len(buf) {
		n = len(buf)
	}
	t.rxRb.read(buf[:n])
	t.rxRb.discard(size - n)
	t.rxCond.Signal()

	if n < size {
		t.dispatch(func() { handler(result.ErrBufferTooSmall, size) })
	} else {
		t.dispatch(func() { handler(nil, size) })
	}
}

// invoked with rxMutex held; the rest of fail runs on its own goroutine since
// it needs both locks
func (t *MessageTransport) failReceiveLocked(err error) {
	t.log.Errorf("%s: receiving message failed: %s", t.descriptor, err.Error())

	if t.lastRxErr == nil {
		t.lastRxErr = err
	}
	if t.pendingReceiveHandler != nil {
		handler := t.pendingReceiveHandler
		t.pendingReceiveHandler = nil
		t.pendingReceiveBuf = nil
		t.dispatch(func() { handler(err, 0) })
	}
	t.rxCond.Broadcast()

	go t.fail(err)
}

func (t *MessageTransport) readLoop() {
	defer t.exitwg.Done()

	for {
		var chunk []byte
		stop := func() bool {
			t.rxMutex.Lock()
			defer t.rxMutex.Unlock()

			for t.rxRb.full() && t.lastRxErr == nil {
				t.rxCond.Wait()
			}
			if t.lastRxErr != nil {
				return true
			}
			chunk = t.rxRb.firstWriteSlice()
			return false
		}()
		if stop {
			return
		}

		n, err := t.transport.Read(chunk)
		if err != nil {
			if !t.closed.Load() {
				t.log.Errorf("%s: receiving message failed: %s", t.descriptor, err.Error())
			}
			t.fail(err)
			return
		}

		func() {
			t.rxMutex.Lock()
			defer t.rxMutex.Unlock()

			t.rxRb.commitWrite(n)
			t.tryDeliveringPendingReceiveLocked()
		}()
	}
}

// Send is the blocking form of SendAsync.
func (t *MessageTransport) Send(ctx context.Context, msg *message.Outgoing) error {
	donech := make(chan error, 1)
	t.SendAsync(msg, 0, func(err error) {
		donech <- err
	})

	select {
	case err := <-donech:
		return err
	case <-ctx.Done():
		t.Close()
		return result.ErrCanceled
	}
}

// Receive is the blocking form of ReceiveAsync.
func (t *MessageTransport) Receive(ctx context.Context, buf []byte) (int, error) {
	type received struct {
		err  error
		size int
	}

	donech := make(chan received, 1)
	t.ReceiveAsync(buf, func(err error, size int) {
		donech <- received{err: err, size: size}
	})

	select {
	case r := <-donech:
		return r.size, r.err
	case <-ctx.Done():
		t.CancelReceive()
		return 0, result.ErrCanceled
	}
}
