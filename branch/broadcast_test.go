package branch

import (
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Meander-Cloud/go-branch/logging"
	"github.com/Meander-Cloud/go-branch/message"
	"github.com/Meander-Cloud/go-branch/net/transport"
	"github.com/Meander-Cloud/go-branch/result"
)

type sendResult struct {
	err error
	oid OperationTag
}

// newTestManager returns a manager without sockets whose registry is filled
// by addSession.
func newTestManager(t *testing.T) *ConnectionManager {
	return &ConnectionManager{
		log:             logging.Nop(),
		logger:          logging.Nop(),
		arbiter:         newTestArbiter(t),
		metrics:         newMetrics(),
		info:            newTestLocalInfo(t, "local", 4096),
		connections:     make(map[uuid.UUID]*Connection),
		blacklist:       make(map[uuid.UUID]struct{}),
		pendingConnects: make(map[uuid.UUID]struct{}),
		handshaking:     make(map[*Connection]struct{}),
	}
}

// addSession registers a running session whose peer end is returned unread;
// its send queue holds txQueueSize bytes.
func addSession(t *testing.T, m *ConnectionManager, txQueueSize int) (*Connection, *transport.ConnTransport) {
	local, peer := transport.NewPipe(0, 0)
	t.Cleanup(func() { _ = peer.Close() })

	conn, err := newConnection(local, newTestLocalInfo(t, "local", txQueueSize), m.arbiter, logging.Nop())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	conn.remoteInfo = &RemoteInfo{Info: Info{UUID: uuid.New()}}
	conn.sessionRunning.Store(true)

	m.connectionsMutex.Lock()
	m.connections[conn.remoteInfo.UUID] = conn
	m.connectionsMutex.Unlock()

	return conn, peer
}

func drain(t *testing.T, peer io.Reader) *atomic.Int64 {
	var total atomic.Int64
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := peer.Read(buf)
			total.Add(int64(n))
			if err != nil {
				return
			}
		}
	}()
	return &total
}

func msgpackPayload(t *testing.T, v any) *message.Payload {
	data, err := msgpack.Marshal(v)
	require.NoError(t, err)
	return &message.Payload{Data: data, Encoding: message.EncodingMsgPack}
}

func waitSend(t *testing.T, ch <-chan sendResult) sendResult {
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second * 5):
		t.Fatal("send handler not called")
		return sendResult{}
	}
}

func TestSendBroadcastWithoutSessions(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	ch := make(chan sendResult, 1)
	oid, err := bm.SendBroadcastAsync(msgpackPayload(t, "hello"), true, func(err error, oid OperationTag) {
		ch <- sendResult{err: err, oid: oid}
	})
	require.NoError(t, err)
	assert.NotZero(t, oid)

	res := waitSend(t, ch)
	assert.NoError(t, res.err)
	assert.Equal(t, oid, res.oid)
	assert.False(t, bm.CancelSendBroadcast(oid))
}

func TestSendBroadcastQueueFullWithoutRetry(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	_, fastPeer := addSession(t, m, 4096)
	received := drain(t, fastPeer)
	addSession(t, m, 64)

	// "hello" -> 6 bytes msgpack, 1 type byte, 1 size byte
	const frameSize = 8

	ch := make(chan sendResult, 1)
	delivered := 0
	full := false
	for i := 0; i < 100 && !full; i++ {
		_, err := bm.SendBroadcastAsync(msgpackPayload(t, "hello"), false, func(err error, oid OperationTag) {
			ch <- sendResult{err: err, oid: oid}
		})
		require.NoError(t, err)

		res := waitSend(t, ch)
		if res.err != nil {
			require.ErrorIs(t, res.err, result.ErrTxQueueFull)
			full = true
		}
		delivered++
	}

	require.True(t, full)
	require.Greater(t, delivered, 1)

	assert.Eventually(t, func() bool {
		return received.Load() == int64(delivered*frameSize)
	}, time.Second*5, time.Millisecond*10)
}

func TestSendBroadcastRetryWaitsForQueueSpace(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	_, slowPeer := addSession(t, m, 64)

	ch := make(chan sendResult, 32)
	var lastOid OperationTag
	for i := 0; i < 16; i++ {
		oid, err := bm.SendBroadcastAsync(msgpackPayload(t, "hello"), true, func(err error, oid OperationTag) {
			ch <- sendResult{err: err, oid: oid}
		})
		require.NoError(t, err)
		lastOid = oid
	}

	// the queue holds at most 8 frames, the last send cannot have completed
	time.Sleep(time.Millisecond * 100)
	bm.txMutex.Lock()
	_, active := bm.activeOps[lastOid]
	bm.txMutex.Unlock()
	require.True(t, active)

	received := drain(t, slowPeer)

	for i := 0; i < 16; i++ {
		res := waitSend(t, ch)
		assert.NoError(t, res.err)
	}
	assert.Eventually(t, func() bool {
		return received.Load() == 16*8
	}, time.Second*5, time.Millisecond*10)
	assert.False(t, bm.CancelSendBroadcast(lastOid))
}

func TestCancelSendBroadcast(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	addSession(t, m, 64)

	ch := make(chan sendResult, 32)
	var oids []OperationTag
	for i := 0; i < 16; i++ {
		oid, err := bm.SendBroadcastAsync(msgpackPayload(t, "hello"), true, func(err error, oid OperationTag) {
			ch <- sendResult{err: err, oid: oid}
		})
		require.NoError(t, err)
		oids = append(oids, oid)
	}

	last := oids[len(oids)-1]
	require.True(t, bm.CancelSendBroadcast(last))
	assert.False(t, bm.CancelSendBroadcast(last))

	for {
		res := waitSend(t, ch)
		if res.oid == last {
			assert.ErrorIs(t, res.err, result.ErrCanceled)
			break
		}
	}
}

func TestCancelSendBroadcastAfterAllQueued(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	_, slowPeer := addSession(t, m, 64)

	ch := make(chan sendResult, 32)
	var last OperationTag
	for i := 0; i < 16; i++ {
		oid, err := bm.SendBroadcastAsync(msgpackPayload(t, "hello"), true, func(err error, oid OperationTag) {
			ch <- sendResult{err: err, oid: oid}
		})
		require.NoError(t, err)
		last = oid
	}

	// hold the arbiter so that completions of queued sends stay pending
	held := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	unblock := func() { releaseOnce.Do(func() { close(release) }) }
	t.Cleanup(unblock)
	m.post(func() {
		close(held)
		<-release
	})
	<-held

	received := drain(t, slowPeer)
	require.Eventually(t, func() bool {
		return received.Load() == 16*8
	}, time.Second*5, time.Millisecond*10)

	// every frame is on the wire, nothing left to cancel
	assert.False(t, bm.CancelSendBroadcast(last))

	unblock()
	for i := 0; i < 16; i++ {
		res := waitSend(t, ch)
		assert.NoError(t, res.err, "oid %d", res.oid)
	}
	assert.False(t, bm.CancelSendBroadcast(last))
}

func TestSendBroadcastInvalidPayload(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	_, err := bm.SendBroadcastAsync(
		&message.Payload{Data: []byte(`{"broken"`), Encoding: message.EncodingJSON},
		true,
		func(error, OperationTag) { t.Error("handler called") },
	)
	assert.ErrorIs(t, err, result.ErrParsingJsonFailed)

	big := strings.Repeat("a", 40000)
	_, err = bm.SendBroadcastAsync(msgpackPayload(t, big), true, func(error, OperationTag) {
		t.Error("handler called")
	})
	assert.ErrorIs(t, err, result.ErrPayloadTooLarge)
}

type receiveResult struct {
	err    error
	source uuid.UUID
	size   int
}

func TestReceiveBroadcastAtMostOnePending(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	first := make(chan receiveResult, 2)
	second := make(chan receiveResult, 2)
	buf := make([]byte, 64)

	require.NoError(t, bm.ReceiveBroadcast(message.EncodingJSON, buf, func(err error, source uuid.UUID, size int) {
		first <- receiveResult{err, source, size}
	}))
	require.NoError(t, bm.ReceiveBroadcast(message.EncodingJSON, buf, func(err error, source uuid.UUID, size int) {
		second <- receiveResult{err, source, size}
	}))

	select {
	case res := <-first:
		assert.ErrorIs(t, res.err, result.ErrCanceled)
	case <-time.After(time.Second * 5):
		t.Fatal("first receive not canceled")
	}

	source := uuid.New()
	payload := msgpackPayload(t, map[string]any{"a": 1})
	bm.OnBroadcastReceived(payload, source)

	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, source, res.source)
	assert.JSONEq(t, `{"a":1}`, string(buf[:res.size]))

	// nothing pending, dropped
	bm.OnBroadcastReceived(payload, source)
	assert.Len(t, first, 0)
	assert.Len(t, second, 0)
	assert.False(t, bm.CancelReceiveBroadcast())

	err := bm.ReceiveBroadcast(message.Encoding(7), buf, func(error, uuid.UUID, int) {})
	assert.ErrorIs(t, err, result.ErrInvalidParam)
}

func TestReceiveBroadcastBufferTooSmall(t *testing.T) {
	m := newTestManager(t)
	bm := newBroadcastManager(m, m.metrics, logging.Nop())

	ch := make(chan receiveResult, 1)
	buf := make([]byte, 4)
	require.NoError(t, bm.ReceiveBroadcast(message.EncodingMsgPack, buf, func(err error, source uuid.UUID, size int) {
		ch <- receiveResult{err, source, size}
	}))

	payload := msgpackPayload(t, "hello world")
	bm.OnBroadcastReceived(payload, uuid.New())

	res := <-ch
	assert.ErrorIs(t, res.err, result.ErrBufferTooSmall)
	assert.Equal(t, 4, res.size)
	assert.Equal(t, payload.Data[:4], buf)
}

func TestAwaitEventAtMostOnePending(t *testing.T) {
	m := newTestManager(t)

	type eventResult struct {
		err   error
		event Event
		evErr error
		id    uuid.UUID
		json  string
	}

	first := make(chan eventResult, 1)
	second := make(chan eventResult, 1)

	assert.False(t, m.AwaitEventAsync(EventAll, func(err error, event Event, evErr error, id uuid.UUID, json string) {
		first <- eventResult{err, event, evErr, id, json}
	}))
	assert.True(t, m.AwaitEventAsync(EventConnectionLost, func(err error, event Event, evErr error, id uuid.UUID, json string) {
		second <- eventResult{err, event, evErr, id, json}
	}))

	res := <-first
	assert.ErrorIs(t, res.err, result.ErrCanceled)
	assert.Equal(t, EventNone, res.event)

	id := uuid.New()

	// masked out
	m.emitEvent(EventBranchQueried, nil, id, nil)
	m.emitEvent(EventConnectionLost, result.ErrRwSocketFailed, id, nil)

	res = <-second
	assert.NoError(t, res.err)
	assert.Equal(t, EventConnectionLost, res.event)
	assert.ErrorIs(t, res.evErr, result.ErrRwSocketFailed)
	assert.Equal(t, id, res.id)
	assert.JSONEq(t, `{"uuid":"`+id.String()+`"}`, res.json)

	assert.False(t, m.CancelAwaitEvent())
}

func TestMakeOperationIDNonZero(t *testing.T) {
	m := newTestManager(t)
	m.lastOpTag.Store(^uint64(0) - 1)

	assert.NotZero(t, m.MakeOperationID())
	assert.NotZero(t, m.MakeOperationID())
	assert.NotZero(t, m.MakeOperationID())
}
