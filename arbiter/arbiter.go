package arbiter

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Meander-Cloud/go-schedule/scheduler"
	"go.uber.org/zap"

	"github.com/Meander-Cloud/go-branch/result"
)

const (
	EventChannelLength uint16 = 1024
)

type Options struct {
	EventChannelLength uint16
	LogPrefix          string
	LogDebug           bool
	Logger             *zap.SugaredLogger
}

// Arbiter is the execution context of a branch: every asynchronous completion
// handler runs on its single scheduler goroutine, in dispatch order.
type Arbiter struct {
	options    *Options
	log        *zap.SugaredLogger
	s          *scheduler.Scheduler[Group]
	taskpl     sync.Pool
	taskch     chan *task
	lastSeq    atomic.Uint64
	inShutdown atomic.Bool
	overflowwg sync.WaitGroup
}

func NewArbiter(options *Options) (*Arbiter, error) {
	if options == nil {
		return nil, result.Newf(result.CodeInvalidParam, "nil arbiter options")
	}

	if options.Logger == nil {
		return nil, result.Newf(result.CodeInvalidParam, "%s: nil Logger", options.LogPrefix)
	}

	eventChannelLength := options.EventChannelLength
	if eventChannelLength == 0 {
		eventChannelLength = EventChannelLength
	}

	a := &Arbiter{
		options: options,
		log:     options.Logger.Named("Arbiter"),
		s: scheduler.NewScheduler[Group](
			&scheduler.Options{
				LogPrefix: options.LogPrefix,
				LogDebug:  options.LogDebug,
			},
		),
		taskpl: sync.Pool{
			New: func() any {
				return newTask()
			},
		},
		taskch:     make(chan *task, eventChannelLength),
		inShutdown: atomic.Bool{},
		overflowwg: sync.WaitGroup{},
	}

	// add taskch
	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.NewAsyncVariant(
				false,
				nil,
				a.taskch,
				func(_ *scheduler.Scheduler[Group], _ *scheduler.AsyncVariant[Group], recv interface{}) {
					a.handle(recv)
				},
				func(_ *scheduler.Scheduler[Group], v *scheduler.AsyncVariant[Group]) {
					a.log.Infof("%s: taskch released, select count: %d", options.LogPrefix, v.SelectCount)
				},
			),
		},
	)

	// ownership of internal state is transferred to scheduler goroutine
	a.s.RunAsync()

	return a, nil
}

// Shutdown stops the scheduler goroutine; handlers dispatched afterwards are
// dropped and Dispatch reports ErrCanceled.
func (a *Arbiter) Shutdown() {
	if a.inShutdown.Swap(true) {
		return
	}
	a.s.Shutdown() // wait
	a.overflowwg.Wait()
}

func (a *Arbiter) Scheduler() *scheduler.Scheduler[Group] {
	return a.s
}

func (a *Arbiter) getTask() *task {
	tAny := a.taskpl.Get()
	t, ok := tAny.(*task)
	if !ok {
		err := fmt.Errorf("%s: failed to cast task, tAny=%#v", a.options.LogPrefix, tAny)
		a.log.Error(err.Error())
		panic(err)
	}
	return t
}

func (a *Arbiter) returnTask(t *task) {
	t.reset()
	a.taskpl.Put(t)
}

// scheduler goroutine
func (a *Arbiter) handle(recv interface{}) {
	t, ok := recv.(*task)
	if !ok {
		a.log.Errorf("%s: failed to cast task, recv=%#v", a.options.LogPrefix, recv)
		return
	}
	defer a.returnTask(t)

	started := time.Now().UTC()

	func() {
		defer func() {
			rec := recover()
			if rec != nil {
				a.log.Errorf(
					"%s: handler #%d recovered from panic: %+v",
					a.options.LogPrefix,
					t.seq,
					rec,
				)
			}
		}()
		t.f()
	}()

	if a.options.LogDebug {
		a.log.Debugf(
			"%s: handler #%d queueWait=%dus, elapsed=%dus",
			a.options.LogPrefix,
			t.seq,
			t.queueWait(started).Microseconds(),
			time.Since(started).Microseconds(),
		)
	}
}

// Dispatch queues f to run on the arbiter goroutine. Handlers run in
// dispatch order unless the queue overflowed.
func (a *Arbiter) Dispatch(f func()) error {
	if a.inShutdown.Load() {
		return result.Newf(result.CodeCanceled, "%s: arbiter shut down", a.options.LogPrefix)
	}

	t := a.getTask()
	t.f = f
	t.seq = a.lastSeq.Add(1)
	t.enqueued = time.Now().UTC()

	select {
	case a.taskch <- t:
	default:
		// queue full, hand the push to a helper so the handler is not lost
		a.log.Warnf("%s: task queue full, deferring handler #%d", a.options.LogPrefix, t.seq)

		a.overflowwg.Add(1)
		go func() {
			defer a.overflowwg.Done()
			for {
				select {
				case a.taskch <- t:
					return
				case <-time.After(time.Millisecond * 100):
					if a.inShutdown.Load() {
						a.returnTask(t)
						return
					}
				}
			}
		}()
	}

	return nil
}

// Post is Dispatch for callers that have nowhere to report the error.
func (a *Arbiter) Post(f func()) {
	err := a.Dispatch(f)
	if err != nil {
		a.log.Debugf("%s: dropped functor: %s", a.options.LogPrefix, err.Error())
	}
}

// Drain blocks until every functor dispatched so far has run. It must not be
// called from the arbiter goroutine.
func (a *Arbiter) Drain() {
	donech := make(chan struct{})
	err := a.Dispatch(func() {
		close(donech)
	})
	if err != nil {
		return
	}
	<-donech
}

// ScheduleTimer runs f on the arbiter goroutine once wait has elapsed, unless
// group is released first.
func (a *Arbiter) ScheduleTimer(group Group, wait time.Duration, f func()) {
	if a.inShutdown.Load() {
		return
	}

	a.s.ProcessAsync(
		&scheduler.ScheduleAsyncEvent[Group]{
			AsyncVariant: scheduler.TimerAsync(
				true,
				[]Group{group},
				wait,
				f,
				nil,
			),
		},
	)
}

// ReleaseGroup cancels every timer scheduled under group.
func (a *Arbiter) ReleaseGroup(group Group) {
	if a.inShutdown.Load() {
		return
	}

	a.s.ProcessAsync(
		&scheduler.ReleaseGroupEvent[Group]{
			Group: group,
		},
	)
}
