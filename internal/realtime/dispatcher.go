package realtime

import (
	"sync"

	"go.uber.org/zap"
)

const defaultQueueSize = 256

// Dispatcher delivers events to registered handlers from a single goroutine,
// preserving enqueue order. A full queue drops the event (at-most-once delivery).
type Dispatcher struct {
	queue    chan Event
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	handlers map[EventKind][]Handler

	observer Observer
	logger   *zap.Logger
}

// NewDispatcher starts a dispatcher with the given queue size
func NewDispatcher(size int, observer Observer, logger *zap.Logger) *Dispatcher {
	if size <= 0 {
		size = defaultQueueSize
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:    make(chan Event, size),
		done:     make(chan struct{}),
		handlers: make(map[EventKind][]Handler),
		observer: observer,
		logger:   logger,
	}
	go d.run()
	return d
}

// On registers h for events of kind
func (d *Dispatcher) On(kind EventKind, h Handler) {
	d.mu.Lock()
	d.handlers[kind] = append(d.handlers[kind], h)
	d.mu.Unlock()
}

// Enqueue queues ev without blocking. It reports false when the event was dropped.
func (d *Dispatcher) Enqueue(ev Event) bool {
	select {
	case <-d.done:
		return false
	default:
	}

	select {
	case d.queue <- ev:
		return true
	default:
		d.observer.EventDropped(ev.Kind)
		d.logger.Warn("Dispatch queue full, dropping event",
			zap.String("topic", ev.Topic),
			zap.String("kind", string(ev.Kind)))
		return false
	}
}

// Stop ends delivery. Queued events are discarded.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.done) })
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.queue:
			// Stop 이후에 꺼낸 이벤트는 버린다
			if d.stopped() {
				return
			}
			d.dispatch(ev)
		}
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.done:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers[ev.Kind]...)
	d.mu.RUnlock()

	for _, h := range handlers {
		if d.stopped() {
			return
		}
		d.call(h, ev)
	}
	d.observer.EventDispatched(ev.Kind)
}

func (d *Dispatcher) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered from panic in event handler",
				zap.Any("panic", r),
				zap.String("topic", ev.Topic),
				zap.String("kind", string(ev.Kind)))
		}
	}()
	h(ev)
}
