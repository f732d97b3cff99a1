package bus

import (
	"container/heap"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryConfig configures the in-process bus.
type MemoryConfig struct {
	// VisibilityTimeout is how long a received message stays hidden before it
	// is handed out again. Default 5m.
	VisibilityTimeout time.Duration
}

func (c MemoryConfig) withDefaults() MemoryConfig {
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 5 * time.Minute
	}
	return c
}

// Memory is an in-process Bus. Delayed and in-flight messages sit on a
// per-queue min-heap ordered by visibility time, so pending delays cost one
// heap entry each and no goroutine.
type Memory struct {
	cfg MemoryConfig
	now func() time.Time

	mu     sync.Mutex
	routes routes
	queues map[string]*memQueue
	dead   map[string][]DeadLetter
	closed bool
	done   chan struct{}
}

var _ Bus = (*Memory)(nil)

type memItem struct {
	env       Envelope
	attempt   int
	visibleAt time.Time
	receipt   string
	seq       uint64
	index     int
}

type memQueue struct {
	items  itemHeap
	byID   map[string]*memItem
	notify chan struct{}
	seq    uint64
}

// itemHeap orders by visibility time, then insertion order.
type itemHeap []*memItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].visibleAt.Equal(h[j].visibleAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].visibleAt.Before(h[j].visibleAt)
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *itemHeap) Push(x any) {
	it := x.(*memItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// NewMemory creates an in-process bus.
func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		routes: routes{},
		queues: map[string]*memQueue{},
		dead:   map[string][]DeadLetter{},
		done:   make(chan struct{}),
	}
}

func (m *Memory) queue(name string) *memQueue {
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{byID: map[string]*memItem{}, notify: make(chan struct{}, 1)}
		m.queues[name] = q
	}
	return q
}

func (q *memQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (m *Memory) Bind(b Binding) error {
	if err := b.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes.add(b)
	m.queue(b.Queue)
	return nil
}

func (m *Memory) Publish(ctx context.Context, topic string, msg any, opts ...PublishOption) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}
	o := applyOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	bindings := m.routes[topic]
	if len(bindings) == 0 {
		return fmt.Errorf("%w: %s", ErrNoBinding, topic)
	}
	now := m.now()
	id := o.id
	if id == "" {
		id = newID()
	}
	for _, b := range bindings {
		m.enqueueLocked(b.Queue, topic, id, payload, now, b.Delay+o.delay)
	}
	return nil
}

func (m *Memory) Enqueue(ctx context.Context, queue, topic string, msg any, opts ...PublishOption) error {
	payload, err := marshalPayload(msg)
	if err != nil {
		return err
	}
	o := applyOptions(opts)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	id := o.id
	if id == "" {
		id = newID()
	}
	m.enqueueLocked(queue, topic, id, payload, m.now(), o.delay)
	return nil
}

func (m *Memory) enqueueLocked(queue, topic, id string, payload []byte, now time.Time, delay time.Duration) {
	q := m.queue(queue)
	if _, exists := q.byID[id]; exists {
		id = newID()
	}
	q.seq++
	it := &memItem{
		env: Envelope{
			ID:          id,
			Topic:       topic,
			Queue:       queue,
			Payload:     append([]byte(nil), payload...),
			EnqueuedAt:  now,
			PublishedAt: now,
		},
		visibleAt: now.Add(delay),
		seq:       q.seq,
	}
	heap.Push(&q.items, it)
	q.byID[id] = it
	q.signal()
}

func (m *Memory) Receive(ctx context.Context, queue string) (*Delivery, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrClosed
		}
		q := m.queue(queue)
		now := m.now()
		wait := time.Duration(-1)
		if q.items.Len() > 0 {
			head := q.items[0]
			if !head.visibleAt.After(now) {
				head.attempt++
				head.receipt = newReceipt()
				head.visibleAt = now.Add(m.cfg.VisibilityTimeout)
				heap.Fix(&q.items, head.index)
				d := &Delivery{Envelope: head.env, Attempt: head.attempt, receipt: head.receipt}
				// Wake another receiver to look at what is left.
				q.signal()
				m.mu.Unlock()
				return d, nil
			}
			wait = head.visibleAt.Sub(now)
		}
		notify := q.notify
		m.mu.Unlock()

		var (
			timer *time.Timer
			fire  <-chan time.Time
		)
		if wait >= 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		err := m.waitFor(ctx, notify, fire)
		if timer != nil {
			timer.Stop()
		}
		if err != nil {
			return nil, err
		}
	}
}

func (m *Memory) waitFor(ctx context.Context, notify <-chan struct{}, fire <-chan time.Time) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	case <-notify:
	case <-fire:
	}
	return nil
}

// settle finds the in-flight item for d, or returns ErrUnknownDelivery.
func (m *Memory) settle(d *Delivery) (*memQueue, *memItem, error) {
	if m.closed {
		return nil, nil, ErrClosed
	}
	q, ok := m.queues[d.Queue]
	if !ok {
		return nil, nil, ErrUnknownDelivery
	}
	it, ok := q.byID[d.ID]
	if !ok || it.receipt != d.receipt {
		return nil, nil, ErrUnknownDelivery
	}
	return q, it, nil
}

func (m *Memory) Ack(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, it, err := m.settle(d)
	if err != nil {
		return err
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, it.env.ID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	return m.requeue(d, delay, false)
}

func (m *Memory) Postpone(ctx context.Context, d *Delivery, delay time.Duration) error {
	return m.requeue(d, delay, true)
}

func (m *Memory) requeue(d *Delivery, delay time.Duration, refund bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, it, err := m.settle(d)
	if err != nil {
		return err
	}
	if refund && it.attempt > 0 {
		it.attempt--
	}
	it.receipt = ""
	it.visibleAt = m.now().Add(delay)
	heap.Fix(&q.items, it.index)
	q.signal()
	return nil
}

func (m *Memory) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, it, err := m.settle(d)
	if err != nil {
		return err
	}
	heap.Remove(&q.items, it.index)
	delete(q.byID, it.env.ID)
	m.dead[d.Queue] = append(m.dead[d.Queue], DeadLetter{
		Envelope: it.env,
		Attempts: it.attempt,
		Reason:   reason,
		FailedAt: m.now(),
	})
	return nil
}

func (m *Memory) DeadLetters(ctx context.Context, queue string, limit int) ([]DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []DeadLetter
	for name, letters := range m.dead {
		if queue != "" && name != queue {
			continue
		}
		out = append(out, letters...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Depth(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0, nil
	}
	return q.items.Len(), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.done)
	return nil
}
