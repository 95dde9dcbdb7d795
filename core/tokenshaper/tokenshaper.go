// Package tokenshaper implements the hierarchical token-bucket
// admission control tree from §4.9: a tree of buckets where each
// child's rate/ceil are configured as percentages of its parent and
// rescaled to absolute token counts whenever the root is resized.
package tokenshaper

import (
	"errors"
	"sync"
	"time"
)

// ErrCeilReached names the condition of a bucket that cannot borrow any
// more tokens from its overrate chain up to its ceil. Get does not
// return it; Get reports that condition by returning 0.
var ErrCeilReached = errors.New("tokenshaper: ceil reached")

// ErrOverflow is returned by Resize/SetRate/SetCeil when rescaling
// would overflow an absolute token count.
var ErrOverflow = errors.New("tokenshaper: capacity overflow")

// QueueItem is one item enqueued on a Bucket awaiting tokens.
type QueueItem struct {
	Value     any
	enqueued  time.Time
}

// Bucket is one node in the admission tree.
type Bucket struct {
	Name string

	mu          sync.Mutex
	parent      *Bucket
	children    []*Bucket
	ratePercent float64
	ceilPercent float64

	rate   int64 // absolute tokens/tick, derived from ratePercent * parent's rate
	ceil   int64
	actual int64 // tokens currently taken (actualRate)

	queue        []QueueItem
	queueTimeout time.Duration
	onTimeout    func(QueueItem)

	capacity int64 // only meaningful on the root
	rrNext   int   // round-robin cursor over children, for Dequeue
}

// NewRoot creates the root bucket of a tree with the given absolute
// token capacity.
func NewRoot(name string, capacity int64) *Bucket {
	b := &Bucket{Name: name, capacity: capacity, ratePercent: 1, ceilPercent: 1}
	b.rate = capacity
	b.ceil = capacity
	return b
}

// NewChild creates a child bucket under parent with rate/ceil expressed
// as fractions (0..1] of the parent's rate/ceil. The child's absolute
// counts are derived immediately from the current tree capacity.
func (parent *Bucket) NewChild(name string, ratePercent, ceilPercent float64) *Bucket {
	parent.mu.Lock()
	defer parent.mu.Unlock()

	c := &Bucket{
		Name:        name,
		parent:      parent,
		ratePercent: ratePercent,
		ceilPercent: ceilPercent,
	}
	c.rate = int64(float64(parent.rate) * ratePercent)
	c.ceil = int64(float64(parent.ceil) * ceilPercent)
	parent.children = append(parent.children, c)
	return c
}

// SetTimeout configures the per-item queue timeout and the handler
// invoked (from Sweep) for items that exceed it.
func (b *Bucket) SetTimeout(d time.Duration, onTimeout func(QueueItem)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueTimeout = d
	b.onTimeout = onTimeout
}

func (b *Bucket) root() *Bucket {
	r := b
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Get tries to take n tokens from b, walking up the ancestor chain:
// every bucket from b to the root must have room under its own ceil
// (this is the "borrow from overrate" behaviour — a bucket may run
// above its own rate, into the slack its ancestors still have, as long
// as no ancestor's ceil is exceeded). All-or-nothing: either every
// level in the chain admits n and all of them are debited, or none are
// and Get returns 0.
func (b *Bucket) Get(n int64) int64 {
	chain := b.chainToRoot()
	for _, lvl := range chain {
		lvl.mu.Lock()
	}
	defer func() {
		for _, lvl := range chain {
			lvl.mu.Unlock()
		}
	}()

	for _, lvl := range chain {
		if lvl.actual+n > lvl.ceil {
			return 0
		}
	}
	for _, lvl := range chain {
		lvl.actual += n
	}
	return n
}

// Put releases n tokens back to b and every ancestor along the same
// path Get debited.
func (b *Bucket) Put(n int64) {
	chain := b.chainToRoot()
	for _, lvl := range chain {
		lvl.mu.Lock()
		lvl.actual -= n
		if lvl.actual < 0 {
			lvl.actual = 0
		}
		lvl.mu.Unlock()
	}
}

// chainToRoot returns [b, b.parent, ..., root], ordered child-first so
// the deepest (most contended) bucket is checked first.
func (b *Bucket) chainToRoot() []*Bucket {
	chain := []*Bucket{b}
	for p := b.parent; p != nil; p = p.parent {
		chain = append(chain, p)
	}
	return chain
}

// ActualRate returns the tokens currently taken from b.
func (b *Bucket) ActualRate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.actual
}

// OverRate returns max(0, actualRate - rate).
func (b *Bucket) OverRate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.actual > b.rate {
		return b.actual - b.rate
	}
	return 0
}

// Rate and Ceil return the bucket's current absolute token counts.
func (b *Bucket) Rate() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

func (b *Bucket) Ceil() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceil
}

// Enqueue appends an item to b's FIFO queue, stamped with the current
// time for queueTimeout sweeping.
func (b *Bucket) Enqueue(v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, QueueItem{Value: v, enqueued: time.Now()})
}

// Dequeue walks b's subtree round-robin, popping the first item from a
// child bucket only when tokens are currently available at every
// ancestor from the root down to that child (checked via Get(1)/Put(1)
// probing, since availability can change between the check and the
// pop in a concurrent tree — callers needing a hard reservation should
// call Get explicitly after Dequeue returns).
func (b *Bucket) Dequeue() (any, bool) {
	if b.Get(1) != 1 {
		return nil, false
	}
	b.Put(1)

	b.mu.Lock()
	if len(b.queue) > 0 {
		item := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		return item.Value, true
	}
	children := append([]*Bucket(nil), b.children...)
	start := b.rrNext
	b.mu.Unlock()

	for i := 0; i < len(children); i++ {
		idx := (start + i) % len(children)
		if v, ok := children[idx].Dequeue(); ok {
			b.mu.Lock()
			b.rrNext = (idx + 1) % len(children)
			b.mu.Unlock()
			return v, true
		}
	}
	return nil, false
}

// Sweep removes queue items older than queueTimeout, invoking
// onTimeout for each, and recurses into children. Returns the number
// timed out.
func (b *Bucket) Sweep(now time.Time) int {
	b.mu.Lock()
	timedOut := 0
	if b.queueTimeout > 0 {
		kept := b.queue[:0]
		for _, item := range b.queue {
			if now.Sub(item.enqueued) > b.queueTimeout {
				timedOut++
				if b.onTimeout != nil {
					b.mu.Unlock()
					b.onTimeout(item)
					b.mu.Lock()
				}
				continue
			}
			kept = append(kept, item)
		}
		b.queue = kept
	}
	children := append([]*Bucket(nil), b.children...)
	b.mu.Unlock()

	for _, c := range children {
		timedOut += c.Sweep(now)
	}
	return timedOut
}

// Resize changes the root's capacity and recomputes rate/ceil for the
// whole subtree, preserving each bucket's configured percentage of its
// parent.
func (b *Bucket) Resize(capacity int64) error {
	root := b.root()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.capacity = capacity
	root.rate = capacity
	root.ceil = capacity
	return root.rescaleChildrenLocked()
}

func (b *Bucket) rescaleChildrenLocked() error {
	for _, c := range b.children {
		c.mu.Lock()
		newRate := int64(float64(b.rate) * c.ratePercent)
		newCeil := int64(float64(b.ceil) * c.ceilPercent)
		if newRate < 0 || newCeil < 0 {
			c.mu.Unlock()
			return ErrOverflow
		}
		c.rate = newRate
		c.ceil = newCeil
		err := c.rescaleChildrenLocked()
		c.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// SetRate changes b's rate as a fraction of its parent's rate (1.0 for
// the root) and rescales b's subtree.
func (b *Bucket) SetRate(percent float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ratePercent = percent
	if b.parent != nil {
		b.parent.mu.Lock()
		b.rate = int64(float64(b.parent.rate) * percent)
		b.parent.mu.Unlock()
	} else {
		b.rate = int64(float64(b.capacity) * percent)
	}
	return b.rescaleChildrenLocked()
}

// SetCeil changes b's ceil as a fraction of its parent's ceil and
// rescales b's subtree.
func (b *Bucket) SetCeil(percent float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ceilPercent = percent
	if b.parent != nil {
		b.parent.mu.Lock()
		b.ceil = int64(float64(b.parent.ceil) * percent)
		b.parent.mu.Unlock()
	} else {
		b.ceil = int64(float64(b.capacity) * percent)
	}
	return b.rescaleChildrenLocked()
}
