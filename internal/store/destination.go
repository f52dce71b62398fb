package store

import (
	"container/heap"
	"sync"

	"github.com/moroshma/MiniToolQueue/internal/domain/entity"
)

type counters struct {
	enqueued     uint64
	dequeued     uint64
	dispatched   uint64
	redelivered  uint64
	expired      uint64
	deadLettered uint64
}

// destination is a single named queue. Every field below mu is guarded by it.
type destination struct {
	name       string
	capacity   int
	deadLetter bool

	mu        sync.Mutex
	ready     readyQueue
	inflight  map[string]*entity.Message
	headOrder int64
	tailOrder int64
	sequence  uint64
	stats     counters
	failure   error

	// readyCh is closed when a message becomes ready, spaceCh when depth drops.
	readyCh chan struct{}
	spaceCh chan struct{}
}

func newDestination(name string, capacity int, deadLetter bool) *destination {
	return &destination{
		name:       name,
		capacity:   capacity,
		deadLetter: deadLetter,
		inflight:   make(map[string]*entity.Message),
		readyCh:    make(chan struct{}),
		spaceCh:    make(chan struct{}),
	}
}

func (d *destination) depth() int {
	return d.ready.Len() + len(d.inflight)
}

func (d *destination) full() bool {
	return !d.deadLetter && d.capacity > 0 && d.depth() >= d.capacity
}

func (d *destination) push(msg *entity.Message, atHead bool) {
	var order int64
	if atHead {
		d.headOrder--
		order = d.headOrder
	} else {
		d.tailOrder++
		order = d.tailOrder
	}
	heap.Push(&d.ready, &item{msg: msg, order: order})
	d.signalReady()
}

func (d *destination) signalReady() {
	close(d.readyCh)
	d.readyCh = make(chan struct{})
}

func (d *destination) signalSpace() {
	close(d.spaceCh)
	d.spaceCh = make(chan struct{})
}

func (d *destination) snapshot() entity.QueueStats {
	st := entity.QueueStats{
		Name:            d.name,
		EnqueueCount:    d.stats.enqueued,
		DequeueCount:    d.stats.dequeued,
		DispatchCount:   d.stats.dispatched,
		RedeliveryCount: d.stats.redelivered,
		ExpiredCount:    d.stats.expired,
		DeadLetterCount: d.stats.deadLettered,
		Depth:           d.depth(),
		InFlight:        len(d.inflight),
		Capacity:        d.capacity,
		DeadLetter:      d.deadLetter,
		Failed:          d.failure != nil,
	}
	if d.failure != nil {
		st.FailureReason = d.failure.Error()
	}
	return st
}
