package worker

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
)

type Job interface{}

type ProcessFunc func(ctx context.Context, job Job) error

// ErrQueueFull is returned by Submit when the target lane's buffer is full.
// Callers fail fast instead of blocking the ingress path.
var ErrQueueFull = errors.New("worker lane queue full")

// KeyedPool runs a fixed set of lanes, each a single goroutine with its own
// FIFO queue. Jobs sharing a key always hash to the same lane, so per-key
// processing order is submission order; distinct keys proceed in parallel.
type KeyedPool struct {
	lanes     []chan Job
	processor ProcessFunc
	wg        sync.WaitGroup
}

func NewKeyedPool(numLanes int, bufferSize int, processor ProcessFunc) *KeyedPool {
	if numLanes < 1 {
		numLanes = 1
	}
	lanes := make([]chan Job, numLanes)
	for i := range lanes {
		lanes[i] = make(chan Job, bufferSize)
	}
	return &KeyedPool{
		lanes:     lanes,
		processor: processor,
	}
}

func (p *KeyedPool) Start(ctx context.Context) {
	for i := range p.lanes {
		p.wg.Add(1)
		go p.run(ctx, p.lanes[i])
	}
}

func (p *KeyedPool) run(ctx context.Context, jobs chan Job) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-jobs:
			if !ok {
				return
			}
			p.processor(ctx, job)
		}
	}
}

// Submit enqueues the job onto the lane owning key.
func (p *KeyedPool) Submit(key string, job Job) error {
	lane := p.lanes[p.laneFor(key)]
	select {
	case lane <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *KeyedPool) laneFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.lanes)))
}

func (p *KeyedPool) Stop() {
	for _, lane := range p.lanes {
		close(lane)
	}
	p.wg.Wait()
}
