// Package composite blends texture layers into one image per terrain region.
//
// Blending is queued and executed by a single consumer standing in for the
// thread that owns the rendering context. Jobs run strictly in enqueue order,
// so later jobs for a target always observe earlier ones as finished.
package composite

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/anthonynsimon/bild/blend"
	"github.com/anthonynsimon/bild/clone"
	"github.com/anthonynsimon/bild/transform"

	"github.com/agentic-research/strata/internal/region"
)

// ErrClosed is returned for jobs enqueued after, or still pending at, Close.
var ErrClosed = errors.New("composite renderer closed")

// Layer is one image blended over the layers beneath it.
type Layer struct {
	Image   image.Image
	Opacity float32
}

// Job describes the layers to blend for one target region.
type Job struct {
	Target region.Key
	Size   int
	Layers []Layer
}

// Blend composites job's layers bottom-up into a Size x Size image. Layers are
// resampled to Size first.
func Blend(job Job) (*image.RGBA, error) {
	if job.Size <= 0 {
		return nil, fmt.Errorf("composite %v: invalid size %d", job.Target, job.Size)
	}
	dst := image.NewRGBA(image.Rect(0, 0, job.Size, job.Size))
	for i, l := range job.Layers {
		if l.Image == nil {
			return nil, fmt.Errorf("composite %v: layer %d has no image", job.Target, i)
		}
		src := fit(l.Image, job.Size)
		switch op := clamp01(l.Opacity); {
		case op == 0:
		case i == 0 && op == 1:
			dst = src
		default:
			dst = blend.Opacity(dst, src, float64(op))
		}
	}
	return dst, nil
}

func fit(img image.Image, size int) *image.RGBA {
	b := img.Bounds()
	if b.Dx() == size && b.Dy() == size {
		return clone.AsRGBA(img)
	}
	return transform.Resize(img, size, size, transform.Linear)
}

func clamp01(v float32) float32 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Handle is the pending result of one enqueued job.
type Handle struct {
	job  Job
	done chan struct{}
	img  *image.RGBA
	err  error
}

// Target returns the region the job composites.
func (h *Handle) Target() region.Key { return h.job.Target }

// Done is closed once the job has run or failed.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) complete(img *image.RGBA, err error) {
	h.img, h.err = img, err
	close(h.done)
}

// Options configures a Renderer.
type Options struct {
	// FrameBudget caps how long Run spends draining the queue before yielding.
	// Zero drains completely.
	FrameBudget time.Duration
	Logger      *slog.Logger
}

// Renderer owns the composite job queue.
type Renderer struct {
	budget time.Duration
	log    *slog.Logger

	mu     sync.Mutex
	queue  []*Handle
	closed bool
	wake   chan struct{}

	// consumer serializes job execution.
	consumer sync.Mutex
}

// NewRenderer returns an idle renderer. Jobs only execute once Run, Process or
// ResolveInline is driving it.
func NewRenderer(opts Options) *Renderer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{
		budget: opts.FrameBudget,
		log:    logger,
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue appends job to the queue without blocking.
func (r *Renderer) Enqueue(job Job) *Handle {
	h := &Handle{job: job, done: make(chan struct{})}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		h.complete(nil, ErrClosed)
		return h
	}
	r.queue = append(r.queue, h)
	r.mu.Unlock()

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return h
}

// Resolve blocks until the job behind h has run.
func (r *Renderer) Resolve(ctx context.Context, h *Handle) (*image.RGBA, error) {
	select {
	case <-h.done:
		return h.img, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Composite enqueues job and waits for it.
func (r *Renderer) Composite(ctx context.Context, job Job) (*image.RGBA, error) {
	return r.Resolve(ctx, r.Enqueue(job))
}

// ResolveInline runs queued jobs on the calling goroutine, in order, until h
// has completed. It lets the goroutine that owns the rendering context wait
// on a job without needing a separate consumer.
func (r *Renderer) ResolveInline(h *Handle) (*image.RGBA, error) {
	r.consumer.Lock()
	defer r.consumer.Unlock()

	for {
		select {
		case <-h.done:
			return h.img, h.err
		default:
		}
		if !r.runNext() {
			// Not queued and not done: another path failed it.
			<-h.done
			return h.img, h.err
		}
	}
}

// Process runs queued jobs until the queue is empty or budget has elapsed,
// always running at least one job when any is queued. Zero budget drains the
// queue. It returns the number of jobs run.
func (r *Renderer) Process(budget time.Duration) int {
	r.consumer.Lock()
	defer r.consumer.Unlock()

	start := time.Now()
	n := 0
	for r.runNext() {
		n++
		if budget > 0 && time.Since(start) >= budget {
			break
		}
	}
	return n
}

// runNext must be called with r.consumer held.
func (r *Renderer) runNext() bool {
	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return false
	}
	h := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]
	r.mu.Unlock()

	img, err := Blend(h.job)
	if err != nil {
		r.log.Warn("composite failed", "key", h.job.Target.String(), "err", err)
	}
	h.complete(img, err)
	return true
}

// Run drives the queue from a goroutine locked to its OS thread until ctx is
// done or the renderer is closed.
func (r *Renderer) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		}
		for r.Pending() > 0 {
			if r.isClosed() {
				return ErrClosed
			}
			r.Process(r.budget)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		if r.isClosed() {
			return ErrClosed
		}
	}
}

// Pending returns the number of queued jobs.
func (r *Renderer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *Renderer) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close fails every pending job with ErrClosed and rejects new ones.
func (r *Renderer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	pending := r.queue
	r.queue = nil
	r.mu.Unlock()

	for _, h := range pending {
		h.complete(nil, ErrClosed)
	}
	if len(pending) > 0 {
		r.log.Debug("composite renderer closed", "dropped", len(pending))
	}
	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}
