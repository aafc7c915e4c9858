// Package rebuild owns the single bundle build state. It starts builds when
// watched files change, coalesces changes that arrive mid-build into one
// follow-up build, and broadcasts one reload per successful build.
package rebuild

import (
	"context"
	"log/slog"
	"sync"

	"github.com/matthewmueller/servn/bundle"
	"github.com/matthewmueller/servn/metrics"
	"github.com/matthewmueller/servn/watch"
)

type Builder interface {
	Build(ctx context.Context) (*bundle.Artifact, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context) error
}

// Phase of the build state machine.
type Phase int

const (
	NoArtifactYet Phase = iota
	Building
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case NoArtifactYet:
		return "no artifact yet"
	case Building:
		return "building"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Snapshot is a consistent view of the build state.
type Snapshot struct {
	Phase    Phase
	Artifact *bundle.Artifact
	Err      error
	Pending  bool
	Seq      uint64
}

type Rebuilder struct {
	builder Builder
	hub     Broadcaster
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	phase    Phase
	pending  bool
	artifact *bundle.Artifact
	err      error
	seq      uint64
	done     chan struct{} // closed when the current build finishes
	onBuild  func(*bundle.Artifact)
}

// New rebuilder. m may be nil.
func New(builder Builder, hub Broadcaster, log *slog.Logger, m *metrics.Metrics) *Rebuilder {
	return &Rebuilder{
		builder: builder,
		hub:     hub,
		log:     log,
		metrics: m,
	}
}

// Trigger starts a build, or queues one follow-up build if a build is already
// running. Builds are never cancelled once started.
func (r *Rebuilder) Trigger(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trigger(ctx)
}

func (r *Rebuilder) trigger(ctx context.Context) {
	if r.phase == Building {
		r.pending = true
		return
	}
	r.phase = Building
	r.done = make(chan struct{})
	go r.run(context.WithoutCancel(ctx))
}

func (r *Rebuilder) run(ctx context.Context) {
	for {
		r.log.Debug("rebuild: building")
		artifact, err := r.builder.Build(ctx)

		r.mu.Lock()
		if err != nil {
			r.err = err
			r.phase = Failed
		} else {
			r.seq++
			artifact.Seq = r.seq
			r.artifact = artifact
			r.err = nil
			r.phase = Ready
		}
		onBuild := r.onBuild
		close(r.done)
		again := r.pending
		if again {
			r.pending = false
			r.phase = Building
			r.done = make(chan struct{})
		}
		r.mu.Unlock()

		if err != nil {
			// Keep serving the previous artifact and don't tell clients to
			// reload into a broken bundle
			r.log.Error("rebuild: build failed", "error", err)
			r.metrics.BuildFailed()
		} else {
			r.metrics.BuildSucceeded(artifact.Duration)
			r.log.Info("rebuild: built bundle", "seq", artifact.Seq, "duration", artifact.Duration, "size", len(artifact.Code))
			if onBuild != nil {
				onBuild(artifact)
			}
			if err := r.hub.Broadcast(ctx); err != nil {
				r.log.Error("rebuild: broadcasting reload", "error", err)
			}
		}
		if !again {
			return
		}
	}
}

// Artifact returns the latest successful build. While a build is running the
// previous artifact is returned. When nothing has been built yet, Artifact
// starts a build if needed and waits for it.
func (r *Rebuilder) Artifact(ctx context.Context) (*bundle.Artifact, error) {
	r.mu.Lock()
	if r.artifact != nil {
		artifact := r.artifact
		r.mu.Unlock()
		return artifact, nil
	}
	if r.phase != Building {
		r.trigger(ctx)
	}
	done := r.done
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.artifact != nil {
		return r.artifact, nil
	}
	return nil, r.err
}

// State returns a snapshot of the build state.
func (r *Rebuilder) State() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Phase:    r.phase,
		Artifact: r.artifact,
		Err:      r.err,
		Pending:  r.pending,
		Seq:      r.seq,
	}
}

// Wait blocks until no build is running or queued.
func (r *Rebuilder) Wait(ctx context.Context) error {
	for {
		r.mu.Lock()
		if r.phase != Building {
			r.mu.Unlock()
			return nil
		}
		done := r.done
		r.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-done:
		}
	}
}

// Run builds once, then rebuilds whenever a path in watchSet or a source file
// of the last bundle changes. It blocks until ctx is cancelled.
func (r *Rebuilder) Run(ctx context.Context, watchSet []string) error {
	w, err := watch.New(r.log, func() {
		// Debounced changes can land after shutdown
		if ctx.Err() != nil {
			return
		}
		r.Trigger(ctx)
	})
	if err != nil {
		return err
	}
	if err := w.Add(watchSet...); err != nil {
		w.Close()
		return err
	}
	r.mu.Lock()
	r.onBuild = func(artifact *bundle.Artifact) {
		if err := w.Add(artifact.Inputs...); err != nil {
			r.log.Error("rebuild: watching bundle inputs", "error", err)
		}
	}
	r.mu.Unlock()
	r.log.Debug("rebuild: watching", "paths", len(watchSet))
	r.Trigger(ctx)
	return w.Run(ctx)
}
