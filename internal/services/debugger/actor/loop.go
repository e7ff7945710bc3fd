package actor

import (
	"context"
	"log"
	"time"
)

// Start begins auto-processing in the background. It is a no-op when already
// running.
func (r *Runtime) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(context.WithoutCancel(ctx), r.stop, r.done)
}

// Stop ends auto-processing and waits for the in-flight delivery, if any, to
// finish.
func (r *Runtime) Stop(ctx context.Context) error {
	r.loopMu.Lock()
	if !r.running {
		r.loopMu.Unlock()
		return nil
	}
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	done := r.done
	r.loopMu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether auto-processing is active.
func (r *Runtime) IsRunning() bool {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	return r.running
}

func (r *Runtime) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		r.loopMu.Lock()
		r.running = false
		r.loopMu.Unlock()
		close(done)
	}()

	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		default:
		}

		delivered, err := r.StepOne(ctx)
		if err != nil {
			log.Printf("actor: deliver: %v", err)
		}
		if delivered {
			continue
		}

		timer.Reset(r.idle)
		select {
		case <-stop:
			return
		case <-r.wake:
		case <-timer.C:
		}
	}
}
