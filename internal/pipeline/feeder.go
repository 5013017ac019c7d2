package pipeline

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jmylchreest/starcast/internal/observability"
)

// feedQueueCapacity bounds the feeder queue.
const feedQueueCapacity = 20

// ErrQueueFull is returned when an enqueue does not complete within the
// watchdog timeout. The conductor treats it as a stall.
var ErrQueueFull = errors.New("feed queue full")

// feedItem pairs a staged fragment with the encoder input pipe it belongs
// to. A zero item is the shutdown sentinel.
type feedItem struct {
	path string
	sink io.Writer
}

// Feeder consumes the fragment queue in strict FIFO order, writing each
// staged file into the encoder's input pipe and deleting it afterwards.
// The encoder stdin is written exclusively here; the conductor kills the
// encoder but never touches the pipe.
type Feeder struct {
	queue  chan feedItem
	state  *State
	logger *slog.Logger

	wg sync.WaitGroup
}

// NewFeeder creates a feeder reporting heartbeats into state.
func NewFeeder(state *State, logger *slog.Logger) *Feeder {
	return &Feeder{
		queue:  make(chan feedItem, feedQueueCapacity),
		state:  state,
		logger: logger,
	}
}

// Start launches the feeder worker.
func (f *Feeder) Start() {
	f.wg.Add(1)
	go f.worker()
}

// Stop sends the shutdown sentinel and waits for the worker to drain
// everything queued before it.
func (f *Feeder) Stop() {
	f.queue <- feedItem{}
	f.wg.Wait()
}

// Enqueue queues a fragment for delivery, giving up after the timeout.
func (f *Feeder) Enqueue(path string, sink io.Writer, timeout time.Duration) error {
	item := feedItem{path: path, sink: sink}
	select {
	case f.queue <- item:
		observability.QueueDepth.Set(float64(len(f.queue)))
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrQueueFull, timeout)
	}
}

// Len returns the current queue depth.
func (f *Feeder) Len() int {
	return len(f.queue)
}

// Drain empties the queue without feeding, deleting every referenced
// fragment. Used by the recovery path after the encoder has been killed.
func (f *Feeder) Drain() {
	for {
		select {
		case item := <-f.queue:
			if item.path != "" {
				removeQuiet(item.path)
			}
		default:
			observability.QueueDepth.Set(0)
			return
		}
	}
}

// worker is the feeder loop: strict FIFO, one fragment at a time.
func (f *Feeder) worker() {
	defer f.wg.Done()

	f.logger.Info("feeder started")
	for item := range f.queue {
		if item.path == "" {
			f.logger.Info("feeder stopping")
			return
		}
		observability.QueueDepth.Set(float64(len(f.queue)))

		if err := f.feed(item); err != nil {
			// A broken encoder pipe is not fatal here: the fragment is
			// dropped and the watchdog recovers the pipeline once the
			// heartbeat goes stale.
			f.logger.Warn("encoder pipe write failed, dropping fragment",
				slog.String("fragment", item.path),
				slog.Any("error", err))
		} else {
			f.state.Touch()
			observability.FragmentsFed.Inc()
		}

		// The staging file is deleted regardless of write outcome.
		removeQuiet(item.path)
	}
}

// feed writes the fragment bytes into the encoder pipe.
func (f *Feeder) feed(item feedItem) error {
	file, err := os.Open(item.path)
	if err != nil {
		return fmt.Errorf("opening fragment: %w", err)
	}
	defer file.Close()

	n, err := io.Copy(item.sink, file)
	if err != nil {
		return fmt.Errorf("writing to encoder pipe: %w", err)
	}

	observability.BytesFed.Add(float64(n))
	f.logger.Info("fragment fed",
		slog.String("fragment", item.path),
		slog.Float64("size_mb", float64(n)/(1024*1024)))
	return nil
}

// removeQuiet deletes a file, tolerating a missing one.
func removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not remove file", slog.String("path", path), slog.Any("error", err))
	}
}
