package archive

import (
	"context"
	"sync"
	"time"

	"github.com/sitemill/sitemill/internal/logger"
)

const (
	drainTimeout = 10 * time.Second
	retryBackoff = time.Second
)

// uploadWorker drains the mirror queue in the background.
type uploadWorker struct {
	mirror *Mirror
	logger logger.Interface
	wg     sync.WaitGroup
	stopCh chan struct{}
}

func newUploadWorker(m *Mirror, log logger.Interface) *uploadWorker {
	return &uploadWorker{
		mirror: m,
		logger: log,
		stopCh: make(chan struct{}),
	}
}

func (w *uploadWorker) start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		for {
			select {
			case obj := <-w.mirror.queue:
				w.process(obj)
			case <-w.stopCh:
				w.drain()
				return
			}
		}
	}()
}

func (w *uploadWorker) stop() {
	close(w.stopCh)
	w.wg.Wait()
}

// process uploads one object, retrying with linear backoff.
func (w *uploadWorker) process(obj Object) {
	var lastErr error

	for attempt := 0; attempt <= w.mirror.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * retryBackoff)
		}

		if err := w.mirror.upload(context.Background(), obj); err != nil {
			lastErr = err
			continue
		}
		return
	}

	w.logger.Error("Mirror upload failed after retries",
		"url", obj.URL,
		"name", obj.Name,
		"error", lastErr.Error(),
	)
}

// drain empties the queue within a deadline before the worker exits.
func (w *uploadWorker) drain() {
	deadline := time.Now().Add(drainTimeout)

	for {
		select {
		case obj := <-w.mirror.queue:
			if time.Now().After(deadline) {
				w.logger.Warn("Mirror drain timeout, dropping artifact", "name", obj.Name)
				continue
			}
			w.process(obj)
		default:
			return
		}
	}
}
