package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

type EventType int

const (
	ImageUploaded EventType = iota
)

func (t EventType) String() string {
	switch t {
	case ImageUploaded:
		return "uploaded"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

type Event struct {
	Type      EventType
	Key       string
	URL       string
	Size      int64
	Timestamp time.Time
}

// Publisher hands events to a background goroutine that writes them to the
// log. Publishing never blocks: when the queue is full the event is dropped.
type Publisher struct {
	ch     chan Event
	done   atomic.Bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

func (p *Publisher) ImageUploaded(key, url string, size int64) error {
	return p.publish(Event{
		Type:      ImageUploaded,
		Key:       key,
		URL:       url,
		Size:      size,
		Timestamp: time.Now(),
	})
}

func (p *Publisher) publish(event Event) error {
	if p.done.Load() {
		return fmt.Errorf("publisher is closed")
	}

	select {
	case p.ch <- event:
		return nil
	default:
		return fmt.Errorf("event queue is full, dropping event")
	}
}

// Wait blocks until the publisher has stopped and flushed queued events.
func (p *Publisher) Wait() {
	p.wg.Wait()
}

func (p *Publisher) write(event Event) {
	p.logger.Info(event.URL,
		"event", event.Type.String(),
		"key", event.Key,
		"size", humanize.IBytes(uint64(event.Size)),
		"at", event.Timestamp.Format(time.RFC3339),
	)
}

// NewEventPublisher starts the consumer goroutine. It runs until ctx is done
// and then drains whatever is still queued.
func NewEventPublisher(ctx context.Context, logger *slog.Logger, size int) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if size < 1 {
		size = 1
	}
	publisher := &Publisher{
		ch:     make(chan Event, size),
		logger: logger,
	}

	publisher.wg.Add(1)
	go func() {
		defer publisher.wg.Done()

		for {
			select {
			case <-ctx.Done():
				publisher.done.Store(true)
				for {
					select {
					case event := <-publisher.ch:
						publisher.write(event)
					default:
						return
					}
				}
			case event := <-publisher.ch:
				publisher.write(event)
			}
		}
	}()

	return publisher
}
