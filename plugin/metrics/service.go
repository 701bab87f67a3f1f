package metrics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

const defaultBufferSize = 1024

// Config configures the metrics service.
type Config struct {
	BufferSize int
	Rules      []Rule
	Alerter    Alerter
	Persister  PersisterConfig
}

// Service is the production Sink. Emit never blocks: when the buffer is full
// the event is dropped and counted.
type Service struct {
	events     chan Event
	aggregator *Aggregator
	evaluator  *AlertEvaluator
	persister  *Persister

	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// NewService creates and starts a metrics service.
// If bucketStore is nil, counts are only held in memory.
func NewService(bucketStore BucketStore, cfg Config) (*Service, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}

	evaluator, err := NewAlertEvaluator(cfg.Rules, cfg.Alerter)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		events:     make(chan Event, cfg.BufferSize),
		aggregator: NewAggregator(),
		evaluator:  evaluator,
		done:       make(chan struct{}),
	}

	if bucketStore != nil {
		svc.persister = NewPersister(bucketStore, svc.aggregator, cfg.Persister)
		svc.persister.Start()
	} else {
		slog.Warn("metrics service initialized without store (persistence disabled)")
	}

	go svc.dispatch()
	return svc, nil
}

// Emit implements Sink.
func (s *Service) Emit(event Event) {
	select {
	case <-s.done:
		s.dropped.Add(1)
		return
	default:
	}

	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

func (s *Service) dispatch() {
	for {
		select {
		case event := <-s.events:
			s.handle(event)
		case <-s.done:
			// Drain what was already accepted.
			for {
				select {
				case event := <-s.events:
					s.handle(event)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) handle(event Event) {
	count := s.aggregator.Record(event)
	s.evaluator.Evaluate(context.Background(), event, count)
}

// Totals returns in-memory counts per event name.
func (s *Service) Totals() map[string]int64 {
	return s.aggregator.Totals()
}

// Dropped returns the number of events dropped because the buffer was full.
func (s *Service) Dropped() int64 {
	return s.dropped.Load()
}

// Flush forces an immediate flush of completed hours.
func (s *Service) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Flush(ctx)
}

// Close stops the dispatcher and the persister.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.persister != nil {
			s.persister.Close()
		}
	})
}
