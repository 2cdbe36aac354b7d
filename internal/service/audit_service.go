package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Bridge-Gate/Bridgegate/internal/domain/audit"
)

// EventFilter decides which events reach the store. Implementations
// must be safe for concurrent use.
type EventFilter interface {
	Keep(audit.Event) bool
}

// AuditService provides async audit recording with a buffered channel
// and a background batch writer. The data path never blocks on store
// I/O; when the channel saturates, events are shed and counted.
type AuditService struct {
	store         audit.Store
	filter        EventFilter
	eventChan     chan audit.Event
	wg            sync.WaitGroup
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration

	channelSize int
	sendTimeout time.Duration // 0 = drop immediately, >0 = block up to this duration

	recordCount atomic.Int64
	dropCount   atomic.Int64

	warningThreshold int          // channel depth percentage (0-100)
	lastWarning      atomic.Int64 // rate-limits warning logs (Unix nanos)

	// Channel depth percentage that switches the flush ticker to 1/4
	// of the normal interval. 0 disables adaptive flushing.
	adaptiveFlushThreshold int
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of events to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the interval to flush pending events.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the size of the event channel buffer.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.eventChan = make(chan audit.Event, size)
		s.channelSize = size
	}
}

// WithSendTimeout sets the backpressure timeout.
// 0 = drop immediately (no blocking), >0 = block up to this duration before dropping.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the channel depth warning percentage (0-100).
// A warning is logged when channel depth exceeds this percentage of capacity.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// WithAdaptiveFlushThreshold sets the channel depth percentage that
// triggers faster flushing. Set to 0 to disable.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.adaptiveFlushThreshold = percent
	}
}

// WithEventFilter installs a predicate applied before enqueue. Events
// it rejects are discarded without counting as drops.
func WithEventFilter(f EventFilter) AuditOption {
	return func(s *AuditService) {
		s.filter = f
	}
}

// NewAuditService creates a new AuditService with the given store and options.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	defaultChannelSize := 1000
	s := &AuditService{
		store:                  store,
		eventChan:              make(chan audit.Event, defaultChannelSize),
		logger:                 logger,
		batchSize:              100,
		flushInterval:          time.Second,
		channelSize:            defaultChannelSize,
		sendTimeout:            100 * time.Millisecond,
		warningThreshold:       80,
		adaptiveFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start begins the background worker that batches and writes events.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record sends an event to the background worker. A missing event id
// or timestamp is stamped here so every stored line is self-describing.
// Applies backpressure: fast non-blocking send, then blocks up to
// sendTimeout. If the timeout expires, the event is dropped and counted.
func (s *AuditService) Record(event audit.Event) {
	if s.filter != nil && !s.filter.Keep(event) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if s.warningThreshold > 0 {
		depth := len(s.eventChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case s.eventChan <- event:
		s.recordCount.Add(1)
		return
	default:
		// Channel full - apply backpressure
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(event)
		return
	}

	select {
	case s.eventChan <- event:
		s.recordCount.Add(1)
	case <-time.After(s.sendTimeout):
		s.recordDrop(event)
	}
}

// recordDrop increments the counter and logs the drop.
func (s *AuditService) recordDrop(event audit.Event) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit event dropped",
		"event", event.Kind,
		"session", event.SessionID,
		"total_drops", drops,
	)
}

// warnChannelDepth logs a capacity warning, rate-limited to once per second.
func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()

	if now-last < int64(time.Second) {
		return
	}

	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// RecordedEvents returns the total events accepted into the pipeline.
func (s *AuditService) RecordedEvents() int64 {
	return s.recordCount.Load()
}

// DroppedEvents returns the total events shed under saturation.
func (s *AuditService) DroppedEvents() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns current channel usage.
func (s *AuditService) ChannelDepth() int {
	return len(s.eventChan)
}

// ChannelCapacity returns the channel buffer size.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker to stop and waits for it to finish.
// Pending events are flushed before returning. Record must not be
// called after Stop.
func (s *AuditService) Stop() {
	close(s.eventChan)
	s.wg.Wait()
}

// worker is the background goroutine that collects and flushes events.
func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case event, ok := <-s.eventChan:
			if !ok {
				// Channel closed - final flush with a bounded deadline
				if len(batch) > 0 {
					flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
					s.flush(flushCtx, batch)
					flushCancel()
				}
				return
			}
			batch = append(batch, event)

			shouldFlush := len(batch) >= s.batchSize

			// Flush early when the channel is under pressure.
			if !shouldFlush && s.adaptiveFlushThreshold > 0 && len(batch) > 0 {
				depth := len(s.eventChan)
				depthPercent := depth * 100 / s.channelSize
				if depthPercent >= s.adaptiveFlushThreshold {
					shouldFlush = true
				}
			}

			if shouldFlush {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			if s.adaptiveFlushThreshold > 0 {
				depth := len(s.eventChan)
				depthPercent := depth * 100 / s.channelSize

				if depthPercent >= s.adaptiveFlushThreshold && !fastMode {
					ticker.Reset(s.flushInterval / 4)
					fastMode = true
					s.logger.Debug("audit adaptive flush: entering fast mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval/4,
					)
				} else if depthPercent < s.adaptiveFlushThreshold && fastMode {
					ticker.Reset(s.flushInterval)
					fastMode = false
					s.logger.Debug("audit adaptive flush: returning to normal mode",
						"depth_percent", depthPercent,
						"interval", s.flushInterval,
					)
				}
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever landed in the channel and flush with a
			// bounded deadline.
			for event := range s.eventChan {
				batch = append(batch, event)
			}
			if len(batch) > 0 {
				flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				flushCancel()
			}
			return
		}
	}
}

// flush writes a batch of events to the store.
// Errors are logged, never propagated: auditing must not fail the data path.
func (s *AuditService) flush(ctx context.Context, batch []audit.Event) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}

// Compile-time interface verification.
var _ audit.Recorder = (*AuditService)(nil)
