package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"modelrouter/internal/core"
)

// qpsWindow is the sliding window GetQPS averages over, in seconds.
const qpsWindow = 60

// AtomicRequestStats thread-safe request statistics
type AtomicRequestStats struct {
	TotalRequests      atomic.Int64
	SuccessfulRequests atomic.Int64
	FailedRequests     atomic.Int64
	TotalResponseTime  atomic.Int64
	ProviderAttempts   atomic.Int64
	FailedAttempts     atomic.Int64
	CacheHits          atomic.Int64
	CacheMisses        atomic.Int64
}

// MetricsConfig configuration for MetricsService
type MetricsConfig struct {
	SaveInterval time.Duration
	HistorySize  int
	Storage      core.StorageInterface
	Logger       core.Logger
	// Prometheus is optional; when set every event is mirrored to it.
	Prometheus *PrometheusCollector
}

// MetricsService collects routing metrics and persists a rolling request history.
// It implements core.MetricsCollector.
type MetricsService struct {
	atomicStats AtomicRequestStats

	mu              sync.RWMutex
	history         *historyRing
	lastRequestTime time.Time
	qps             secondBuckets

	storage  core.StorageInterface
	logger   core.Logger
	prom     *PrometheusCollector
	interval time.Duration

	saveSignal chan struct{}
	done       chan struct{}
	saverDone  chan struct{}
	closeOnce  sync.Once
	closeErr   error
}

var _ core.MetricsCollector = (*MetricsService)(nil)

// NewMetricsService creates a MetricsService and starts its background saver.
func NewMetricsService(config MetricsConfig) *MetricsService {
	if config.HistorySize <= 0 {
		config.HistorySize = core.HistoryBufferSize
	}
	if config.Logger == nil {
		config.Logger = &core.NopLogger{}
	}

	ms := &MetricsService{
		history:    newHistoryRing(config.HistorySize),
		storage:    config.Storage,
		logger:     config.Logger,
		prom:       config.Prometheus,
		interval:   config.SaveInterval,
		saveSignal: make(chan struct{}, 1),
		done:       make(chan struct{}),
		saverDone:  make(chan struct{}),
	}
	go ms.saveLoop()
	return ms
}

// saveLoop persists at most once per interval after a change was signalled.
func (ms *MetricsService) saveLoop() {
	defer close(ms.saverDone)
	var last time.Time
	for {
		select {
		case <-ms.saveSignal:
			if wait := ms.interval - time.Since(last); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ms.done:
					return
				}
			}
			ms.save()
			last = time.Now()
		case <-ms.done:
			return
		}
	}
}

func (ms *MetricsService) save() {
	if ms.storage == nil {
		return
	}
	stats := ms.GetRequestStats()
	if err := ms.storage.SaveStats(&stats); err != nil {
		ms.logger.Warn("Failed to save stats: %v", err)
	}
}

// requestSave asks the saver to persist soon; repeated calls coalesce.
func (ms *MetricsService) requestSave() {
	select {
	case ms.saveSignal <- struct{}{}:
	default:
	}
}

// RecordRequest records one routed request
func (ms *MetricsService) RecordRequest(success bool, responseTime int64, model, category string) {
	now := time.Now()
	ms.atomicStats.TotalRequests.Add(1)
	ms.atomicStats.TotalResponseTime.Add(responseTime)
	if success {
		ms.atomicStats.SuccessfulRequests.Add(1)
	} else {
		ms.atomicStats.FailedRequests.Add(1)
	}

	ms.mu.Lock()
	ms.lastRequestTime = now
	ms.qps.add(now)
	ms.history.push(core.RequestRecord{
		Timestamp:    now,
		Success:      success,
		ResponseTime: responseTime,
		Model:        model,
		Category:     category,
	})
	ms.mu.Unlock()

	ms.requestSave()
}

// RecordRoute records the outcome of one routing call
func (ms *MetricsService) RecordRoute(category, model string, duration time.Duration, err error) {
	ms.RecordRequest(err == nil, duration.Milliseconds(), model, category)
	if ms.prom != nil {
		ms.prom.ObserveRoute(category, duration, err)
	}
}

// RecordAttempt records one provider call
func (ms *MetricsService) RecordAttempt(provider, model string, duration time.Duration, err error) {
	ms.atomicStats.ProviderAttempts.Add(1)
	if err != nil {
		ms.atomicStats.FailedAttempts.Add(1)
	}
	if ms.prom != nil {
		ms.prom.ObserveAttempt(provider, model, duration, err)
	}
}

// RecordCacheHit records cache hit
func (ms *MetricsService) RecordCacheHit() {
	ms.atomicStats.CacheHits.Add(1)
	if ms.prom != nil {
		ms.prom.cacheHits.Inc()
	}
}

// RecordCacheMiss records cache miss
func (ms *MetricsService) RecordCacheMiss() {
	ms.atomicStats.CacheMisses.Add(1)
	if ms.prom != nil {
		ms.prom.cacheMisses.Inc()
	}
}

// AttemptCounts returns total and failed provider attempts.
func (ms *MetricsService) AttemptCounts() (total, failed int64) {
	return ms.atomicStats.ProviderAttempts.Load(), ms.atomicStats.FailedAttempts.Load()
}

// CacheCounts returns cache hits and misses.
func (ms *MetricsService) CacheCounts() (hits, misses int64) {
	return ms.atomicStats.CacheHits.Load(), ms.atomicStats.CacheMisses.Load()
}

// GetQPS returns the average requests per second over the last minute.
func (ms *MetricsService) GetQPS() float64 {
	ms.mu.RLock()
	n := ms.qps.sum(time.Now())
	ms.mu.RUnlock()
	return math.Round(float64(n)/qpsWindow*1000) / 1000
}

// GetRequestStats returns current stats snapshot
func (ms *MetricsService) GetRequestStats() core.RequestStats {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	return core.RequestStats{
		TotalRequests:      ms.atomicStats.TotalRequests.Load(),
		SuccessfulRequests: ms.atomicStats.SuccessfulRequests.Load(),
		FailedRequests:     ms.atomicStats.FailedRequests.Load(),
		TotalResponseTime:  ms.atomicStats.TotalResponseTime.Load(),
		LastRequestTime:    ms.lastRequestTime,
		RequestHistory:     ms.history.snapshot(),
	}
}

// GetPeriodStats computes period statistics for multiple hour windows in a single pass.
func GetPeriodStats(history []core.RequestRecord, hourPeriods ...int) map[int]core.PeriodStats {
	if len(hourPeriods) == 0 {
		return nil
	}

	type acc struct {
		cutoff                      time.Time
		requests, ok, responseTotal int64
	}
	now := time.Now()
	accs := make([]acc, len(hourPeriods))
	for i, hours := range hourPeriods {
		accs[i].cutoff = now.Add(-time.Duration(hours) * time.Hour)
	}

	for _, record := range history {
		for i := range accs {
			if !record.Timestamp.After(accs[i].cutoff) {
				continue
			}
			accs[i].requests++
			accs[i].responseTotal += record.ResponseTime
			if record.Success {
				accs[i].ok++
			}
		}
	}

	result := make(map[int]core.PeriodStats, len(hourPeriods))
	for i, hours := range hourPeriods {
		a := accs[i]
		stats := core.PeriodStats{
			Requests: a.requests,
			QPS:      float64(a.requests) / (float64(hours) * 3600.0),
		}
		if a.requests > 0 {
			stats.SuccessRate = float64(a.ok) / float64(a.requests) * 100
			stats.AvgResponseTime = a.responseTotal / a.requests
		}
		result[hours] = stats
	}
	return result
}

// ModelUsage counts requests per model in history, failures included.
func ModelUsage(history []core.RequestRecord) map[string]int64 {
	usage := make(map[string]int64)
	for _, record := range history {
		if record.Model != "" {
			usage[record.Model]++
		}
	}
	return usage
}

// LoadStats restores counters and the newest history records from storage.
func (ms *MetricsService) LoadStats() error {
	if ms.storage == nil {
		return nil
	}
	stats, err := ms.storage.LoadStats()
	if err != nil {
		return err
	}

	ms.atomicStats.TotalRequests.Store(stats.TotalRequests)
	ms.atomicStats.SuccessfulRequests.Store(stats.SuccessfulRequests)
	ms.atomicStats.FailedRequests.Store(stats.FailedRequests)
	ms.atomicStats.TotalResponseTime.Store(stats.TotalResponseTime)

	ms.mu.Lock()
	ms.lastRequestTime = stats.LastRequestTime
	ms.history.reset()
	for _, record := range stats.RequestHistory {
		ms.history.push(record)
	}
	ms.mu.Unlock()

	return nil
}

// Close stops the saver and persists final stats. Later calls are no-ops.
func (ms *MetricsService) Close() error {
	ms.closeOnce.Do(func() {
		close(ms.done)
		<-ms.saverDone

		if ms.storage != nil {
			stats := ms.GetRequestStats()
			ms.closeErr = ms.storage.SaveStats(&stats)
		}
	})
	return ms.closeErr
}

// historyRing keeps the newest capacity records, oldest overwritten first.
type historyRing struct {
	records []core.RequestRecord
	start   int
	size    int
}

func newHistoryRing(capacity int) *historyRing {
	return &historyRing{records: make([]core.RequestRecord, capacity)}
}

func (r *historyRing) push(record core.RequestRecord) {
	capacity := len(r.records)
	if r.size < capacity {
		r.records[(r.start+r.size)%capacity] = record
		r.size++
		return
	}
	r.records[r.start] = record
	r.start = (r.start + 1) % capacity
}

func (r *historyRing) snapshot() []core.RequestRecord {
	out := make([]core.RequestRecord, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.records[(r.start+i)%len(r.records)]
	}
	return out
}

func (r *historyRing) reset() {
	r.start, r.size = 0, 0
}

func (r *historyRing) capacity() int {
	return len(r.records)
}

// secondBuckets counts events per wall-clock second over the qps window.
type secondBuckets struct {
	counts [qpsWindow]int64
	stamps [qpsWindow]int64
}

func (b *secondBuckets) add(now time.Time) {
	sec := now.Unix()
	i := sec % qpsWindow
	if b.stamps[i] != sec {
		b.stamps[i] = sec
		b.counts[i] = 0
	}
	b.counts[i]++
}

func (b *secondBuckets) sum(now time.Time) int64 {
	cutoff := now.Unix() - qpsWindow
	var total int64
	for i := range b.counts {
		if b.stamps[i] > cutoff {
			total += b.counts[i]
		}
	}
	return total
}
