package services

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"streamperf/internal/core/domain"
	"streamperf/internal/core/ports"
	apperrors "streamperf/pkg/errors"

	"go.uber.org/zap"
)

// ResourceConfig bounds the resource registries and cleanup cadence
type ResourceConfig struct {
	MaxBlobURLs       int
	BlobURLMaxIdle    time.Duration
	SubtitleCacheTTL  time.Duration
	CleanupInterval   time.Duration
	MaxEventListeners int
	// WarningRatio of MaxBlobURLs above which memoryWarning is published
	WarningRatio float64
	Pressure     PressureThresholds
}

// DefaultResourceConfig returns default registry limits
func DefaultResourceConfig() ResourceConfig {
	return ResourceConfig{
		MaxBlobURLs:       50,
		BlobURLMaxIdle:    5 * time.Minute,
		SubtitleCacheTTL:  10 * time.Minute,
		CleanupInterval:   30 * time.Second,
		MaxEventListeners: 500,
		WarningRatio:      0.8,
		Pressure:          DefaultPressureThresholds(),
	}
}

// ResourceHooks are the host-side collaborators; any of them may be nil
type ResourceHooks struct {
	Stats     ports.MemoryStatsSource
	Releaser  ports.ResourceReleaser
	Inspector ports.ElementInspector
}

type releaseItem struct {
	kind domain.ResourceKind
	id   string
}

// ResourceLifecycleService tracks transient player resources and releases
// them on schedule, under memory pressure, or on destroy
type ResourceLifecycleService struct {
	mu            sync.RWMutex
	config        ResourceConfig
	blobURLs      map[string]domain.BlobURLEntry
	listeners     map[string][]domain.ListenerRecord
	videoElements map[string]time.Time
	hlsInstances  map[string]time.Time
	subtitles     map[string]domain.SubtitleCacheEntry

	memStats       domain.MemoryStats
	pressure       domain.MemoryPressure
	lastCleanup    time.Time
	lastScheduled  time.Time
	cleanupCount   int
	blobWarned     bool
	listenerWarned bool
	destroyed      bool
	unwatch        func()

	hooks  ResourceHooks
	events ports.EventEmitter
	now    func() time.Time
	logger *zap.SugaredLogger
}

func NewResourceLifecycleService(
	config ResourceConfig,
	hooks ResourceHooks,
	events ports.EventEmitter,
	logger *zap.SugaredLogger,
) *ResourceLifecycleService {
	if config.MaxBlobURLs < 1 {
		config.MaxBlobURLs = 50
	}
	return &ResourceLifecycleService{
		config:        config,
		blobURLs:      make(map[string]domain.BlobURLEntry),
		listeners:     make(map[string][]domain.ListenerRecord),
		videoElements: make(map[string]time.Time),
		hlsInstances:  make(map[string]time.Time),
		subtitles:     make(map[string]domain.SubtitleCacheEntry),
		pressure:      domain.PressureLow,
		hooks:         hooks,
		events:        events,
		now:           time.Now,
		logger:        logger,
	}
}

// RegisterBlobURL tracks an object URL. Re-registering an existing URL
// refreshes its metadata and access time. Exceeding MaxBlobURLs triggers
// CleanupOldBlobURLs.
func (s *ResourceLifecycleService) RegisterBlobURL(entry domain.BlobURLEntry) error {
	if entry.URL == "" {
		return apperrors.NewInvalidInputError("blob URL is required")
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}

	now := s.now()
	if existing, ok := s.blobURLs[entry.URL]; ok {
		entry.Created = existing.Created
	} else if entry.Created.IsZero() {
		entry.Created = now
	}
	entry.LastAccessed = now
	s.blobURLs[entry.URL] = entry

	var released []releaseItem
	if len(s.blobURLs) > s.config.MaxBlobURLs {
		released = s.cleanupOldBlobURLsLocked(now)
	}
	warning := s.checkBlobWarningLocked()
	s.mu.Unlock()

	s.release(released)
	s.publishMemoryAlert(domain.EventMemoryWarning, warning)
	return nil
}

// TouchBlobURL marks a URL as recently used
func (s *ResourceLifecycleService) TouchBlobURL(url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.blobURLs[url]
	if !ok {
		return false
	}
	entry.LastAccessed = s.now()
	s.blobURLs[url] = entry
	return true
}

// UnregisterBlobURL revokes and forgets a URL
func (s *ResourceLifecycleService) UnregisterBlobURL(url string) bool {
	s.mu.Lock()
	_, ok := s.blobURLs[url]
	delete(s.blobURLs, url)
	warning := s.checkBlobWarningLocked()
	s.mu.Unlock()

	if ok {
		s.release([]releaseItem{{domain.ResourceBlobURL, url}})
	}
	s.publishMemoryAlert(domain.EventMemoryWarning, warning)
	return ok
}

// CleanupOldBlobURLs drops URLs idle longer than BlobURLMaxIdle, then
// evicts the least recently accessed until the registry fits MaxBlobURLs
func (s *ResourceLifecycleService) CleanupOldBlobURLs() int {
	s.mu.Lock()
	released := s.cleanupOldBlobURLsLocked(s.now())
	s.mu.Unlock()

	s.release(released)
	return len(released)
}

func (s *ResourceLifecycleService) cleanupOldBlobURLsLocked(now time.Time) []releaseItem {
	released := s.expireBlobURLsLocked(now)

	if excess := len(s.blobURLs) - s.config.MaxBlobURLs; excess > 0 {
		entries := make([]domain.BlobURLEntry, 0, len(s.blobURLs))
		for _, e := range s.blobURLs {
			entries = append(entries, e)
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].LastAccessed.Equal(entries[j].LastAccessed) {
				return entries[i].LastAccessed.Before(entries[j].LastAccessed)
			}
			if !entries[i].Created.Equal(entries[j].Created) {
				return entries[i].Created.Before(entries[j].Created)
			}
			return entries[i].URL < entries[j].URL
		})
		for _, e := range entries[:excess] {
			delete(s.blobURLs, e.URL)
			released = append(released, releaseItem{domain.ResourceBlobURL, e.URL})
		}
	}

	s.lastCleanup = now
	s.cleanupCount++

	if len(released) > 0 {
		s.logger.Infow("blob URL cleanup",
			"released", len(released),
			"remaining", len(s.blobURLs),
		)
	}
	return released
}

func (s *ResourceLifecycleService) expireBlobURLsLocked(now time.Time) []releaseItem {
	var released []releaseItem
	for url, e := range s.blobURLs {
		if now.Sub(e.LastAccessed) >= s.config.BlobURLMaxIdle {
			delete(s.blobURLs, url)
			released = append(released, releaseItem{domain.ResourceBlobURL, url})
		}
	}
	return released
}

// checkBlobWarningLocked is edge-triggered: it reports once per crossing
func (s *ResourceLifecycleService) checkBlobWarningLocked() *domain.MemoryAlert {
	limit := float64(s.config.MaxBlobURLs) * s.config.WarningRatio
	count := len(s.blobURLs)

	if float64(count) <= limit {
		s.blobWarned = false
		return nil
	}
	if s.blobWarned {
		return nil
	}
	s.blobWarned = true

	warn := apperrors.NewResourceLeakWarning(string(domain.ResourceBlobURL), count)
	s.logger.Warnw("blob URL registry near limit", "count", count, "limit", s.config.MaxBlobURLs, "error", warn)
	return &domain.MemoryAlert{
		Pressure: s.pressure,
		Reason:   warn.Message,
		Metrics:  s.metricsLocked(),
	}
}

func (s *ResourceLifecycleService) checkListenerWarningLocked() *domain.MemoryAlert {
	if s.config.MaxEventListeners <= 0 {
		return nil
	}
	count := s.listenerCountLocked()
	if count <= s.config.MaxEventListeners {
		s.listenerWarned = false
		return nil
	}
	if s.listenerWarned {
		return nil
	}
	s.listenerWarned = true

	warn := apperrors.NewResourceLeakWarning(string(domain.ResourceListener), count)
	s.logger.Warnw("event listener count above ceiling", "count", count, "limit", s.config.MaxEventListeners, "error", warn)
	return &domain.MemoryAlert{
		Pressure: s.pressure,
		Reason:   warn.Message,
		Metrics:  s.metricsLocked(),
	}
}

// RegisterEventListeners records listeners attached to an element
func (s *ResourceLifecycleService) RegisterEventListeners(elementID string, listeners []domain.ListenerRecord) {
	if elementID == "" || len(listeners) == 0 {
		return
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	now := s.now()
	for _, l := range listeners {
		if l.Registered.IsZero() {
			l.Registered = now
		}
		s.listeners[elementID] = append(s.listeners[elementID], l)
	}
	warning := s.checkListenerWarningLocked()
	s.mu.Unlock()

	s.publishMemoryAlert(domain.EventMemoryWarning, warning)
}

// UnregisterEventListeners detaches every listener of an element
func (s *ResourceLifecycleService) UnregisterEventListeners(elementID string) int {
	s.mu.Lock()
	n := len(s.listeners[elementID])
	delete(s.listeners, elementID)
	s.checkListenerWarningLocked()
	s.mu.Unlock()

	if n > 0 {
		s.release([]releaseItem{{domain.ResourceListener, elementID}})
	}
	return n
}

func (s *ResourceLifecycleService) RegisterVideoElement(id string) {
	s.registerHandle(s.videoElements, id)
}

func (s *ResourceLifecycleService) UnregisterVideoElement(id string) bool {
	return s.unregisterHandle(s.videoElements, domain.ResourceVideoElement, id)
}

func (s *ResourceLifecycleService) RegisterHLSInstance(id string) {
	s.registerHandle(s.hlsInstances, id)
}

func (s *ResourceLifecycleService) UnregisterHLSInstance(id string) bool {
	return s.unregisterHandle(s.hlsInstances, domain.ResourceHLSInstance, id)
}

func (s *ResourceLifecycleService) registerHandle(set map[string]time.Time, id string) {
	if id == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	if _, ok := set[id]; !ok {
		set[id] = s.now()
	}
}

func (s *ResourceLifecycleService) unregisterHandle(set map[string]time.Time, kind domain.ResourceKind, id string) bool {
	s.mu.Lock()
	_, ok := set[id]
	delete(set, id)
	s.mu.Unlock()

	if ok {
		s.release([]releaseItem{{kind, id}})
	}
	return ok
}

// SetSubtitleCache stores parsed subtitle data for a language
func (s *ResourceLifecycleService) SetSubtitleCache(lang string, data []byte) {
	if lang == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed {
		return
	}
	now := s.now()
	s.subtitles[lang] = domain.SubtitleCacheEntry{
		Data:         data,
		Created:      now,
		Size:         int64(len(data)),
		LastAccessed: now,
	}
}

// SubtitleCache returns cached subtitle data and marks it accessed
func (s *ResourceLifecycleService) SubtitleCache(lang string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.subtitles[lang]
	if !ok {
		return nil, false
	}
	entry.LastAccessed = s.now()
	s.subtitles[lang] = entry
	return entry.Data, true
}

func (s *ResourceLifecycleService) ClearSubtitleCache(lang string) bool {
	s.mu.Lock()
	_, ok := s.subtitles[lang]
	delete(s.subtitles, lang)
	s.mu.Unlock()

	if ok {
		s.release([]releaseItem{{domain.ResourceSubtitleCache, lang}})
	}
	return ok
}

// Refresh reads heap usage, reacts to pressure changes and runs the
// scheduled cleanup once CleanupInterval has elapsed
func (s *ResourceLifecycleService) Refresh() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	previous := s.pressure
	if s.hooks.Stats != nil {
		if stats, ok := s.hooks.Stats.ReadMemoryStats(); ok {
			s.memStats = stats
			s.pressure = ClassifyPressure(s.config.Pressure, stats)
		}
	}
	current := s.pressure
	due := s.lastScheduled.IsZero() || s.now().Sub(s.lastScheduled) >= s.config.CleanupInterval
	s.mu.Unlock()

	s.handlePressureChange(previous, current)
	if due {
		s.ScheduledCleanup()
	}
}

func (s *ResourceLifecycleService) handlePressureChange(previous, current domain.MemoryPressure) {
	if current == previous {
		return
	}
	if current.Rank() < previous.Rank() {
		s.logger.Infow("memory pressure eased", "from", previous, "to", current)
		return
	}

	s.logger.Warnw("memory pressure rising", "from", previous, "to", current)

	if current == domain.PressureMedium {
		s.mu.RLock()
		alert := &domain.MemoryAlert{
			Pressure: current,
			Reason:   "heap usage elevated",
			Metrics:  s.metricsLocked(),
		}
		s.mu.RUnlock()
		s.publishMemoryAlert(domain.EventMemoryWarning, alert)
		return
	}

	report := s.AggressiveCleanup(fmt.Sprintf("memory pressure %s", current))
	s.mu.RLock()
	alert := &domain.MemoryAlert{
		Pressure: current,
		Reason:   "heap usage near limit",
		Metrics:  s.metricsLocked(),
		Cleanup:  &report,
	}
	s.mu.RUnlock()
	s.publishMemoryAlert(domain.EventMemoryPressure, alert)
}

// ScheduledCleanup releases idle blob URLs, expired subtitle caches and
// listeners of detached elements
func (s *ResourceLifecycleService) ScheduledCleanup() domain.CleanupReport {
	report := domain.CleanupReport{Reason: "scheduled"}

	s.mu.Lock()
	now := s.now()
	released := s.expireBlobURLsLocked(now)
	report.BlobURLs = len(released)

	for lang, entry := range s.subtitles {
		if now.Sub(entry.Created) >= s.config.SubtitleCacheTTL {
			delete(s.subtitles, lang)
			released = append(released, releaseItem{domain.ResourceSubtitleCache, lang})
			report.SubtitleCaches++
		}
	}

	detached := s.purgeDetachedLocked(false)
	report.Listeners = countKind(detached, domain.ResourceListener)
	released = append(released, detached...)

	s.lastScheduled = now
	s.lastCleanup = now
	s.cleanupCount++
	s.checkBlobWarningLocked()
	s.checkListenerWarningLocked()
	s.mu.Unlock()

	s.release(released)
	if report.Total() > 0 {
		s.logger.Debugw("scheduled cleanup", "report", report)
	}
	return report
}

// AggressiveCleanup revokes every blob URL, clears every cache, purges
// detached listeners and video elements, and requests a forced collection
// when the stats source supports one
func (s *ResourceLifecycleService) AggressiveCleanup(reason string) domain.CleanupReport {
	report := domain.CleanupReport{Reason: reason}

	s.mu.Lock()
	var released []releaseItem
	for url := range s.blobURLs {
		released = append(released, releaseItem{domain.ResourceBlobURL, url})
	}
	report.BlobURLs = len(s.blobURLs)
	s.blobURLs = make(map[string]domain.BlobURLEntry)

	for lang := range s.subtitles {
		released = append(released, releaseItem{domain.ResourceSubtitleCache, lang})
	}
	report.SubtitleCaches = len(s.subtitles)
	s.subtitles = make(map[string]domain.SubtitleCacheEntry)

	detached := s.purgeDetachedLocked(true)
	report.Listeners = countKind(detached, domain.ResourceListener)
	report.VideoElements = countKind(detached, domain.ResourceVideoElement)
	released = append(released, detached...)

	now := s.now()
	s.lastCleanup = now
	s.cleanupCount++
	s.blobWarned = false
	s.checkListenerWarningLocked()
	s.mu.Unlock()

	s.release(released)
	if collector, ok := s.hooks.Stats.(ports.ForcedCollector); ok && collector != nil {
		collector.ForceCollect()
		report.ForcedGC = true
	}

	s.logger.Warnw("aggressive cleanup", "reason", reason, "released", report.Total(), "forced_gc", report.ForcedGC)
	return report
}

// purgeDetachedLocked drops listeners (and optionally video elements) whose
// element left the document. Without an inspector nothing is detached.
func (s *ResourceLifecycleService) purgeDetachedLocked(videoElements bool) []releaseItem {
	if s.hooks.Inspector == nil {
		return nil
	}

	var released []releaseItem
	for elementID := range s.listeners {
		if s.hooks.Inspector.IsDetached(elementID) {
			delete(s.listeners, elementID)
			released = append(released, releaseItem{domain.ResourceListener, elementID})
		}
	}
	if videoElements {
		for id := range s.videoElements {
			if s.hooks.Inspector.IsDetached(id) {
				delete(s.videoElements, id)
				released = append(released, releaseItem{domain.ResourceVideoElement, id})
			}
		}
	}
	return released
}

func countKind(items []releaseItem, kind domain.ResourceKind) int {
	n := 0
	for _, it := range items {
		if it.kind == kind {
			n++
		}
	}
	return n
}

// Watch subscribes to lifecycle signals for opportunistic cleanup
func (s *ResourceLifecycleService) Watch(notifier ports.LifecycleNotifier) {
	if notifier == nil {
		return
	}
	unsubscribe := notifier.Subscribe(s.HandleLifecycleSignal)

	s.mu.Lock()
	previous := s.unwatch
	s.unwatch = unsubscribe
	s.mu.Unlock()

	if previous != nil {
		previous()
	}
}

// HandleLifecycleSignal reacts to "hidden" and "low-memory" signals
func (s *ResourceLifecycleService) HandleLifecycleSignal(signal string) {
	s.mu.RLock()
	destroyed := s.destroyed
	s.mu.RUnlock()
	if destroyed {
		return
	}

	switch signal {
	case "hidden":
		s.ScheduledCleanup()
	case "low-memory":
		report := s.AggressiveCleanup("low-memory signal")
		s.mu.RLock()
		alert := &domain.MemoryAlert{
			Pressure: s.pressure,
			Reason:   "low-memory signal",
			Metrics:  s.metricsLocked(),
			Cleanup:  &report,
		}
		s.mu.RUnlock()
		s.publishMemoryAlert(domain.EventMemoryWarning, alert)
	default:
		s.logger.Debugw("ignoring lifecycle signal", "signal", signal)
	}
}

// Destroy releases every tracked resource and stops lifecycle delivery.
// Later registrations are ignored.
func (s *ResourceLifecycleService) Destroy() domain.CleanupReport {
	report := domain.CleanupReport{Reason: "destroy"}

	s.mu.Lock()
	var released []releaseItem
	for url := range s.blobURLs {
		released = append(released, releaseItem{domain.ResourceBlobURL, url})
	}
	for id := range s.listeners {
		released = append(released, releaseItem{domain.ResourceListener, id})
	}
	for id := range s.videoElements {
		released = append(released, releaseItem{domain.ResourceVideoElement, id})
	}
	for id := range s.hlsInstances {
		released = append(released, releaseItem{domain.ResourceHLSInstance, id})
	}
	for lang := range s.subtitles {
		released = append(released, releaseItem{domain.ResourceSubtitleCache, lang})
	}

	report.BlobURLs = len(s.blobURLs)
	report.Listeners = len(s.listeners)
	report.VideoElements = len(s.videoElements)
	report.HLSInstances = len(s.hlsInstances)
	report.SubtitleCaches = len(s.subtitles)

	s.blobURLs = make(map[string]domain.BlobURLEntry)
	s.listeners = make(map[string][]domain.ListenerRecord)
	s.videoElements = make(map[string]time.Time)
	s.hlsInstances = make(map[string]time.Time)
	s.subtitles = make(map[string]domain.SubtitleCacheEntry)
	s.destroyed = true
	s.lastCleanup = s.now()
	s.cleanupCount++

	unwatch := s.unwatch
	s.unwatch = nil
	s.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	s.release(released)
	return report
}

func (s *ResourceLifecycleService) release(items []releaseItem) {
	if s.hooks.Releaser == nil {
		return
	}
	for _, it := range items {
		if err := s.hooks.Releaser.Release(it.kind, it.id); err != nil {
			s.logger.Debugw("resource release failed", "kind", it.kind, "id", it.id, "error", err)
		}
	}
}

func (s *ResourceLifecycleService) publishMemoryAlert(eventType domain.EventType, alert *domain.MemoryAlert) {
	if alert == nil || s.events == nil {
		return
	}
	s.events.Publish(domain.NewEvent(eventType, *alert, s.now()))
}

func (s *ResourceLifecycleService) listenerCountLocked() int {
	n := 0
	for _, l := range s.listeners {
		n += len(l)
	}
	return n
}

func (s *ResourceLifecycleService) metricsLocked() domain.MemoryMetrics {
	var blobSize int64
	for _, e := range s.blobURLs {
		blobSize += e.Size
	}
	return domain.MemoryMetrics{
		MemoryStats:         s.memStats,
		TotalBlobURLs:       len(s.blobURLs),
		TotalBlobSize:       blobSize,
		TotalEventListeners: s.listenerCountLocked(),
		VideoElements:       len(s.videoElements),
		HLSInstances:        len(s.hlsInstances),
		SubtitleCaches:      len(s.subtitles),
		MemoryPressure:      s.pressure,
		LastCleanup:         s.lastCleanup,
		CleanupCount:        s.cleanupCount,
	}
}

// Metrics returns a snapshot of memory and registry counters
func (s *ResourceLifecycleService) Metrics() domain.MemoryMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.metricsLocked()
}

// BlobURL returns a registered entry
func (s *ResourceLifecycleService) BlobURL(url string) (domain.BlobURLEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.blobURLs[url]
	return e, ok
}

// BlobURLCount returns the number of registered blob URLs
func (s *ResourceLifecycleService) BlobURLCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobURLs)
}
