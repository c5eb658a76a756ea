package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"streamperf/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubStats struct {
	mu        sync.Mutex
	stats     domain.MemoryStats
	collected int
}

func (s *stubStats) ReadMemoryStats() (domain.MemoryStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, true
}

func (s *stubStats) ForceCollect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collected++
}

func (s *stubStats) set(used, limit uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = domain.MemoryStats{HeapUsed: used, HeapTotal: used, HeapLimit: limit}
}

type stubReleaser struct {
	mu       sync.Mutex
	released map[domain.ResourceKind][]string
}

func (r *stubReleaser) Release(kind domain.ResourceKind, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released == nil {
		r.released = make(map[domain.ResourceKind][]string)
	}
	r.released[kind] = append(r.released[kind], id)
	return nil
}

func (r *stubReleaser) of(kind domain.ResourceKind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.released[kind]...)
}

type stubInspector map[string]bool

func (i stubInspector) IsDetached(id string) bool { return i[id] }

type stubLifecycle struct {
	mu       sync.Mutex
	handlers []func(string)
}

func (l *stubLifecycle) Subscribe(fn func(string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, fn)
	idx := len(l.handlers) - 1
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.handlers[idx] = nil
	}
}

func (l *stubLifecycle) emit(signal string) {
	l.mu.Lock()
	handlers := append(([]func(string))(nil), l.handlers...)
	l.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h(signal)
		}
	}
}

type resourceFixture struct {
	svc      *ResourceLifecycleService
	events   *eventRecorder
	clock    *fakeClock
	stats    *stubStats
	releaser *stubReleaser
}

func newTestResourceService(t *testing.T, inspector stubInspector) resourceFixture {
	t.Helper()
	f := resourceFixture{
		events:   &eventRecorder{},
		clock:    newFakeClock(),
		stats:    &stubStats{},
		releaser: &stubReleaser{},
	}
	hooks := ResourceHooks{Stats: f.stats, Releaser: f.releaser}
	if inspector != nil {
		hooks.Inspector = inspector
	}
	f.svc = NewResourceLifecycleService(DefaultResourceConfig(), hooks, f.events, zaptest.NewLogger(t).Sugar())
	f.svc.now = f.clock.Now
	return f
}

func blob(i int) domain.BlobURLEntry {
	return domain.BlobURLEntry{
		URL:    fmt.Sprintf("blob:https://player.example.com/%d", i),
		Size:   1024,
		Type:   "video/mp2t",
		Source: "segment",
	}
}

func TestResourceLifecycleService_BlobRegistryBounded(t *testing.T) {
	f := newTestResourceService(t, nil)

	for i := 0; i < 51; i++ {
		require.NoError(t, f.svc.RegisterBlobURL(blob(i)))
		f.clock.Advance(time.Second)
	}

	assert.Equal(t, 50, f.svc.BlobURLCount())
	assert.Equal(t, []string{blob(0).URL}, f.releaser.of(domain.ResourceBlobURL))
	assert.GreaterOrEqual(t, f.svc.Metrics().CleanupCount, 1)

	_, ok := f.svc.BlobURL(blob(0).URL)
	assert.False(t, ok, "least recently used entry should be evicted")
}

func TestResourceLifecycleService_BlobWarningEdgeTriggered(t *testing.T) {
	f := newTestResourceService(t, nil)

	for i := 0; i < 45; i++ {
		require.NoError(t, f.svc.RegisterBlobURL(blob(i)))
	}
	assert.Equal(t, 1, f.events.count(domain.EventMemoryWarning))

	for i := 0; i < 10; i++ {
		f.svc.UnregisterBlobURL(blob(i).URL)
	}
	for i := 100; i < 110; i++ {
		require.NoError(t, f.svc.RegisterBlobURL(blob(i)))
	}
	assert.Equal(t, 2, f.events.count(domain.EventMemoryWarning))

	alert := f.events.ofType(domain.EventMemoryWarning)[0].Payload.(domain.MemoryAlert)
	assert.Equal(t, 41, alert.Metrics.TotalBlobURLs)
}

func TestResourceLifecycleService_TouchKeepsEntryAlive(t *testing.T) {
	f := newTestResourceService(t, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.RegisterBlobURL(blob(i)))
	}
	f.clock.Advance(4 * time.Minute)
	assert.True(t, f.svc.TouchBlobURL(blob(1).URL))
	assert.False(t, f.svc.TouchBlobURL("blob:unknown"))
	f.clock.Advance(time.Minute)

	report := f.svc.ScheduledCleanup()

	assert.Equal(t, 2, report.BlobURLs)
	assert.Equal(t, 1, f.svc.BlobURLCount())
	_, ok := f.svc.BlobURL(blob(1).URL)
	assert.True(t, ok)
}

func TestResourceLifecycleService_ReRegisterKeepsCreated(t *testing.T) {
	f := newTestResourceService(t, nil)

	require.NoError(t, f.svc.RegisterBlobURL(blob(1)))
	created := f.clock.Now()
	f.clock.Advance(time.Minute)

	updated := blob(1)
	updated.Size = 4096
	require.NoError(t, f.svc.RegisterBlobURL(updated))

	entry, ok := f.svc.BlobURL(updated.URL)
	require.True(t, ok)
	assert.Equal(t, created, entry.Created)
	assert.Equal(t, int64(4096), entry.Size)
	assert.Equal(t, 1, f.svc.BlobURLCount())
}

func TestResourceLifecycleService_RegisterRejectsEmptyURL(t *testing.T) {
	f := newTestResourceService(t, nil)
	assert.Error(t, f.svc.RegisterBlobURL(domain.BlobURLEntry{}))
}

func TestResourceLifecycleService_SubtitleTTL(t *testing.T) {
	f := newTestResourceService(t, nil)

	f.svc.SetSubtitleCache("en", []byte("WEBVTT"))
	f.clock.Advance(9 * time.Minute)
	f.svc.SetSubtitleCache("fr", []byte("WEBVTT"))

	// reads do not extend the TTL
	_, ok := f.svc.SubtitleCache("en")
	require.True(t, ok)
	f.clock.Advance(time.Minute)

	report := f.svc.ScheduledCleanup()
	assert.Equal(t, 1, report.SubtitleCaches)

	_, ok = f.svc.SubtitleCache("en")
	assert.False(t, ok)
	data, ok := f.svc.SubtitleCache("fr")
	assert.True(t, ok)
	assert.Equal(t, []byte("WEBVTT"), data)
}

func TestResourceLifecycleService_DetachedListenersPurged(t *testing.T) {
	f := newTestResourceService(t, stubInspector{"video-2": true})

	f.svc.RegisterEventListeners("video-1", []domain.ListenerRecord{{Event: "timeupdate", Handler: "h1"}})
	f.svc.RegisterEventListeners("video-2", []domain.ListenerRecord{
		{Event: "waiting", Handler: "h2"},
		{Event: "playing", Handler: "h3"},
	})
	require.Equal(t, 3, f.svc.Metrics().TotalEventListeners)

	report := f.svc.ScheduledCleanup()

	assert.Equal(t, 1, report.Listeners)
	assert.Equal(t, 1, f.svc.Metrics().TotalEventListeners)
	assert.Equal(t, []string{"video-2"}, f.releaser.of(domain.ResourceListener))
}

func TestResourceLifecycleService_ListenerCeilingWarns(t *testing.T) {
	f := newTestResourceService(t, nil)

	listeners := make([]domain.ListenerRecord, 501)
	for i := range listeners {
		listeners[i] = domain.ListenerRecord{Event: "progress", Handler: fmt.Sprintf("h%d", i)}
	}
	f.svc.RegisterEventListeners("video-1", listeners)
	f.svc.RegisterEventListeners("video-1", listeners[:1])

	assert.Equal(t, 1, f.events.count(domain.EventMemoryWarning))
	assert.Equal(t, 502, f.svc.UnregisterEventListeners("video-1"))
}

func TestClassifyPressure(t *testing.T) {
	th := DefaultPressureThresholds()

	tests := []struct {
		name  string
		stats domain.MemoryStats
		want  domain.MemoryPressure
	}{
		{"low", domain.MemoryStats{HeapUsed: 10 * megabyte, HeapLimit: 1000 * megabyte}, domain.PressureLow},
		{"ratio medium", domain.MemoryStats{HeapUsed: 50, HeapLimit: 100}, domain.PressureMedium},
		{"ratio high", domain.MemoryStats{HeapUsed: 75, HeapLimit: 100}, domain.PressureHigh},
		{"ratio critical", domain.MemoryStats{HeapUsed: 95, HeapLimit: 100}, domain.PressureCritical},
		{"absolute medium", domain.MemoryStats{HeapUsed: 150 * megabyte}, domain.PressureMedium},
		{"absolute high wins over low ratio", domain.MemoryStats{HeapUsed: 250 * megabyte, HeapLimit: 4096 * megabyte}, domain.PressureHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyPressure(th, tt.stats))
		})
	}
}

func TestResourceLifecycleService_PressureTransitions(t *testing.T) {
	f := newTestResourceService(t, nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, f.svc.RegisterBlobURL(blob(i)))
	}
	f.svc.SetSubtitleCache("en", []byte("WEBVTT"))

	f.stats.set(100, 1000)
	f.svc.Refresh()
	assert.Equal(t, domain.PressureLow, f.svc.Metrics().MemoryPressure)
	assert.Equal(t, 0, f.events.count(domain.EventMemoryWarning))

	f.stats.set(600, 1000)
	f.svc.Refresh()
	assert.Equal(t, 1, f.events.count(domain.EventMemoryWarning))
	assert.Equal(t, 5, f.svc.BlobURLCount(), "medium pressure only warns")

	f.stats.set(950, 1000)
	f.svc.Refresh()
	require.Equal(t, 1, f.events.count(domain.EventMemoryPressure))

	alert := f.events.ofType(domain.EventMemoryPressure)[0].Payload.(domain.MemoryAlert)
	assert.Equal(t, domain.PressureCritical, alert.Pressure)
	require.NotNil(t, alert.Cleanup)
	assert.Equal(t, 5, alert.Cleanup.BlobURLs)
	assert.Equal(t, 1, alert.Cleanup.SubtitleCaches)
	assert.True(t, alert.Cleanup.ForcedGC)
	assert.Equal(t, 1, f.stats.collected)
	assert.Equal(t, 0, f.svc.BlobURLCount())

	// staying critical does not repeat the cleanup
	f.svc.Refresh()
	assert.Equal(t, 1, f.events.count(domain.EventMemoryPressure))

	f.stats.set(100, 1000)
	f.svc.Refresh()
	assert.Equal(t, domain.PressureLow, f.svc.Metrics().MemoryPressure)
	assert.Equal(t, 1, f.events.count(domain.EventMemoryPressure))
}

func TestResourceLifecycleService_RefreshSchedulesCleanup(t *testing.T) {
	f := newTestResourceService(t, nil)
	f.stats.set(10, 1000)

	f.svc.Refresh()
	first := f.svc.Metrics().CleanupCount

	f.clock.Advance(10 * time.Second)
	f.svc.Refresh()
	assert.Equal(t, first, f.svc.Metrics().CleanupCount)

	f.clock.Advance(20 * time.Second)
	f.svc.Refresh()
	assert.Equal(t, first+1, f.svc.Metrics().CleanupCount)
}

func TestResourceLifecycleService_AggressivePurgesDetachedVideo(t *testing.T) {
	f := newTestResourceService(t, stubInspector{"video-old": true})

	f.svc.RegisterVideoElement("video-old")
	f.svc.RegisterVideoElement("video-live")
	f.svc.RegisterHLSInstance("hls-1")

	report := f.svc.AggressiveCleanup("test")

	assert.Equal(t, 1, report.VideoElements)
	assert.Equal(t, 0, report.HLSInstances)
	m := f.svc.Metrics()
	assert.Equal(t, 1, m.VideoElements)
	assert.Equal(t, 1, m.HLSInstances)
	assert.Equal(t, []string{"video-old"}, f.releaser.of(domain.ResourceVideoElement))
}

func TestResourceLifecycleService_LifecycleSignals(t *testing.T) {
	f := newTestResourceService(t, nil)
	lifecycle := &stubLifecycle{}
	f.svc.Watch(lifecycle)

	require.NoError(t, f.svc.RegisterBlobURL(blob(1)))
	f.clock.Advance(6 * time.Minute)
	require.NoError(t, f.svc.RegisterBlobURL(blob(2)))

	lifecycle.emit("hidden")
	assert.Equal(t, 1, f.svc.BlobURLCount())

	lifecycle.emit("low-memory")
	assert.Equal(t, 0, f.svc.BlobURLCount())
	assert.Equal(t, 1, f.stats.collected)
	assert.Equal(t, 1, f.events.count(domain.EventMemoryWarning))

	lifecycle.emit("unknown")
}

func TestResourceLifecycleService_Destroy(t *testing.T) {
	f := newTestResourceService(t, nil)
	lifecycle := &stubLifecycle{}
	f.svc.Watch(lifecycle)

	require.NoError(t, f.svc.RegisterBlobURL(blob(1)))
	f.svc.RegisterEventListeners("video-1", []domain.ListenerRecord{{Event: "ended"}})
	f.svc.RegisterVideoElement("video-1")
	f.svc.RegisterHLSInstance("hls-1")
	f.svc.SetSubtitleCache("en", []byte("WEBVTT"))

	report := f.svc.Destroy()
	assert.Equal(t, 5, report.Total())

	m := f.svc.Metrics()
	assert.Zero(t, m.TotalBlobURLs)
	assert.Zero(t, m.TotalEventListeners)
	assert.Zero(t, m.VideoElements)
	assert.Zero(t, m.HLSInstances)
	assert.Zero(t, m.SubtitleCaches)
	assert.Len(t, f.releaser.of(domain.ResourceHLSInstance), 1)

	// idempotent, and later writes are ignored
	again := f.svc.Destroy()
	assert.Zero(t, again.Total())
	require.NoError(t, f.svc.RegisterBlobURL(blob(2)))
	f.svc.RegisterVideoElement("video-2")
	assert.Zero(t, f.svc.BlobURLCount())
	assert.Zero(t, f.svc.Metrics().VideoElements)

	lifecycle.emit("low-memory")
	assert.Zero(t, f.stats.collected)
}
