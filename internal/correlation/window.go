package correlation

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/scrypster/anchorflow/pkg/types"
)

// WindowConfig configures the sliding window manager.
type WindowConfig struct {
	// Size is the span of each window.
	Size time.Duration `koanf:"size" validate:"gt=0"`
	// Overlap is the fraction of Size shared by adjacent windows, in (0,1).
	Overlap float64 `koanf:"overlap" validate:"gt=0,lt=1"`
	// RetirementGrace delays retirement past now - Size.
	RetirementGrace time.Duration `koanf:"retirement_grace" validate:"gte=0"`
	// MaxEventsPerWindow caps each window; the oldest events are dropped first.
	MaxEventsPerWindow int `koanf:"max_events_per_window" validate:"gte=1"`
}

// DefaultWindowConfig returns 10 day windows overlapping by 30%. A window
// opened for a new event reaches 7 days past it, so a week of daily
// recurrences is visible to the cyclical detector in one window.
func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		Size:               10 * 24 * time.Hour,
		Overlap:            0.3,
		RetirementGrace:    0,
		MaxEventsPerWindow: 10000,
	}
}

type window struct {
	id     int
	start  time.Time
	end    time.Time
	events []*types.Event // sorted by timestamp, then ID
}

func (w *window) contains(ts time.Time) bool {
	return !ts.Before(w.start) && ts.Before(w.end)
}

// insert places e in timestamp order. It reports false for a duplicate ID.
func (w *window) insert(e *types.Event) bool {
	i := sort.Search(len(w.events), func(i int) bool {
		o := w.events[i]
		if o.Timestamp.Equal(e.Timestamp) {
			return o.ID >= e.ID
		}
		return o.Timestamp.After(e.Timestamp)
	})
	if i < len(w.events) && w.events[i].ID == e.ID {
		return false
	}
	w.events = append(w.events, nil)
	copy(w.events[i+1:], w.events[i:])
	w.events[i] = e
	return true
}

func (w *window) snapshot(withEvents bool) types.SlidingWindow {
	sw := types.SlidingWindow{
		ID:         w.id,
		Start:      w.start,
		End:        w.end,
		EventCount: len(w.events),
	}
	if withEvents {
		sw.Events = append([]*types.Event(nil), w.events...)
	}
	return sw
}

// WindowStats summarises the window manager.
type WindowStats struct {
	ActiveWindows  int   `json:"active_windows"`
	BufferSize     int   `json:"buffer_size"`
	LateEvents     int64 `json:"late_events"`
	EvictedEvents  int64 `json:"evicted_events"`
	RetiredWindows int64 `json:"retired_windows"`
}

// WindowManager buffers events into overlapping time windows.
//
// Windows are kept ordered by start time and always cover one contiguous
// span; with a positive overlap adjacent windows satisfy
// w[i].End > w[i+1].Start. WindowManager is not safe for concurrent use; the
// engine serialises access under its own lock.
type WindowManager struct {
	cfg     WindowConfig
	logger  *zap.Logger
	windows []*window
	nextID  int
	latest  time.Time

	late    int64
	evicted int64
	retired int64
}

// NewWindowManager creates a window manager. Zero config fields take defaults.
func NewWindowManager(cfg WindowConfig, logger *zap.Logger) *WindowManager {
	def := DefaultWindowConfig()
	if cfg.Size <= 0 {
		cfg.Size = def.Size
	}
	if cfg.Overlap <= 0 || cfg.Overlap >= 1 {
		cfg.Overlap = def.Overlap
	}
	if cfg.MaxEventsPerWindow <= 0 {
		cfg.MaxEventsPerWindow = def.MaxEventsPerWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WindowManager{cfg: cfg, logger: logger, nextID: 1}
}

// Config returns the effective configuration.
func (m *WindowManager) Config() WindowConfig { return m.cfg }

func (m *WindowManager) overlap() time.Duration {
	return time.Duration(float64(m.cfg.Size) * m.cfg.Overlap)
}

// Add assigns e to every active window containing its timestamp, opening a
// new window when e is newer than all coverage. It returns the ids of the
// windows that received the event; an empty result means e was late (older
// than every active window) or a duplicate.
func (m *WindowManager) Add(e *types.Event) []int {
	ts := e.Timestamp
	var touched []int
	covered := false
	for _, w := range m.windows {
		if !w.contains(ts) {
			continue
		}
		covered = true
		if w.insert(e) {
			m.enforceCap(w)
			touched = append(touched, w.id)
		}
	}

	if !covered {
		if len(m.windows) > 0 && ts.Before(m.windows[0].start) {
			m.late++
			m.logger.Debug("dropping late event",
				zap.String("event_id", e.ID),
				zap.Time("timestamp", ts),
				zap.Time("oldest_window_start", m.windows[0].start))
			return nil
		}
		w := m.open(ts)
		w.insert(e)
		touched = append(touched, w.id)
	}

	if ts.After(m.latest) {
		m.latest = ts
	}
	m.retire()
	return touched
}

// open creates the window that will hold an event at ts, which lies at or
// after the end of every active window.
func (m *WindowManager) open(ts time.Time) *window {
	ov := m.overlap()
	start := ts.Add(-ov)

	if n := len(m.windows); n > 0 {
		newest := m.windows[n-1]
		if !start.Before(newest.end) {
			if ts.Before(newest.end.Add(m.cfg.Size - ov)) {
				// Keep adjacent windows overlapping.
				start = newest.end.Add(-ov)
			} else {
				m.retireBefore(start)
			}
		}
	}

	w := &window{id: m.nextID, start: start, end: start.Add(m.cfg.Size)}
	m.nextID++
	m.windows = append(m.windows, w)
	return w
}

func (m *WindowManager) enforceCap(w *window) {
	if over := len(w.events) - m.cfg.MaxEventsPerWindow; over > 0 {
		w.events = append([]*types.Event(nil), w.events[over:]...)
		m.evicted += int64(over)
	}
}

// retire removes windows that ended before now - Size - grace.
func (m *WindowManager) retire() {
	cutoff := m.latest.Add(-m.cfg.Size - m.cfg.RetirementGrace)
	keep := m.windows[:0]
	for _, w := range m.windows {
		if w.end.Before(cutoff) {
			m.retired++
			continue
		}
		keep = append(keep, w)
	}
	m.windows = keep
}

// retireBefore removes every window ending at or before t.
func (m *WindowManager) retireBefore(t time.Time) {
	keep := m.windows[:0]
	for _, w := range m.windows {
		if !w.end.After(t) {
			m.retired++
			continue
		}
		keep = append(keep, w)
	}
	m.windows = keep
}

// Snapshot returns copies of all active windows including their events.
func (m *WindowManager) Snapshot() []types.SlidingWindow {
	out := make([]types.SlidingWindow, len(m.windows))
	for i, w := range m.windows {
		out[i] = w.snapshot(true)
	}
	return out
}

// SnapshotIDs returns copies of the active windows with the given ids.
func (m *WindowManager) SnapshotIDs(ids []int) []types.SlidingWindow {
	want := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []types.SlidingWindow
	for _, w := range m.windows {
		if _, ok := want[w.id]; ok {
			out = append(out, w.snapshot(true))
		}
	}
	return out
}

// Describe returns the active windows without their events.
func (m *WindowManager) Describe() []types.SlidingWindow {
	out := make([]types.SlidingWindow, len(m.windows))
	for i, w := range m.windows {
		out[i] = w.snapshot(false)
	}
	return out
}

// Stats returns window counters.
func (m *WindowManager) Stats() WindowStats {
	s := WindowStats{
		ActiveWindows:  len(m.windows),
		LateEvents:     m.late,
		EvictedEvents:  m.evicted,
		RetiredWindows: m.retired,
	}
	for _, w := range m.windows {
		s.BufferSize += len(w.events)
	}
	return s
}

// Reset drops all windows and counters.
func (m *WindowManager) Reset() {
	m.windows = nil
	m.latest = time.Time{}
	m.nextID = 1
	m.late, m.evicted, m.retired = 0, 0, 0
}

// Latest returns the newest event timestamp seen.
func (m *WindowManager) Latest() time.Time { return m.latest }
