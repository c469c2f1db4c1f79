package filter

import (
	"fmt"
	"hash/fnv"
	"math"

	"github.com/seclens/inferd/pkg/event"
)

// Config holds the per-detector confirmation and dedup settings
type Config struct {
	TemporalWindow   int     // K: trailing window in frames
	MinConfirmations int     // M: matches required within the window
	IoUThreshold     float64 // minimum IoU for two detections to match
	DedupWindow      int     // W: frames an emission suppresses duplicates
	GridSize         float64 // dedup grid cell size in pixels
	MinBoxArea       float64 // reject detections below this area
	DedupTextKey     string  // extras key replacing the label in dedup keys
}

// DefaultConfig returns confirmation settings that suppress single-frame
// false positives without delaying sustained detections by more than a
// couple of frames.
func DefaultConfig() Config {
	return Config{
		TemporalWindow:   5,
		MinConfirmations: 3,
		IoUThreshold:     0.4,
		DedupWindow:      30,
		GridSize:         20,
		MinBoxArea:       0,
	}
}

// temporalEntry is one remembered detection
type temporalEntry struct {
	frameIdx int64
	label    string
	bbox     event.BBox
	conf     float64
}

// dedupEntry is one remembered emission
type dedupEntry struct {
	frameIdx int64
	key      uint64
}

// Filter applies ROI masking, minimum size, temporal confirmation, and
// spatial deduplication to one detector's raw output. One instance per
// (camera worker, detector); not safe for concurrent use.
type Filter struct {
	cfg  Config
	mask *Mask

	temporal *ring[temporalEntry]
	dedup    *ring[dedupEntry]
}

// Per-frame detection counts above this would indicate a broken model,
// so the temporal buffer is sized for it rather than unbounded.
const maxPerFrame = 16

// New creates a filter. mask may be nil (no ROI).
func New(cfg Config, mask *Mask) *Filter {
	if cfg.TemporalWindow < 1 {
		cfg.TemporalWindow = 1
	}
	if cfg.MinConfirmations < 1 {
		cfg.MinConfirmations = 1
	}
	if cfg.DedupWindow < 1 {
		cfg.DedupWindow = 1
	}
	if cfg.GridSize <= 0 {
		cfg.GridSize = 20
	}

	return &Filter{
		cfg:      cfg,
		mask:     mask,
		temporal: newRing[temporalEntry](cfg.TemporalWindow * maxPerFrame),
		dedup:    newRing[dedupEntry](cfg.DedupWindow * maxPerFrame),
	}
}

// Apply runs the filter stages over one frame's raw detections and
// returns the detections to emit, tagged with their frame index and
// dedup key for debuggability.
func (f *Filter) Apply(raw []event.Detection, frameIdx int64) []event.Detection {
	// Slide both windows forward before considering this frame
	f.temporal.dropWhile(func(e temporalEntry) bool {
		return e.frameIdx <= frameIdx-int64(f.cfg.TemporalWindow)
	})
	f.dedup.dropWhile(func(e dedupEntry) bool {
		return e.frameIdx <= frameIdx-int64(f.cfg.DedupWindow)
	})

	var out []event.Detection
	for _, det := range raw {
		if det.BBox.Area() <= 0 {
			continue
		}
		if !f.mask.Admits(det.BBox) {
			continue
		}
		if f.cfg.MinBoxArea > 0 && det.BBox.Area() < f.cfg.MinBoxArea {
			continue
		}

		confirmed := f.confirm(det, frameIdx)

		// Track every surviving detection so late confirmations emit
		// as soon as the count is reached
		f.temporal.push(temporalEntry{
			frameIdx: frameIdx,
			label:    det.Label,
			bbox:     det.BBox,
			conf:     det.Conf,
		})

		if !confirmed {
			continue
		}

		key := f.dedupKey(det)
		if f.seen(key) {
			continue
		}
		f.dedup.push(dedupEntry{frameIdx: frameIdx, key: key})

		if det.Extras == nil {
			det.Extras = make(map[string]string, 2)
		}
		det.Extras["frame_idx"] = fmt.Sprintf("%d", frameIdx)
		det.Extras["dedup_key"] = fmt.Sprintf("%016x", key)

		out = append(out, det)
	}
	return out
}

// confirm checks the N-of-K gate: the current detection plus matching
// history entries must reach MinConfirmations.
func (f *Filter) confirm(det event.Detection, frameIdx int64) bool {
	matches := 1 // the current detection counts
	for i := 0; i < f.temporal.len(); i++ {
		e := f.temporal.at(i)
		if e.frameIdx <= frameIdx-int64(f.cfg.TemporalWindow) {
			continue
		}
		if e.label != det.Label {
			continue
		}
		if e.bbox.IoU(det.BBox) >= f.cfg.IoUThreshold {
			matches++
			if matches >= f.cfg.MinConfirmations {
				return true
			}
		}
	}
	return matches >= f.cfg.MinConfirmations
}

// dedupKey hashes the label (or recognised text) with the grid cell of
// the bbox center
func (f *Filter) dedupKey(det event.Detection) uint64 {
	cellX := int64(math.Floor(det.BBox.CenterX() / f.cfg.GridSize))
	cellY := int64(math.Floor(det.BBox.CenterY() / f.cfg.GridSize))

	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d,%d", det.ExtraOrLabel(f.cfg.DedupTextKey), cellX, cellY)
	return h.Sum64()
}

func (f *Filter) seen(key uint64) bool {
	for i := 0; i < f.dedup.len(); i++ {
		if f.dedup.at(i).key == key {
			return true
		}
	}
	return false
}
