package event

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// Producer identifies this service in published envelopes
const Producer = "inferd/1.0"

// Event types produced by the detector chain
const (
	TypeWeapon = "weapon"
	TypeFire   = "fire"
	TypeSmoke  = "smoke"
	TypeALPR   = "alpr"
)

// BBox is an axis-aligned bounding box in absolute frame coordinates,
// x1 < x2 and y1 < y2.
type BBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Area returns the box area. Degenerate boxes have zero area.
func (b BBox) Area() float64 {
	w := b.X2 - b.X1
	h := b.Y2 - b.Y1
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// CenterX returns the horizontal center of the box
func (b BBox) CenterX() float64 { return (b.X1 + b.X2) / 2 }

// CenterY returns the vertical center of the box
func (b BBox) CenterY() float64 { return (b.Y1 + b.Y2) / 2 }

// IoU computes Intersection-over-Union of two boxes. Disjoint boxes
// yield 0; identical non-empty boxes yield 1.
func (b BBox) IoU(o BBox) float64 {
	ix1 := max(b.X1, o.X1)
	iy1 := max(b.Y1, o.Y1)
	ix2 := min(b.X2, o.X2)
	iy2 := min(b.Y2, o.Y2)

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Event is a confirmed detection ready for publication
type Event struct {
	CameraID string            `json:"camera_id"`
	Type     string            `json:"type"`
	Label    string            `json:"label"`
	Conf     float64           `json:"conf"`
	BBox     BBox              `json:"bbox"`
	TsMs     int64             `json:"ts_ms"`
	Extras   map[string]string `json:"extras,omitempty"`
}

// Envelope is the wire form sent to every sink
type Envelope struct {
	EventID  string `json:"event_id"`
	CameraID string `json:"camera_id"`
	Producer string `json:"producer"`
	Payload  Event  `json:"payload"`
}

// BucketMs collapses a millisecond timestamp to its 1-second bucket
// representative (integer division by 1000, re-multiplied).
func BucketMs(tsMs int64) int64 {
	return tsMs / 1000 * 1000
}

// ID derives the deterministic event id. Two emissions within the same
// second for the same (camera, type, label) produce identical ids, so
// downstream sinks can deduplicate by primary key.
func ID(cameraID, eventType, label string, tsMs int64) string {
	h := sha1.Sum([]byte(fmt.Sprintf("%s:%s:%s:%d", cameraID, eventType, label, BucketMs(tsMs))))
	return hex.EncodeToString(h[:])
}

// Wrap builds the envelope for one event
func Wrap(ev Event) Envelope {
	return Envelope{
		EventID:  ID(ev.CameraID, ev.Type, ev.Label, ev.TsMs),
		CameraID: ev.CameraID,
		Producer: Producer,
		Payload:  ev,
	}
}
