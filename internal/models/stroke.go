package models

import (
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

// Point is a canvas coordinate.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one continuous pointer drag rendered as a polyline.
//
// Strokes are values: every operation below returns a new Stroke and never
// writes through the Points slice of its argument, so a stroke held by the
// render list can be shared with the outbound sync buffer safely.
type Stroke struct {
	ID        string  `json:"id"` // ULID
	Author    string  `json:"author"`
	Points    []Point `json:"points"`
	Committed bool    `json:"committed"`
	CreatedAt int64   `json:"ts"` // Unix ms, diagnostics only
}

// NewStrokeID returns a fresh ULID.
func NewStrokeID() string {
	return ulid.Make().String()
}

// BeginStroke starts an uncommitted stroke at p.
func BeginStroke(author string, p Point) Stroke {
	return Stroke{
		ID:        NewStrokeID(),
		Author:    author,
		Points:    []Point{p},
		CreatedAt: time.Now().UnixMilli(),
	}
}

// ExtendStroke returns a copy of s with p appended.
// Committed strokes are immutable and are returned unchanged.
func ExtendStroke(s Stroke, p Point) Stroke {
	if s.Committed {
		return s
	}
	points := make([]Point, len(s.Points), len(s.Points)+1)
	copy(points, s.Points)
	s.Points = append(points, p)
	return s
}

// Commit finalizes s. Committing an already committed stroke is a no-op.
func Commit(s Stroke) Stroke {
	if s.Committed {
		return s
	}
	s.Points = clonePoints(s.Points)
	s.Committed = true
	return s
}

// Clone returns a deep copy of s.
func (s Stroke) Clone() Stroke {
	s.Points = clonePoints(s.Points)
	return s
}

func clonePoints(points []Point) []Point {
	if points == nil {
		return nil
	}
	out := make([]Point, len(points))
	copy(out, points)
	return out
}

// SortStrokes orders strokes by creation time, then ID.
func SortStrokes(strokes []Stroke) {
	sort.Slice(strokes, func(i, j int) bool {
		if strokes[i].CreatedAt != strokes[j].CreatedAt {
			return strokes[i].CreatedAt < strokes[j].CreatedAt
		}
		return strokes[i].ID < strokes[j].ID
	})
}
