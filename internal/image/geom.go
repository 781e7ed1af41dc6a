package image

import (
	"fmt"
	"sort"
)

// Box is an integer pixel bounding box. W and H may be zero; such boxes have
// zero area and are invalid fit regions.
type Box struct {
	X0, Y0 int
	W, H   int
}

// Area returns the pixel count of the box.
func (b Box) Area() int {
	if b.W <= 0 || b.H <= 0 {
		return 0
	}
	return b.W * b.H
}

// X1 returns the exclusive right edge.
func (b Box) X1() int { return b.X0 + b.W }

// Y1 returns the exclusive bottom edge.
func (b Box) Y1() int { return b.Y0 + b.H }

// Center returns the box center in pixel coordinates.
func (b Box) Center() (float64, float64) {
	return float64(b.X0) + float64(b.W)/2, float64(b.Y0) + float64(b.H)/2
}

// Dilate grows the box by n pixels on every side.
func (b Box) Dilate(n int) Box {
	return Box{X0: b.X0 - n, Y0: b.Y0 - n, W: b.W + 2*n, H: b.H + 2*n}
}

// Intersect clips the box to o.
func (b Box) Intersect(o Box) Box {
	x0 := max(b.X0, o.X0)
	y0 := max(b.Y0, o.Y0)
	x1 := min(b.X1(), o.X1())
	y1 := min(b.Y1(), o.Y1())
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return Box{X0: x0, Y0: y0, W: x1 - x0, H: y1 - y0}
}

// Contains reports whether o lies entirely within b.
func (b Box) Contains(o Box) bool {
	return o.X0 >= b.X0 && o.Y0 >= b.Y0 && o.X1() <= b.X1() && o.Y1() <= b.Y1()
}

// Margin returns the smallest gap between b and the edges of ref. Negative
// when b extends past ref.
func (b Box) Margin(ref Box) int {
	m := b.X0 - ref.X0
	if v := b.Y0 - ref.Y0; v < m {
		m = v
	}
	if v := ref.X1() - b.X1(); v < m {
		m = v
	}
	if v := ref.Y1() - b.Y1(); v < m {
		m = v
	}
	return m
}

func (b Box) String() string {
	return fmt.Sprintf("Box(x0=%d,y0=%d,w=%d,h=%d)", b.X0, b.Y0, b.W, b.H)
}

// Span is a horizontal run of pixels attributed to a source: row Y, columns
// X0..X1 inclusive.
type Span struct {
	Y  int `json:"y"`
	X0 int `json:"x0"`
	X1 int `json:"x1"`
}

// Peak is a detection peak within a footprint.
type Peak struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Footprint is the set of pixels attributed to a detected source.
type Footprint struct {
	Spans []Span `json:"spans"`
	Peaks []Peak `json:"peaks,omitempty"`
}

// BBox returns the tight bounding box of the footprint's spans.
func (f *Footprint) BBox() Box {
	if f == nil || len(f.Spans) == 0 {
		return Box{}
	}
	x0, x1 := f.Spans[0].X0, f.Spans[0].X1
	y0, y1 := f.Spans[0].Y, f.Spans[0].Y
	for _, s := range f.Spans[1:] {
		if s.X0 < x0 {
			x0 = s.X0
		}
		if s.X1 > x1 {
			x1 = s.X1
		}
		if s.Y < y0 {
			y0 = s.Y
		}
		if s.Y > y1 {
			y1 = s.Y
		}
	}
	return Box{X0: x0, Y0: y0, W: x1 - x0 + 1, H: y1 - y0 + 1}
}

// Area returns the number of pixels covered by the footprint's spans.
func (f *Footprint) Area() int {
	if f == nil {
		return 0
	}
	n := 0
	for _, s := range f.Spans {
		n += s.X1 - s.X0 + 1
	}
	return n
}

// Dilate returns a new footprint grown by n pixels in every direction.
// Dilation is always square, never rectangular.
func (f *Footprint) Dilate(n int) *Footprint {
	if f == nil || n <= 0 {
		return f
	}
	// Union of shifted spans per row, then merge overlapping runs.
	rows := make(map[int][]Span)
	for _, s := range f.Spans {
		for dy := -n; dy <= n; dy++ {
			y := s.Y + dy
			rows[y] = append(rows[y], Span{Y: y, X0: s.X0 - n, X1: s.X1 + n})
		}
	}
	out := &Footprint{Peaks: f.Peaks}
	ys := make([]int, 0, len(rows))
	for y := range rows {
		ys = append(ys, y)
	}
	sortInts(ys)
	for _, y := range ys {
		spans := rows[y]
		sortSpans(spans)
		merged := spans[:1]
		for _, s := range spans[1:] {
			last := &merged[len(merged)-1]
			if s.X0 <= last.X1+1 {
				if s.X1 > last.X1 {
					last.X1 = s.X1
				}
			} else {
				merged = append(merged, s)
			}
		}
		out.Spans = append(out.Spans, merged...)
	}
	return out
}

// Contains reports whether pixel (x, y) lies within the footprint.
func (f *Footprint) Contains(x, y int) bool {
	if f == nil {
		return false
	}
	for _, s := range f.Spans {
		if s.Y == y && x >= s.X0 && x <= s.X1 {
			return true
		}
	}
	return false
}

func sortInts(a []int) { sort.Ints(a) }

func sortSpans(a []Span) {
	sort.Slice(a, func(i, j int) bool { return a[i].X0 < a[j].X0 })
}
