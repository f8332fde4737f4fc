package geometry

import "fmt"

// Shape is a width x height x depth tensor stored channel-major:
// element (x, y, c) lives at (Height*c+y)*Width + x.
type Shape struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	Depth  int `json:"depth"`
}

// Area is the number of elements in one channel.
func (s Shape) Area() int {
	return s.Width * s.Height
}

// Size is the total number of elements.
func (s Shape) Size() int {
	return s.Width * s.Height * s.Depth
}

// Index returns the flat offset of (x, y, c).
func (s Shape) Index(x, y, c int) int {
	if boundsChecks && (x < 0 || x >= s.Width || y < 0 || y >= s.Height || c < 0 || c >= s.Depth) {
		panic(fmt.Sprintf("geometry: index (%d,%d,%d) out of bounds for %s", x, y, c, s))
	}
	return (s.Height*c+y)*s.Width + x
}

// Channel returns the Area-long slice of data holding channel c of s.
func Channel[T any](s Shape, data []T, c int) []T {
	start := s.Index(0, 0, c)
	return data[start : start+s.Area()]
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Width, s.Height, s.Depth)
}
