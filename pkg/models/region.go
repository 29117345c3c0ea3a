package models

import "fmt"

// MinRegionSize is the smallest width and height, in video pixels, a drawn
// region must exceed to be kept.
const MinRegionSize = 20.0

// Region is a rectangular area of the video frame, in native video pixels,
// marked for subtitle removal.
type Region struct {
	ID     string  `json:"id"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Contains reports whether the point lies inside the region, edges included.
func (r Region) Contains(x, y float64) bool {
	return x >= r.X && x <= r.X+r.Width && y >= r.Y && y <= r.Y+r.Height
}

// Committable reports whether the region is large enough to be finalized.
func (r Region) Committable() bool {
	return r.Width > MinRegionSize && r.Height > MinRegionSize
}

// Validate checks a region submitted for processing
func (r Region) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("region %q has non-positive size %gx%g", r.ID, r.Width, r.Height)
	}
	return nil
}
