// Package region implements the pointer-driven region selection model used
// to mark subtitle areas on a video frame. It is UI-agnostic: callers feed
// pointer events already mapped to video pixel space via ToVideo.
package region

import (
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/therealutkarshpriyadarshi/suberase/pkg/models"
)

const (
	// DeleteButtonRadius is the hit radius of a selected region's delete
	// affordance, in video pixels.
	DeleteButtonRadius = 15.0

	fallbackWidth  = 1920
	fallbackHeight = 1080
)

// Point is a position in video pixel space
type Point struct {
	X float64
	Y float64
}

// Action reports what a pointer-down did
type Action int

const (
	ActionNone Action = iota
	ActionDeleted
	ActionSelected
	ActionDrawStarted
)

func (a Action) String() string {
	switch a {
	case ActionDeleted:
		return "deleted"
	case ActionSelected:
		return "selected"
	case ActionDrawStarted:
		return "draw_started"
	default:
		return "none"
	}
}

// Selector tracks drawn regions, the current selection and an in-progress drag
type Selector struct {
	mu sync.Mutex

	videoWidth  float64
	videoHeight float64
	disabled    bool

	regions  []models.Region
	selected string

	drawing bool
	anchor  Point
	current models.Region

	onChange func([]models.Region)
	newID    func() string
}

// Option configures a Selector
type Option func(*Selector)

// WithRegions seeds the selector with existing regions
func WithRegions(regions []models.Region) Option {
	return func(s *Selector) {
		s.regions = append([]models.Region(nil), regions...)
	}
}

// WithOnChange registers a callback receiving the region list after every
// add or delete
func WithOnChange(fn func([]models.Region)) Option {
	return func(s *Selector) {
		s.onChange = fn
	}
}

// WithIDGenerator overrides region ID generation
func WithIDGenerator(fn func() string) Option {
	return func(s *Selector) {
		s.newID = fn
	}
}

// NewSelector creates a selector for a video of the given native size.
// Unknown dimensions fall back to 1920x1080.
func NewSelector(videoWidth, videoHeight int, opts ...Option) *Selector {
	if videoWidth <= 0 || videoHeight <= 0 {
		videoWidth, videoHeight = fallbackWidth, fallbackHeight
	}

	s := &Selector{
		videoWidth:  float64(videoWidth),
		videoHeight: float64(videoHeight),
		newID: func() string {
			return "region-" + uuid.New().String()
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ToVideo maps a pointer offset within the rendered surface to video pixels.
// The mapping depends only on the relative position, so display scaling and
// zoom do not affect drawn coordinates.
func (s *Selector) ToVideo(offsetX, offsetY, renderedWidth, renderedHeight float64) Point {
	if renderedWidth <= 0 || renderedHeight <= 0 {
		return Point{}
	}
	return Point{
		X: offsetX / renderedWidth * s.videoWidth,
		Y: offsetY / renderedHeight * s.videoHeight,
	}
}

// SetDisabled toggles input handling. A disabled selector ignores pointer
// events and abandons any drag in progress.
func (s *Selector) SetDisabled(disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.disabled = disabled
	if disabled {
		s.drawing = false
		s.current = models.Region{}
	}
}

// PointerDown handles a press at p
func (s *Selector) PointerDown(p Point) Action {
	s.mu.Lock()
	if s.disabled {
		s.mu.Unlock()
		return ActionNone
	}

	if idx := s.indexOf(s.selected); idx >= 0 && hitsDeleteButton(s.regions[idx], p) {
		s.regions = append(s.regions[:idx:idx], s.regions[idx+1:]...)
		s.selected = ""
		snapshot := s.snapshot()
		s.mu.Unlock()
		s.notify(snapshot)
		return ActionDeleted
	}

	for _, r := range s.regions {
		if r.Contains(p.X, p.Y) {
			s.selected = r.ID
			s.mu.Unlock()
			return ActionSelected
		}
	}

	s.selected = ""
	s.drawing = true
	s.anchor = p
	s.current = models.Region{ID: s.newID(), X: p.X, Y: p.Y}
	s.mu.Unlock()
	return ActionDrawStarted
}

// PointerMove updates the in-progress region to span the anchor and p
func (s *Selector) PointerMove(p Point) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.drawing {
		return
	}

	s.current.X = math.Min(s.anchor.X, p.X)
	s.current.Y = math.Min(s.anchor.Y, p.Y)
	s.current.Width = math.Abs(p.X - s.anchor.X)
	s.current.Height = math.Abs(p.Y - s.anchor.Y)
}

// PointerUp finishes a drag. The region is kept and selected only when both
// sides exceed models.MinRegionSize. It reports whether a region was added.
func (s *Selector) PointerUp() bool {
	s.mu.Lock()
	if !s.drawing {
		s.mu.Unlock()
		return false
	}

	s.drawing = false
	region := s.current
	s.current = models.Region{}

	if !region.Committable() {
		s.mu.Unlock()
		return false
	}

	s.regions = append(s.regions, region)
	s.selected = region.ID
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// PointerLeave behaves like PointerUp
func (s *Selector) PointerLeave() bool {
	return s.PointerUp()
}

// Delete removes a region by ID
func (s *Selector) Delete(id string) bool {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return false
	}

	s.regions = append(s.regions[:idx:idx], s.regions[idx+1:]...)
	if s.selected == id {
		s.selected = ""
	}
	snapshot := s.snapshot()
	s.mu.Unlock()

	s.notify(snapshot)
	return true
}

// Regions returns a copy of the committed regions in insertion order
func (s *Selector) Regions() []models.Region {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Selected returns the selected region ID, or "" when none is selected
func (s *Selector) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Preview returns the in-progress region while a drag is active
func (s *Selector) Preview() (models.Region, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, s.drawing
}

// Drawing reports whether a drag is in progress
func (s *Selector) Drawing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawing
}

func (s *Selector) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i, r := range s.regions {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func (s *Selector) snapshot() []models.Region {
	return append([]models.Region(nil), s.regions...)
}

func (s *Selector) notify(regions []models.Region) {
	if s.onChange != nil {
		s.onChange(regions)
	}
}

// DeleteButtonCenter returns the centre of a region's delete affordance,
// which sits on its top-right corner.
func DeleteButtonCenter(r models.Region) Point {
	return Point{
		X: r.X + r.Width - DeleteButtonRadius,
		Y: r.Y - DeleteButtonRadius,
	}
}

func hitsDeleteButton(r models.Region, p Point) bool {
	c := DeleteButtonCenter(r)
	return math.Hypot(p.X-c.X, p.Y-c.Y) <= DeleteButtonRadius
}
