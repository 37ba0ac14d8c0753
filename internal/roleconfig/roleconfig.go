// Package roleconfig clamps user-supplied generation parameters to
// per-role min/default/max envelopes. It is immutable after
// init and requires no lock.
package roleconfig

import "github.com/tikslop/videogen-gateway/internal/identity"

// Field names one of the bounded numeric knobs a role envelope may cover.
type Field string

const (
	FieldClipWidth                                 Field = "clipWidth"
	FieldClipHeight                                Field = "clipHeight"
	FieldNumFrames                                  Field = "numFrames"
	FieldNumInferenceSteps                          Field = "numInferenceSteps"
	FieldClipFramerate                              Field = "clipFramerate"
	FieldClipDurationSeconds                        Field = "clipDurationSeconds"
	FieldClipPlaybackSpeed                          Field = "clipPlaybackSpeed"
	FieldMaxRenderingTimePerClientPerVideoSeconds    Field = "maxRenderingTimePerClientPerVideoSeconds"
)

// Bound is the (default, min?, max?) triple for one field. A nil Min or Max
// means unbounded on that side.
type Bound struct {
	Default float64
	Min     *float64
	Max     *float64
}

// Envelope maps every bounded field to its Bound for a single role.
type Envelope map[Field]Bound

func f64(v float64) *float64 { return &v }

// defaultEnvelopes is the static data initialised once at start-up. Values
// are grounded in the original tikslop service's per-tier clip presets.
var defaultEnvelopes = map[identity.Role]Envelope{
	identity.RoleAnon: {
		FieldClipWidth:            {Default: 896, Min: f64(256), Max: f64(896)},
		FieldClipHeight:           {Default: 512, Min: f64(256), Max: f64(512)},
		FieldNumFrames:            {Default: 49, Min: f64(17), Max: f64(65)},
		FieldNumInferenceSteps:    {Default: 4, Min: f64(1), Max: f64(6)},
		FieldClipFramerate:        {Default: 16, Min: f64(8), Max: f64(24)},
		FieldClipDurationSeconds:  {Default: 3},
		FieldClipPlaybackSpeed:    {Default: 1},
		FieldMaxRenderingTimePerClientPerVideoSeconds: {Default: 60},
	},
	identity.RoleNormal: {
		FieldClipWidth:            {Default: 1152, Min: f64(256), Max: f64(1152)},
		FieldClipHeight:           {Default: 640, Min: f64(256), Max: f64(640)},
		FieldNumFrames:            {Default: 65, Min: f64(17), Max: f64(97)},
		FieldNumInferenceSteps:    {Default: 6, Min: f64(1), Max: f64(10)},
		FieldClipFramerate:        {Default: 16, Min: f64(8), Max: f64(30)},
		FieldClipDurationSeconds:  {Default: 4},
		FieldClipPlaybackSpeed:    {Default: 1},
		FieldMaxRenderingTimePerClientPerVideoSeconds: {Default: 120},
	},
	identity.RolePro: {
		FieldClipWidth:            {Default: 1280, Min: f64(256), Max: f64(1536)},
		FieldClipHeight:           {Default: 768, Min: f64(256), Max: f64(1024)},
		FieldNumFrames:            {Default: 97, Min: f64(17), Max: f64(161)},
		FieldNumInferenceSteps:    {Default: 8, Min: f64(1), Max: f64(20)},
		FieldClipFramerate:        {Default: 24, Min: f64(8), Max: f64(30)},
		FieldClipDurationSeconds:  {Default: 6},
		FieldClipPlaybackSpeed:    {Default: 1},
		FieldMaxRenderingTimePerClientPerVideoSeconds: {Default: 300},
	},
	identity.RoleAdmin: {
		FieldClipWidth:            {Default: 1536, Min: f64(256), Max: f64(2048)},
		FieldClipHeight:           {Default: 1024, Min: f64(256), Max: f64(2048)},
		FieldNumFrames:            {Default: 129, Min: f64(17), Max: f64(241)},
		FieldNumInferenceSteps:    {Default: 10, Min: f64(1), Max: f64(30)},
		FieldClipFramerate:        {Default: 24, Min: f64(8), Max: f64(60)},
		FieldClipDurationSeconds:  {Default: 8},
		FieldClipPlaybackSpeed:    {Default: 1},
		FieldMaxRenderingTimePerClientPerVideoSeconds: {Default: 600},
	},
}

// Resolver resolves generation parameters against the static per-role
// envelopes. The zero value is unusable; construct with NewResolver.
type Resolver struct {
	envelopes map[identity.Role]Envelope
}

// NewResolver builds a Resolver over the default envelopes.
func NewResolver() *Resolver {
	return &Resolver{envelopes: defaultEnvelopes}
}

// NewResolverWithEnvelopes builds a Resolver over caller-supplied envelopes,
// for tests that want to exercise clamping without the production constants.
func NewResolverWithEnvelopes(envelopes map[identity.Role]Envelope) *Resolver {
	return &Resolver{envelopes: envelopes}
}

// Resolve resolves the effective value for (role, field, userOverrides?).
// If the role has no envelope for field, the zero value is returned. If the
// field has no bounds, the default is returned unconditionally. Otherwise,
// an absent override yields the default; a present override is clamped to
// [min, max], where a nil bound is unbounded on that side.
func (r *Resolver) Resolve(role identity.Role, field Field, override *float64) float64 {
	env, ok := r.envelopes[role]
	if !ok {
		env = r.envelopes[identity.RoleAnon]
	}
	b, ok := env[field]
	if !ok {
		return 0
	}
	if b.Min == nil && b.Max == nil {
		return b.Default
	}
	if override == nil {
		return b.Default
	}
	v := *override
	if b.Min != nil && v < *b.Min {
		v = *b.Min
	}
	if b.Max != nil && v > *b.Max {
		v = *b.Max
	}
	return v
}

// VideoOverrides is the subset of a generate_video request's options that
// feed clamping; callers map wire-layer fields onto it.
type VideoOverrides struct {
	Width             *float64
	Height            *float64
	NumFrames         *float64
	NumInferenceSteps *float64
	ClipFramerate     *float64
}

// VideoParams is the fully clamped, orientation-adjusted parameter set a
// VideoWorker call is built from.
type VideoParams struct {
	Width                                     int
	Height                                     int
	NumFrames                                 int
	NumInferenceSteps                         int
	ClipFramerate                              int
	ClipDurationSeconds                       float64
	ClipPlaybackSpeed                         float64
	MaxRenderingTimePerClientPerVideoSeconds  float64
}

// ResolveVideoParams clamps every bounded field for role, then applies
// orientation adjustment to width/height.
func (r *Resolver) ResolveVideoParams(role identity.Role, o VideoOverrides, orientation Orientation) VideoParams {
	p := VideoParams{
		Width:              int(r.Resolve(role, FieldClipWidth, o.Width)),
		Height:             int(r.Resolve(role, FieldClipHeight, o.Height)),
		NumFrames:          int(r.Resolve(role, FieldNumFrames, o.NumFrames)),
		NumInferenceSteps:  int(r.Resolve(role, FieldNumInferenceSteps, o.NumInferenceSteps)),
		ClipFramerate:      int(r.Resolve(role, FieldClipFramerate, o.ClipFramerate)),
		ClipDurationSeconds: r.Resolve(role, FieldClipDurationSeconds, nil),
		ClipPlaybackSpeed:  r.Resolve(role, FieldClipPlaybackSpeed, nil),
		MaxRenderingTimePerClientPerVideoSeconds: r.Resolve(role, FieldMaxRenderingTimePerClientPerVideoSeconds, nil),
	}
	p.Width, p.Height = OrientationAdjust(p.Width, p.Height, orientation)
	return p
}

// Orientation is the user-requested aspect-ratio hint.
type Orientation string

const (
	OrientationLandscape Orientation = "LANDSCAPE"
	OrientationPortrait  Orientation = "PORTRAIT"
)

// OrientationAdjust swaps width/height, applied after clamping, so that
// landscape has width >= height and portrait has height >= width. Any other
// orientation value (including empty) leaves the dimensions untouched.
func OrientationAdjust(width, height int, orientation Orientation) (int, int) {
	switch orientation {
	case OrientationLandscape:
		if width < height {
			return height, width
		}
	case OrientationPortrait:
		if height < width {
			return height, width
		}
	}
	return width, height
}
