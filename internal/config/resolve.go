package config

import (
	"fmt"

	"mediashrink/internal/media"
)

// Options is the effective, per-request configuration. It is a plain value:
// once returned by Resolve it is copied, never shared.
type Options struct {
	Quality                int
	TargetBytes            int64
	Format                 media.Format
	Codec                  media.Codec
	Width                  int
	Height                 int
	Policy                 media.Policy
	SpeedOptimized         bool
	SkipExtraOptimizations bool
	OutputDir              string
	Threads                int
	ForceThreads           bool
	ForceDistribute        bool
}

// Overrides is one configuration layer. Nil fields leave the lower layer untouched.
type Overrides struct {
	Quality                *int
	TargetBytes            *int64
	Format                 *media.Format
	Codec                  *media.Codec
	Width                  *int
	Height                 *int
	Policy                 *media.Policy
	SpeedOptimized         *bool
	SkipExtraOptimizations *bool
	OutputDir              *string
	Threads                *int
	ForceThreads           *bool
	ForceDistribute        *bool
}

// Resolve applies instance overrides and then call overrides on top of defaults.
func Resolve(defaults Options, instance, call Overrides) Options {
	eff := defaults
	instance.apply(&eff)
	call.apply(&eff)
	return eff
}

func (o Overrides) apply(dst *Options) {
	set(&dst.Quality, o.Quality)
	set(&dst.TargetBytes, o.TargetBytes)
	set(&dst.Format, o.Format)
	set(&dst.Codec, o.Codec)
	set(&dst.Width, o.Width)
	set(&dst.Height, o.Height)
	set(&dst.Policy, o.Policy)
	set(&dst.SpeedOptimized, o.SpeedOptimized)
	set(&dst.SkipExtraOptimizations, o.SkipExtraOptimizations)
	set(&dst.OutputDir, o.OutputDir)
	set(&dst.Threads, o.Threads)
	set(&dst.ForceThreads, o.ForceThreads)
	set(&dst.ForceDistribute, o.ForceDistribute)
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate rejects resolved values that no layer may set.
func (o Options) Validate() error {
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("%w: quality %d outside 1-100", media.ErrInvalidRequest, o.Quality)
	}
	if o.Width < 0 || o.Height < 0 {
		return fmt.Errorf("%w: negative dimensions %dx%d", media.ErrInvalidRequest, o.Width, o.Height)
	}
	return nil
}

// Ptr returns a pointer to v, for building Overrides literals.
func Ptr[T any](v T) *T {
	return &v
}

// Request builds the immutable compression request for one input.
func (o Options) Request(id string, kind media.Kind, in media.Input) media.Request {
	return media.Request{
		ID:                     id,
		Input:                  in,
		Kind:                   kind,
		Quality:                o.Quality,
		TargetBytes:            o.TargetBytes,
		Format:                 o.Format,
		Codec:                  o.Codec,
		Width:                  o.Width,
		Height:                 o.Height,
		Policy:                 o.Policy,
		SpeedOptimized:         o.SpeedOptimized,
		SkipExtraOptimizations: o.SkipExtraOptimizations,
		OutputDir:              o.OutputDir,
	}
}
