// Package compose defines the post-render layer-composition adapter.
// Layer composition itself runs an external media tool and is out of
// scope for the core (spec treats it as an opaque collaborator); this
// package only defines the seam the LocalQueue's post-completion hook
// calls through.
package compose

// Adapter invokes the external composition tool over a directory of
// rendered layer outputs. Implementations log their own progress via
// onOutput; the core only needs success/failure.
type Adapter interface {
	ComposeLayerComps(outputDir string, reverseOrder bool, onOutput func(string)) error
}

// Nop is the default adapter: layer composition is disabled.
type Nop struct{}

func (Nop) ComposeLayerComps(string, bool, func(string)) error { return nil }

var _ Adapter = Nop{}
