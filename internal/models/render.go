package models

// RenderedConfig is the validated output of one render pass for one
// protocol. It is superseded, never edited in place, by the next pass.
type RenderedConfig struct {
	Protocol string
	Path     string
	Content  []byte
}

// RenderReport collects the outcome of a full render pass. Failures
// are isolated per protocol: one protocol's error never aborts the
// others.
type RenderReport struct {
	Rendered []RenderedConfig
	Failed   map[string]error
}

// OK reports whether every protocol rendered successfully.
func (r *RenderReport) OK() bool {
	return len(r.Failed) == 0
}
