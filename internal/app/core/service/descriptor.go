package service

// Layer describes where a capability sits in the broker: custody of
// encrypted material, the control plane deciding who may touch it, or the
// edge surface tools actually call.
type Layer string

const (
	LayerCustody Layer = "custody"
	LayerControl Layer = "control"
	LayerEdge    Layer = "edge"
)

// Descriptor advertises a service's placement and capabilities. It does not
// change runtime behavior, but lets operators and documentation reason about
// the broker's modules consistently.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}

// WithCapabilities returns a copy of the descriptor with additional
// capabilities appended.
func (d Descriptor) WithCapabilities(caps ...string) Descriptor {
	if len(caps) == 0 {
		return d
	}
	combined := make([]string, 0, len(d.Capabilities)+len(caps))
	combined = append(combined, d.Capabilities...)
	combined = append(combined, caps...)
	d.Capabilities = combined
	return d
}
