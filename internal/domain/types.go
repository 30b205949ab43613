package domain

// Metadata is a free-form string-keyed payload used for caller context,
// step outputs, and record annotations.
type Metadata map[string]any

// Clone returns a shallow copy so callers can mutate without aliasing.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	out := make(Metadata, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
