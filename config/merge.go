package config

// DeepMerge merges override into base and returns the result. Maps are
// merged recursively; scalars and arrays in override replace the base
// value. Neither input map is mutated.
func DeepMerge(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, ov := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := ov.(map[string]any); ok {
				out[k] = DeepMerge(bm, om)
				continue
			}
		}
		out[k] = ov
	}
	return out
}
