package session

// Diff is a partial nested map against a prior state: keys present have
// changed, keys absent are unchanged, and a value of Deleted removes
// the key. Responses to init and clear carry the full state instead and
// are marked replace=true.
type Diff map[string]any

// Deleted is the sentinel value that deletes a key on merge.
const Deleted = "__deleted__"

// Merge applies a diff to a base map, returning a new map. Scalars
// replace, nested maps merge recursively, Deleted removes.
func Merge(base map[string]any, d Diff) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range d {
		if v == Deleted {
			delete(out, k)
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if baseSub, ok := out[k].(map[string]any); ok {
				out[k] = Merge(baseSub, sub)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Compose combines two diffs so that for non-conflicting diffs
// Merge(Merge(s, d1), d2) == Merge(s, Compose(d1, d2)).
func Compose(d1, d2 Diff) Diff {
	out := make(Diff, len(d1))
	for k, v := range d1 {
		if sub, ok := v.(map[string]any); ok {
			out[k] = map[string]any(Compose(nil, sub))
			continue
		}
		out[k] = v
	}
	for k, v := range d2 {
		if v == Deleted {
			out[k] = Deleted
			continue
		}
		if sub, ok := v.(map[string]any); ok {
			if outSub, ok := out[k].(map[string]any); ok {
				out[k] = map[string]any(Compose(outSub, sub))
				continue
			}
			out[k] = map[string]any(Compose(nil, sub))
			continue
		}
		out[k] = v
	}
	return out
}

// diffStates computes the partial diff that turns old into new,
// including Deleted markers for removed keys. Either state may be nil.
func diffStates(old, new *State) Diff {
	var oldMap, newMap map[string]any
	if old != nil {
		oldMap = old.asMap()
	}
	if new != nil {
		newMap = new.asMap()
	}
	return mapDiff(oldMap, newMap)
}

func mapDiff(old, new map[string]any) Diff {
	d := Diff{}
	for k := range old {
		if _, ok := new[k]; !ok {
			d[k] = Deleted
		}
	}
	for k, nv := range new {
		ov, ok := old[k]
		if !ok {
			d[k] = nv
			continue
		}
		oldSub, oldIsMap := ov.(map[string]any)
		newSub, newIsMap := nv.(map[string]any)
		if oldIsMap && newIsMap {
			if sub := mapDiff(oldSub, newSub); len(sub) > 0 {
				d[k] = map[string]any(sub)
			}
			continue
		}
		if !equalScalar(ov, nv) {
			d[k] = nv
		}
	}
	return d
}

func equalScalar(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalScalar(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	return a == b
}
