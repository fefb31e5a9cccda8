package tensor

import (
	"fmt"
	"slices"
)

// StateDict maps parameter names to their values.
type StateDict map[string]Tensor

func (sd StateDict) Keys() []string {
	keys := make([]string, 0, len(sd))
	for k := range sd {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// NumElements sums the element count of every entry.
func (sd StateDict) NumElements() int {
	n := 0
	for _, t := range sd {
		n += len(t.Data)
	}
	return n
}

// LoadResult lists the keys a non-strict load could not match.
type LoadResult struct {
	Missing    []string `json:"missing_keys" yaml:"missing_keys"`
	Unexpected []string `json:"unexpected_keys" yaml:"unexpected_keys"`
}

// LoadInto copies matching entries of sd into params. Shape mismatches are
// always errors; unmatched keys are errors only when strict.
func LoadInto(params []*Parameter, sd StateDict, strict bool) (LoadResult, error) {
	var res LoadResult
	seen := make(map[string]bool, len(params))
	for _, p := range params {
		seen[p.Name] = true
		t, ok := sd[p.Name]
		if !ok {
			res.Missing = append(res.Missing, p.Name)
			continue
		}
		if !slices.Equal(t.Shape, p.Value.Shape) || len(t.Data) != len(p.Value.Data) {
			return res, fmt.Errorf("load %s: shape %v does not match parameter shape %v", p.Name, t.Shape, p.Value.Shape)
		}
		copy(p.Value.Data, t.Data)
		p.Value.DType = t.DType
	}
	for _, k := range sd.Keys() {
		if !seen[k] {
			res.Unexpected = append(res.Unexpected, k)
		}
	}
	if strict && (len(res.Missing) > 0 || len(res.Unexpected) > 0) {
		return res, fmt.Errorf("strict load: %d missing and %d unexpected keys", len(res.Missing), len(res.Unexpected))
	}
	return res, nil
}
