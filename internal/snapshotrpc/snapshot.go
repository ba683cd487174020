package snapshotrpc

import (
	"errors"
	"fmt"
	"math"
)

var ErrInvalidLimit = errors.New("limit must be >= 0")

// BuildSnapshot applies req to the current view of src. Non-finite floats
// become nil because JSON has no encoding for NaN or infinities.
func BuildSnapshot(src Source, req *SnapshotRequest) (*SnapshotResponse, error) {
	if req == nil {
		req = &SnapshotRequest{}
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w, got %d", ErrInvalidLimit, req.Limit)
	}

	view := src.View()
	if len(req.Fields) > 0 {
		filtered := make(map[string][]any, len(req.Fields))
		for _, name := range req.Fields {
			if vals, ok := view[name]; ok {
				filtered[name] = vals
			}
		}
		view = filtered
	}
	for name, vals := range view {
		if req.Limit > 0 && len(vals) > req.Limit {
			vals = vals[:req.Limit]
		}
		for i, v := range vals {
			vals[i] = finite(v)
		}
		view[name] = vals
	}
	return &SnapshotResponse{Window: src.Window(), LinkUp: src.LinkUp(), Series: view}, nil
}

func finite(v any) any {
	switch f := v.(type) {
	case float32:
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil
		}
	case float64:
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	}
	return v
}
