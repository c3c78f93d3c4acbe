package vimage

import (
	"bytes"
	"encoding/binary"
)

// FilterOps is the pluggable per-block filter contract of spec.md §4.7.
// Encode is called on flush of a full (or final, partial) block with the
// decoded payload and must return an owned buffer; Decode is called on
// block load and must never write beyond len(out), returning the exact
// decoded byte count.
type FilterOps struct {
	Encode func(decoded []byte) ([]byte, error)
	Decode func(encoded []byte, out []byte) (int, error)
}

// FilterFamily identifies the on-disk filter family integer. The core
// does not know about any concrete family beyond "none"; filters.Zlib,
// filters.Zstd, and filters.Gzip (internal/filters) supply the other
// values a caller may register.
type FilterFamily uint32

const FilterNone FilterFamily = 0

// Feature is a GUID-tagged extension record, either persistent (written
// to the feature table) or, for FilterOps, supplied only in memory at
// open/create time (spec.md §4.6/§9: "Filter ops feature injected as a
// non-persistent feature ... configuration of the block stream, not a
// table entry written to disk").
type Feature struct {
	GUID    featureGUID
	Payload []byte
}

func overviewFeature(p overviewPayload) Feature {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, p)
	return Feature{GUID: overviewGUID, Payload: buf.Bytes()}
}

func filterFeature(family FilterFamily) Feature {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, filterPayload{Family: uint32(family)})
	return Feature{GUID: filterGUID, Payload: buf.Bytes()}
}

func decodeOverview(payload []byte) (overviewPayload, error) {
	var p overviewPayload
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &p); err != nil {
		return p, errf(IOIntegrity, "feature_decode", "", err)
	}
	return p, nil
}

func decodeFilterFamily(payload []byte) (FilterFamily, error) {
	var p filterPayload
	if err := binary.Read(bytes.NewReader(payload), binary.LittleEndian, &p); err != nil {
		return 0, errf(IOIntegrity, "feature_decode", "", err)
	}
	return FilterFamily(p.Family), nil
}

// FeatureRegistry resolves a FilterFamily to concrete FilterOps. Callers
// that want to read filtered images populate one and pass it to
// OpenFile/OpenMemory/OpenOps; Create and CreateOps take their filter
// through Config.Filter/Config.FilterOps instead. The core never ships a concrete
// filter implementation itself (spec.md §1: "concrete compression
// algorithms" are out of scope for the core).
type FeatureRegistry struct {
	filters map[FilterFamily]FilterOps
}

func NewFeatureRegistry() *FeatureRegistry {
	return &FeatureRegistry{filters: make(map[FilterFamily]FilterOps)}
}

// RegisterFilter makes ops available for family. It is a programming
// error (not a runtime-detected fault, per spec.md §9) to register the
// same family twice with different callbacks; the second registration
// simply wins.
func (r *FeatureRegistry) RegisterFilter(family FilterFamily, ops FilterOps) {
	r.filters[family] = ops
}

func (r *FeatureRegistry) filterFor(family FilterFamily) (FilterOps, bool) {
	if family == FilterNone {
		return FilterOps{}, true
	}
	if r == nil {
		return FilterOps{}, false
	}
	ops, ok := r.filters[family]
	return ops, ok
}
