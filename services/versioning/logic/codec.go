// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logic

import (
	"fmt"

	"github.com/AleutianAI/stampvc/services/versioning/wire"
)

const encodingVersion uint8 = 1

// MarshalBinary encodes the expression.
//
// Layout: uint8 version, int32 node count, then per node: uint8 kind,
// int32-counted child indexes, and the kind's fields.
func (e *Expression) MarshalBinary() ([]byte, error) {
	w := wire.NewWriter(16 + 24*len(e.nodes))
	w.Uint8(encodingVersion)
	w.Int32(int32(len(e.nodes)))
	for _, n := range e.nodes {
		w.Uint8(uint8(n.Kind))
		children := make([]int32, len(n.Children))
		for i, c := range n.Children {
			children[i] = int32(c)
		}
		w.Int32s(children)

		switch n.Kind {
		case KindConcept:
			w.Int32(n.ConceptNid)
		case KindRoleSome, KindRoleAll:
			w.Int32(n.TypeNid)
		case KindFeature:
			w.Int32(n.TypeNid)
			w.Uint8(uint8(n.Operator))
		case KindLiteralBoolean:
			w.Bool(n.Bool)
		case KindLiteralFloat:
			w.Float64(n.Float)
		case KindLiteralInteger:
			w.Int64(n.Integer)
		case KindLiteralString, KindSubstitution:
			w.UTF(n.String)
		case KindPropertyPatternImplication:
			w.Int32s(n.PropertyPattern)
			w.Int32(n.ConceptNid)
		}
	}
	return w.Bytes()
}

// Decode parses and validates an encoded expression.
func Decode(b []byte) (*Expression, error) {
	r := wire.NewReader(b)
	if v := r.Uint8(); r.Err() == nil && v != encodingVersion {
		return nil, fmt.Errorf("decoding logical expression: unsupported version %d", v)
	}
	count := r.Int32()
	if r.Err() != nil {
		return nil, fmt.Errorf("decoding logical expression: %w", r.Err())
	}
	if count <= 0 || int(count) > r.Remaining() {
		return nil, malformed("node count %d", count)
	}

	nodes := make([]Node, count)
	for i := range nodes {
		n := Node{Kind: Kind(r.Uint8())}
		for _, c := range r.Int32s() {
			n.Children = append(n.Children, int(c))
		}
		switch n.Kind {
		case KindConcept:
			n.ConceptNid = r.Int32()
		case KindRoleSome, KindRoleAll:
			n.TypeNid = r.Int32()
		case KindFeature:
			n.TypeNid = r.Int32()
			n.Operator = Operator(r.Uint8())
		case KindLiteralBoolean:
			n.Bool = r.Bool()
		case KindLiteralFloat:
			n.Float = r.Float64()
		case KindLiteralInteger:
			n.Integer = r.Int64()
		case KindLiteralString, KindSubstitution:
			n.String = r.UTF()
		case KindPropertyPatternImplication:
			n.PropertyPattern = r.Int32s()
			n.ConceptNid = r.Int32()
		}
		if r.Err() != nil {
			return nil, fmt.Errorf("decoding logical expression node %d: %w", i, r.Err())
		}
		nodes[i] = n
	}
	if r.Remaining() != 0 {
		return nil, fmt.Errorf("decoding logical expression: %d trailing bytes", r.Remaining())
	}

	e := &Expression{nodes: nodes}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
