// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package chronology

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"hash/crc32"
)

// ErrCorrupted is returned when a stored chronology fails its checksum.
var ErrCorrupted = errors.New("chronology entry corrupted")

// Encode serializes c as [4-byte CRC32][gob data].
func Encode(c *Chronology) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, fmt.Errorf("gob encode chronology %d: %w", c.Nid, err)
	}

	crc := crc32.ChecksumIEEE(buf.Bytes())
	out := make([]byte, 4+buf.Len())
	binary.BigEndian.PutUint32(out[:4], crc)
	copy(out[4:], buf.Bytes())
	return out, nil
}

// Decode parses an entry produced by Encode and verifies its checksum.
func Decode(data []byte) (*Chronology, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("%w: entry too short", ErrCorrupted)
	}
	stored := binary.BigEndian.Uint32(data[:4])
	payload := data[4:]
	if computed := crc32.ChecksumIEEE(payload); stored != computed {
		return nil, fmt.Errorf("%w: stored=%08x computed=%08x", ErrCorrupted, stored, computed)
	}

	var c Chronology
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&c); err != nil {
		return nil, fmt.Errorf("gob decode chronology: %w", err)
	}
	return &c, nil
}
