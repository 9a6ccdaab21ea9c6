// Copyright 2022 Amazon.com, Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checkpoint persists the pipeline's recoverable state as immutable,
// versioned artifacts behind an atomically published latest pointer. The
// process itself is stateless across restarts beyond what an artifact
// encodes.
package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/retailstream/enricher/internal/codec"
	"github.com/retailstream/enricher/internal/source"
	"github.com/retailstream/enricher/internal/state"
)

var (
	// ErrNotExist indicates a cold start: no checkpoint has ever been published.
	ErrNotExist = errors.New("no checkpoint exists")
	// ErrCorrupt indicates an artifact failed checksum or decode validation.
	ErrCorrupt = errors.New("checkpoint corrupt")
)

// Ref names one immutable artifact. CreatedAt orders artifacts; newest wins.
type Ref struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

// Store is the durable blob store contract: immutable versioned payloads plus
// a single latest pointer that is only moved after the payload is fully
// durable.
type Store interface {
	Publish(ctx context.Context, ref Ref, framed []byte) error
	// Latest returns the artifact the pointer currently names.
	Latest(ctx context.Context) (Ref, []byte, error)
	// List returns all artifact refs, newest first.
	List(ctx context.Context) ([]Ref, error)
	Read(ctx context.Context, ref Ref) ([]byte, error)
	// Prune removes all but the `keep` newest artifacts.
	Prune(ctx context.Context, keep int) error
	Close() error
}

// Payload is the serialized form of a checkpoint: per-source offsets and
// watermarks plus the full state snapshot, as one artifact.
type Payload struct {
	ID         string                     `json:"id"`
	CreatedAt  int64                      `json:"created_at"`
	Offsets    map[string]map[int32]int64 `json:"offsets"`
	Watermarks map[string]int64           `json:"watermarks"`
	State      state.Data                 `json:"state"`
}

var payloadCodec = codec.JsonCodec[Payload]{}

// OffsetsByStream converts the persisted offset map back to typed stream ids.
func (p *Payload) OffsetsByStream() (map[source.StreamID]map[int32]int64, error) {
	out := make(map[source.StreamID]map[int32]int64, len(p.Offsets))
	for name, partitions := range p.Offsets {
		stream, err := source.ParseStreamID(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out[stream] = partitions
	}
	return out, nil
}

func (p *Payload) WatermarksByStream() (map[source.StreamID]int64, error) {
	out := make(map[source.StreamID]int64, len(p.Watermarks))
	for name, wm := range p.Watermarks {
		stream, err := source.ParseStreamID(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out[stream] = wm
	}
	return out, nil
}

const checksumSize = 8

// frame prepends an xxhash checksum so every artifact is self-validating,
// independent of any manifest.
func frame(payload []byte) []byte {
	framed := make([]byte, checksumSize+len(payload))
	binary.BigEndian.PutUint64(framed, xxhash.Sum64(payload))
	copy(framed[checksumSize:], payload)
	return framed
}

func unframe(framed []byte) ([]byte, error) {
	if len(framed) < checksumSize {
		return nil, fmt.Errorf("%w: artifact truncated (%d bytes)", ErrCorrupt, len(framed))
	}
	payload := framed[checksumSize:]
	if expected, actual := binary.BigEndian.Uint64(framed), xxhash.Sum64(payload); expected != actual {
		return nil, fmt.Errorf("%w: checksum mismatch (expected %x, actual %x)", ErrCorrupt, expected, actual)
	}
	return payload, nil
}

// Encode serializes and frames a payload for publishing.
func Encode(p Payload) ([]byte, error) {
	raw, err := codec.JsonBytes(p)
	if err != nil {
		return nil, err
	}
	return frame(raw), nil
}

// Decode validates a framed artifact and deserializes it.
func Decode(framed []byte) (Payload, error) {
	raw, err := unframe(framed)
	if err != nil {
		return Payload{}, err
	}
	p, err := payloadCodec.Decode(raw)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return p, nil
}
