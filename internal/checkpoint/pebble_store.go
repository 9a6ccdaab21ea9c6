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

package checkpoint

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble"
	"github.com/retailstream/enricher/internal/codec"
	"github.com/retailstream/enricher/internal/sak"
)

const (
	artifactKeyPrefix = "artifact/"
	latestKey         = "latest"
)

// PebbleStore keeps artifacts in a pebble LSM. Artifact keys embed the
// creation time with a lexicographically sortable encoding so a reverse scan
// yields newest-first, and the latest pointer moves in the same synced batch
// discipline as the filesystem store: payload first, pointer second.
type PebbleStore struct {
	db *pebble.DB
}

func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("pebble open: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func artifactKey(ref Ref) []byte {
	buf := bytes.NewBufferString(artifactKeyPrefix)
	codec.LexoInt64Codec.Encode(buf, ref.CreatedAt)
	buf.WriteByte('/')
	codec.StringCodec.Encode(buf, ref.ID)
	return buf.Bytes()
}

func parseArtifactKey(key []byte) (Ref, bool) {
	rest, ok := strings.CutPrefix(string(key), artifactKeyPrefix)
	if !ok || len(rest) < codec.LexInt64Size+2 {
		return Ref{}, false
	}
	createdAt, err := codec.LexoInt64Codec.Decode([]byte(rest[:codec.LexInt64Size]))
	if err != nil || rest[codec.LexInt64Size] != '/' {
		return Ref{}, false
	}
	id := sak.Must(codec.StringCodec.Decode([]byte(rest[codec.LexInt64Size+1:])))
	return Ref{ID: id, CreatedAt: createdAt}, true
}

func (p *PebbleStore) Publish(_ context.Context, ref Ref, framed []byte) error {
	if err := p.db.Set(artifactKey(ref), framed, pebble.Sync); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	pointer, err := codec.JsonBytes(ref)
	if err != nil {
		return err
	}
	if err := p.db.Set([]byte(latestKey), pointer, pebble.Sync); err != nil {
		return fmt.Errorf("publish latest pointer: %w", err)
	}
	return nil
}

func (p *PebbleStore) Latest(ctx context.Context) (Ref, []byte, error) {
	value, closer, err := p.db.Get([]byte(latestKey))
	if err == pebble.ErrNotFound {
		return Ref{}, nil, ErrNotExist
	}
	if err != nil {
		return Ref{}, nil, err
	}
	pointer := append([]byte(nil), value...)
	_ = closer.Close()
	ref, err := codec.JsonCodec[Ref]{}.Decode(pointer)
	if err != nil {
		return Ref{}, nil, fmt.Errorf("%w: latest pointer: %v", ErrCorrupt, err)
	}
	framed, err := p.Read(ctx, ref)
	return ref, framed, err
}

func (p *PebbleStore) Read(_ context.Context, ref Ref) ([]byte, error) {
	value, closer, err := p.db.Get(artifactKey(ref))
	if err == pebble.ErrNotFound {
		return nil, fmt.Errorf("%w: artifact %s missing", ErrCorrupt, ref.ID)
	}
	if err != nil {
		return nil, err
	}
	framed := append([]byte(nil), value...)
	_ = closer.Close()
	return framed, nil
}

func (p *PebbleStore) List(_ context.Context) ([]Ref, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(artifactKeyPrefix),
		UpperBound: []byte(artifactKeyPrefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var refs []Ref
	for ok := iter.Last(); ok; ok = iter.Prev() {
		if ref, valid := parseArtifactKey(iter.Key()); valid {
			refs = append(refs, ref)
		}
	}
	return refs, iter.Error()
}

func (p *PebbleStore) Prune(ctx context.Context, keep int) error {
	refs, err := p.List(ctx)
	if err != nil {
		return err
	}
	if len(refs) <= keep {
		return nil
	}
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, ref := range refs[keep:] {
		if err := batch.Delete(artifactKey(ref), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
