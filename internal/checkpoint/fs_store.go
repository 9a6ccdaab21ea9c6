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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/retailstream/enricher/internal/codec"
)

const latestFileName = "latest.json"

// FSStore keeps artifacts as files in a single directory. Artifacts and the
// latest pointer are written with write-to-temp + atomic rename, so a crash
// mid-write can never be observed as a partial artifact.
type FSStore struct {
	dir string
}

func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &FSStore{dir: dir}, nil
}

func artifactFileName(ref Ref) string {
	return fmt.Sprintf("ckpt_%020d_%s.bin", ref.CreatedAt, ref.ID)
}

func parseArtifactFileName(name string) (Ref, bool) {
	if !strings.HasPrefix(name, "ckpt_") || !strings.HasSuffix(name, ".bin") {
		return Ref{}, false
	}
	parts := strings.SplitN(strings.TrimSuffix(strings.TrimPrefix(name, "ckpt_"), ".bin"), "_", 2)
	if len(parts) != 2 {
		return Ref{}, false
	}
	createdAt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Ref{}, false
	}
	return Ref{ID: parts[1], CreatedAt: createdAt}, true
}

func (f *FSStore) atomicWrite(name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, name+".tmp*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(f.dir, name))
}

func (f *FSStore) Publish(_ context.Context, ref Ref, framed []byte) error {
	if err := f.atomicWrite(artifactFileName(ref), framed); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	pointer, err := codec.JsonBytes(ref)
	if err != nil {
		return err
	}
	// the pointer only moves once the artifact is durable
	if err := f.atomicWrite(latestFileName, pointer); err != nil {
		return fmt.Errorf("publish latest pointer: %w", err)
	}
	return nil
}

func (f *FSStore) Latest(ctx context.Context) (Ref, []byte, error) {
	data, err := os.ReadFile(filepath.Join(f.dir, latestFileName))
	if os.IsNotExist(err) {
		return Ref{}, nil, ErrNotExist
	}
	if err != nil {
		return Ref{}, nil, err
	}
	ref, err := codec.JsonCodec[Ref]{}.Decode(data)
	if err != nil {
		return Ref{}, nil, fmt.Errorf("%w: latest pointer: %v", ErrCorrupt, err)
	}
	framed, err := f.Read(ctx, ref)
	return ref, framed, err
}

func (f *FSStore) Read(_ context.Context, ref Ref) ([]byte, error) {
	framed, err := os.ReadFile(filepath.Join(f.dir, artifactFileName(ref)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: artifact %s missing", ErrCorrupt, ref.ID)
	}
	return framed, err
}

func (f *FSStore) List(_ context.Context) ([]Ref, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, err
	}
	var refs []Ref
	for _, entry := range entries {
		if ref, ok := parseArtifactFileName(entry.Name()); ok {
			refs = append(refs, ref)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].CreatedAt > refs[j].CreatedAt })
	return refs, nil
}

func (f *FSStore) Prune(ctx context.Context, keep int) error {
	refs, err := f.List(ctx)
	if err != nil {
		return err
	}
	for i := keep; i < len(refs); i++ {
		if err := os.Remove(filepath.Join(f.dir, artifactFileName(refs[i]))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

func (f *FSStore) Close() error {
	return nil
}
