// Copyright 2023-2024 daviszhen
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/daviszhen/aggspill/pkg/metrics"
	"github.com/daviszhen/aggspill/pkg/util"
)

type codec uint8

const (
	codecNone codec = iota
	codecZstd
)

// Range is a byte range of one spill file. Data in a range is
// self-describing: the first byte is the codec.
type Range struct {
	Offset uint64
	Length uint64
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Offset, r.Offset+r.Length)
}

// SpillStore owns the spill files of one query.
type SpillStore struct {
	_fs    afero.Fs
	_dir   string
	_codec codec
	_enc   *zstd.Encoder
	_dec   *zstd.Decoder

	_mu    sync.Mutex
	_files map[string]struct{}
}

func NewSpillStore(fs afero.Fs, opts util.SpillOptions) (*SpillStore, error) {
	store := &SpillStore{
		_fs:    fs,
		_dir:   opts.Path,
		_files: make(map[string]struct{}),
	}
	switch opts.Compression {
	case "", "none":
		store._codec = codecNone
	case "zstd":
		store._codec = codecZstd
	default:
		return nil, errors.Newf("unsupported spill compression %q", opts.Compression)
	}
	var err error
	store._enc, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	store._dec, err = zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	if store._dir == "" {
		store._dir = "spill"
	}
	if err = fs.MkdirAll(store._dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create spill dir %s", store._dir)
	}
	return store, nil
}

// OpenSpillStore uses the os filesystem unless opts.InMemory is set.
func OpenSpillStore(opts util.SpillOptions) (*SpillStore, error) {
	var fs afero.Fs
	if opts.InMemory {
		fs = afero.NewMemMapFs()
	} else {
		fs = afero.NewOsFs()
	}
	return NewSpillStore(fs, opts)
}

func (store *SpillStore) path(location string) string {
	return filepath.Join(store._dir, location)
}

// Create opens a new spill file named by a random uuid.
func (store *SpillStore) Create(ctx context.Context) (*SpillFileWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	location := uuid.NewString() + ".spill"
	file, err := store._fs.OpenFile(store.path(location), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create spill file %s", location)
	}
	store._mu.Lock()
	store._files[location] = struct{}{}
	store._mu.Unlock()
	return &SpillFileWriter{
		_store:    store,
		_file:     file,
		_location: location,
	}, nil
}

// ReadRange returns the decompressed data of rng.
func (store *SpillStore) ReadRange(ctx context.Context, location string, rng Range) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := util.InjectFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillRead); err != nil {
		return nil, errors.Wrapf(err, "read spill %s%s", location, rng)
	}
	start := time.Now()
	file, err := store._fs.Open(store.path(location))
	if err != nil {
		return nil, errors.Wrapf(err, "open spill file %s", location)
	}
	defer file.Close()

	if rng.Length == 0 {
		return nil, errors.Newf("empty spill range %s%s", location, rng)
	}
	raw := make([]byte, rng.Length)
	n, err := file.ReadAt(raw, int64(rng.Offset))
	if err != nil && !(errors.Is(err, io.EOF) && uint64(n) == rng.Length) {
		return nil, errors.Wrapf(err, "read spill %s%s", location, rng)
	}
	var data []byte
	switch codec(raw[0]) {
	case codecNone:
		data = raw[1:]
	case codecZstd:
		data, err = store._dec.DecodeAll(raw[1:], nil)
		if err != nil {
			return nil, errors.Wrapf(err, "decompress spill %s%s", location, rng)
		}
	default:
		return nil, errors.Newf("unknown spill codec %d in %s%s", raw[0], location, rng)
	}
	metrics.SpillBytes.WithLabelValues(metrics.OpRead).Add(float64(rng.Length))
	metrics.SpillRanges.WithLabelValues(metrics.OpRead).Inc()
	metrics.SpillDuration.WithLabelValues(metrics.OpRead).Observe(time.Since(start).Seconds())
	return data, nil
}

func (store *SpillStore) Remove(location string) error {
	store._mu.Lock()
	delete(store._files, location)
	store._mu.Unlock()
	err := store._fs.Remove(store.path(location))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove spill file %s", location)
	}
	return nil
}

// Files lists the live spill files.
func (store *SpillStore) Files() []string {
	store._mu.Lock()
	defer store._mu.Unlock()
	ret := make([]string, 0, len(store._files))
	for location := range store._files {
		ret = append(ret, location)
	}
	return ret
}

// Cleanup removes every file created by the store.
func (store *SpillStore) Cleanup() error {
	var ret error
	for _, location := range store.Files() {
		if err := store.Remove(location); err != nil {
			ret = errors.CombineErrors(ret, err)
		}
	}
	return ret
}

// SpillFileWriter appends ranges to one spill file. Not safe for
// concurrent use.
type SpillFileWriter struct {
	_store    *SpillStore
	_file     afero.File
	_location string
	_offset   uint64
	_buf      []byte
}

func (w *SpillFileWriter) Location() string {
	return w._location
}

// WriteRange compresses data and appends it as a new range.
func (w *SpillFileWriter) WriteRange(ctx context.Context, data []byte) (Range, error) {
	if err := ctx.Err(); err != nil {
		return Range{}, err
	}
	if err := util.InjectFault(util.FAULTS_SCOPE_SPILL, util.FaultSpillWrite); err != nil {
		return Range{}, errors.Wrapf(err, "write spill %s", w._location)
	}
	start := time.Now()
	w._buf = append(w._buf[:0], byte(w._store._codec))
	switch w._store._codec {
	case codecZstd:
		w._buf = w._store._enc.EncodeAll(data, w._buf)
	default:
		w._buf = append(w._buf, data...)
	}
	n, err := w._file.Write(w._buf)
	if err != nil {
		return Range{}, errors.Wrapf(err, "write spill %s", w._location)
	}
	rng := Range{Offset: w._offset, Length: uint64(n)}
	w._offset += uint64(n)
	metrics.SpillBytes.WithLabelValues(metrics.OpWrite).Add(float64(n))
	metrics.SpillRanges.WithLabelValues(metrics.OpWrite).Inc()
	metrics.SpillDuration.WithLabelValues(metrics.OpWrite).Observe(time.Since(start).Seconds())
	util.Debug("spill range written",
		zap.String("location", w._location),
		zap.Stringer("range", rng),
		zap.Int("raw", len(data)),
	)
	return rng, nil
}

func (w *SpillFileWriter) Close() error {
	if err := w._file.Sync(); err != nil {
		_ = w._file.Close()
		return errors.Wrapf(err, "sync spill %s", w._location)
	}
	return w._file.Close()
}
