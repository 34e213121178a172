package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
)

// MetadataFileName is the manifest file a FileSystemWriter puts next to the
// data files when the checkpoint is finalized.
const MetadataFileName = "metadata.json"

// Data file encodings supported by FileSystemWriter.
const (
	EncodingRaw  = "raw"
	EncodingZstd = "zstd"
)

// fsFormat identifies the directory layout written by FileSystemWriter.
const fsFormat = "checkpoint-fs-v1"

// FileLocation points at an item payload inside a checkpoint directory.
// It is carried in WriteResult.StorageData and ends up in the manifest index.
type FileLocation struct {
	Path     string `json:"path"`
	Offset   int64  `json:"offset"`
	Length   int64  `json:"length"`
	Encoding string `json:"encoding"`
}

// fsPlanData is the writer's plan annotation: the data file prefix the
// coordinator assigned to the rank.
type fsPlanData struct {
	Prefix string `json:"prefix"`
}

// fsGlobalData is stamped into the manifest's storage data.
type fsGlobalData struct {
	Format   string `json:"format"`
	Encoding string `json:"encoding"`
}

// FileSystemWriter persists checkpoints as per-rank data files plus a JSON
// manifest in a shared directory. All ranks must see the same directory.
type FileSystemWriter struct {
	// Workers caps how many data files a rank writes concurrently.
	// Values below one mean a single file.
	Workers int
	// Encoding selects the data file payload encoding, EncodingRaw by default.
	Encoding string

	dir string

	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdErr  error
}

// NewFileSystemWriter returns a writer rooted at dir. Reset can retarget it.
func NewFileSystemWriter(dir string) *FileSystemWriter {
	return &FileSystemWriter{dir: dir, Workers: 1}
}

// Dir returns the directory the writer currently targets.
func (w *FileSystemWriter) Dir() string { return w.dir }

// Reset points the writer at a new checkpoint directory. An empty id keeps
// the current one.
func (w *FileSystemWriter) Reset(checkpointID string) error {
	if checkpointID != "" {
		w.dir = checkpointID
	}
	return nil
}

// SetUpStorageWriter validates the writer configuration.
func (w *FileSystemWriter) SetUpStorageWriter(bool) error {
	if w.dir == "" {
		return errors.New("checkpoint: filesystem writer has no target directory")
	}
	_, err := w.encoder()
	return err
}

// PrepareLocalPlan ensures the checkpoint directory exists.
func (w *FileSystemWriter) PrepareLocalPlan(plan LocalPlan) (LocalPlan, error) {
	if err := os.MkdirAll(w.dir, 0o750); err != nil {
		return LocalPlan{}, fmt.Errorf("checkpoint: create checkpoint directory: %w", err)
	}
	return plan, nil
}

// PrepareGlobalPlan assigns each rank its data file prefix.
func (w *FileSystemWriter) PrepareGlobalPlan(global GlobalPlan) (GlobalPlan, error) {
	for i := range global {
		raw, err := json.Marshal(fsPlanData{Prefix: fmt.Sprintf("rank-%d", global[i].Rank)})
		if err != nil {
			return nil, fmt.Errorf("checkpoint: encode plan storage data: %w", err)
		}
		global[i].StorageData = raw
	}
	return global, nil
}

// WriteData persists the plan's items in the background and returns a handle
// for the results. Items are spread over up to Workers data files, balanced
// by size hint.
func (w *FileSystemWriter) WriteData(ctx context.Context, plan LocalPlan, planner SavePlanner) (WriteHandle, error) {
	var pd fsPlanData
	if len(plan.StorageData) > 0 {
		if err := json.Unmarshal(plan.StorageData, &pd); err != nil {
			return nil, fmt.Errorf("checkpoint: decode plan storage data: %w", err)
		}
	}
	if pd.Prefix == "" {
		pd.Prefix = fmt.Sprintf("rank-%d", plan.Rank)
	}

	buckets := bucketBySizeHint(plan.Items, w.Workers)
	h := &fsWriteHandle{done: make(chan struct{})}
	go func() {
		results, err := w.writeBuckets(ctx, pd.Prefix, buckets, planner)
		h.results, h.err = results, err
		close(h.done)
	}()
	return h, nil
}

// Finish merges all ranks' results into the metadata index and writes the
// manifest atomically. Coordinator-only.
func (w *FileSystemWriter) Finish(_ context.Context, meta *Metadata, results [][]WriteResult) error {
	if err := mergeWriteResults(meta, results); err != nil {
		return err
	}
	raw, err := json.Marshal(fsGlobalData{Format: fsFormat, Encoding: w.encodingName()})
	if err != nil {
		return fmt.Errorf("checkpoint: encode manifest storage data: %w", err)
	}
	meta.StorageData = raw
	return writeJSONAtomically(filepath.Join(w.dir, MetadataFileName), meta)
}

type fsWriteHandle struct {
	done    chan struct{}
	results []WriteResult
	err     error
}

func (h *fsWriteHandle) Wait(ctx context.Context) ([]WriteResult, error) {
	select {
	case <-h.done:
		return h.results, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (w *FileSystemWriter) writeBuckets(ctx context.Context, prefix string, buckets [][]WriteItem, planner SavePlanner) ([]WriteResult, error) {
	enc, err := w.encoder()
	if err != nil {
		return nil, err
	}

	perBucket := make([][]WriteResult, len(buckets))
	g, ctx := errgroup.WithContext(ctx)
	for b, bucket := range buckets {
		name := fmt.Sprintf("%s_%d.data", prefix, b)
		g.Go(func() error {
			results, err := w.writeBucket(ctx, name, bucket, planner, enc)
			if err != nil {
				return err
			}
			perBucket[b] = results
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var results []WriteResult
	for _, r := range perBucket {
		results = append(results, r...)
	}
	return results, nil
}

// writeBucket streams one bucket's items into a single data file.
func (w *FileSystemWriter) writeBucket(ctx context.Context, name string, items []WriteItem, planner SavePlanner, enc *zstd.Encoder) ([]WriteResult, error) {
	//nolint:gosec // the path is derived from the configured checkpoint directory, not user input.
	f, err := os.Create(filepath.Join(w.dir, name))
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create data file %s: %w", name, err)
	}

	results := make([]WriteResult, 0, len(items))
	var offset int64
	for _, item := range items {
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		default:
		}

		data, err := planner.ResolveData(item)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		encoding := EncodingRaw
		if enc != nil {
			data = enc.EncodeAll(data, nil)
			encoding = EncodingZstd
		}

		n, err := f.Write(data)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("checkpoint: write item %q: %w", item.Key, err)
		}

		loc, err := json.Marshal(FileLocation{Path: name, Offset: offset, Length: int64(n), Encoding: encoding})
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("checkpoint: encode location of %q: %w", item.Key, err)
		}
		results = append(results, WriteResult{Key: item.Key, SizeInBytes: int64(n), StorageData: loc})
		offset += int64(n)
	}

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return results, nil
}

func (w *FileSystemWriter) encoder() (*zstd.Encoder, error) {
	switch w.Encoding {
	case "", EncodingRaw:
		return nil, nil
	case EncodingZstd:
		w.zstdOnce.Do(func() {
			w.zstdEnc, w.zstdErr = zstd.NewWriter(nil)
		})
		return w.zstdEnc, w.zstdErr
	default:
		return nil, fmt.Errorf("checkpoint: unknown encoding %q", w.Encoding)
	}
}

func (w *FileSystemWriter) encodingName() string {
	if w.Encoding == "" {
		return EncodingRaw
	}
	return w.Encoding
}

// bucketBySizeHint splits items into at most workers buckets, assigning each
// item to the least loaded bucket, largest items first. Empty buckets are
// dropped so a rank never creates empty data files.
func bucketBySizeHint(items []WriteItem, workers int) [][]WriteItem {
	if len(items) == 0 {
		return nil
	}
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}
	if workers == 1 {
		return [][]WriteItem{items}
	}

	ordered := make([]WriteItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].SizeHint > ordered[j].SizeHint })

	buckets := make([][]WriteItem, workers)
	loads := make([]int64, workers)
	for _, item := range ordered {
		lightest := 0
		for b := 1; b < workers; b++ {
			if loads[b] < loads[lightest] {
				lightest = b
			}
		}
		buckets[lightest] = append(buckets[lightest], item)
		weight := item.SizeHint
		if weight < 1 {
			weight = 1
		}
		loads[lightest] += weight
	}

	kept := buckets[:0]
	for _, b := range buckets {
		if len(b) > 0 {
			kept = append(kept, b)
		}
	}
	return kept
}

// ReadMetadata loads the manifest of a finished checkpoint directory.
func ReadMetadata(dir string) (*Metadata, error) {
	//nolint:gosec // dir is the caller's checkpoint directory selection.
	data, err := os.ReadFile(filepath.Join(dir, MetadataFileName))
	if err != nil {
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("checkpoint: decode manifest: %w", err)
	}
	return &meta, nil
}

// ReadItemData loads and decodes one item's payload from a checkpoint
// directory written by a FileSystemWriter.
func ReadItemData(dir string, meta *Metadata, key string) ([]byte, error) {
	entry, ok := meta.Index[key]
	if !ok {
		return nil, fmt.Errorf("checkpoint: unknown item %q", key)
	}
	if len(entry.StorageData) == 0 {
		return nil, fmt.Errorf("checkpoint: item %q has no storage location", key)
	}
	var loc FileLocation
	if err := json.Unmarshal(entry.StorageData, &loc); err != nil {
		return nil, fmt.Errorf("checkpoint: decode location of %q: %w", key, err)
	}

	//nolint:gosec // the path comes from a manifest in the caller's checkpoint directory.
	f, err := os.Open(filepath.Join(dir, loc.Path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	payload := make([]byte, loc.Length)
	if _, err := f.ReadAt(payload, loc.Offset); err != nil {
		return nil, fmt.Errorf("checkpoint: read item %q: %w", key, err)
	}

	if loc.Encoding == EncodingZstd {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(payload, nil)
	}
	return payload, nil
}

// writeJSONAtomically writes v as JSON via a temp file, fsync, and rename so
// a crash never leaves a truncated manifest behind.
func writeJSONAtomically(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}

	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	//nolint:gosec // tmpName and path are derived from the checkpoint directory, not user input.
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}

	// Sync the parent directory so the rename itself is durable.
	//nolint:gosec // dir is derived from the checkpoint directory under the caller's control.
	dirFile, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = dirFile.Close() }()
	return dirFile.Sync()
}
