package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/zstd"

	"github.com/mivertowski/ilgpu-rt/pkg/device"
	"github.com/mivertowski/ilgpu-rt/pkg/kernel"
	"github.com/mivertowski/ilgpu-rt/pkg/stream"
)

// ManifestSchemaVersion is the current on-disk manifest format. A reader
// that sees a different value logs it and treats the cache directory as
// empty rather than failing.
const ManifestSchemaVersion = 1

// manifest is the on-disk index written alongside the blobs directory.
type manifest struct {
	SchemaVersion int              `json:"SchemaVersion"`
	Entries       []manifestRecord `json:"entries"`
}

type manifestRecord struct {
	Key        uint64            `json:"key"`
	Version    string            `json:"version"`
	Backend    int               `json:"backend"`
	EntryPoint string            `json:"entry_point"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func blobName(key uint64, version string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d\x1f%s", key, version)))
	return hex.EncodeToString(sum[:])
}

// Persist writes a point-in-time snapshot of the cache to dir. Atomicity
// is achieved with a brief RLock-held copy of the entry list (not a
// copy-on-write structure), the simplest mechanism that still gives readers a
// consistent view, since the snapshot copy itself is cheap relative to
// encoding and compressing blobs.
func (c *Kernel) Persist(dir string) error {
	c.mu.RLock()
	snapshot := make([]Entry, 0, len(c.items))
	for _, ce := range c.items {
		snapshot = append(snapshot, ce.entry)
	}
	c.mu.RUnlock()

	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0o755); err != nil {
		return fmt.Errorf("cache: creating blobs dir: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("cache: building zstd encoder: %w", err)
	}
	defer enc.Close()

	m := manifest{SchemaVersion: ManifestSchemaVersion}
	for _, e := range snapshot {
		name := blobName(e.Key, e.Version)
		compressed := enc.EncodeAll(e.Artifact.Payload, nil)
		if err := os.WriteFile(filepath.Join(blobsDir, name), compressed, 0o644); err != nil {
			return fmt.Errorf("cache: writing blob %s: %w", name, err)
		}
		m.Entries = append(m.Entries, manifestRecord{
			Key:        e.Key,
			Version:    e.Version,
			Backend:    int(e.Artifact.Backend),
			EntryPoint: e.Artifact.EntryPoint,
			Metadata:   e.Metadata,
		})
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("cache: encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("cache: writing manifest: %w", err)
	}
	return nil
}

// Preload reads a cache directory written by Persist and populates c. A
// missing manifest is skipped silently; an unreadable manifest, an unknown
// SchemaVersion, or a missing or corrupt blob is logged (corrupt manifests
// via log.Error, the rest via log.Info) and otherwise ignored; Preload
// never fails the caller's startup.
func (c *Kernel) Preload(log logr.Logger, dir string) {
	data, err := os.ReadFile(filepath.Join(dir, "manifest.json"))
	if err != nil {
		if !os.IsNotExist(err) {
			log.Info("cache: no manifest to preload", "dir", dir, "reason", err.Error())
		}
		return
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error(err, "cache: corrupt manifest, starting cold", "dir", dir)
		return
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		log.Info("cache: manifest schema mismatch, starting cold", "have", m.SchemaVersion, "want", ManifestSchemaVersion)
		return
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		log.Error(err, "cache: building zstd decoder, starting cold")
		return
	}
	defer dec.Close()

	blobsDir := filepath.Join(dir, "blobs")
	loaded := 0
	for _, rec := range m.Entries {
		name := blobName(rec.Key, rec.Version)
		compressed, err := os.ReadFile(filepath.Join(blobsDir, name))
		if err != nil {
			log.Info("cache: missing blob, skipping entry", "key", rec.Key, "version", rec.Version)
			continue
		}
		payload, err := dec.DecodeAll(compressed, nil)
		if err != nil {
			log.Info("cache: corrupt blob, skipping entry", "key", rec.Key, "version", rec.Version)
			continue
		}
		c.Put(rec.Key, kernel.Artifact{
			Backend:    device.Kind(rec.Backend),
			Payload:    payload,
			EntryPoint: rec.EntryPoint,
		}, rec.Version, rec.Metadata)
		loaded++
	}
	log.Info("cache: preloaded", "dir", dir, "entries", loaded, "at", time.Now().Format(time.RFC3339))
}

// PersistAsync snapshots and writes the cache on a background goroutine,
// completing the returned future with Persist's result. The snapshot is
// taken when the goroutine runs, not at call time.
func (c *Kernel) PersistAsync(dir string) *stream.Future {
	f, complete := stream.NewCompletable()
	go func() { complete(c.Persist(dir)) }()
	return f
}

// PreloadAsync reads a persisted cache directory on a background goroutine.
// Like Preload it never fails: the future always completes with nil once
// loading (or skipping) finishes.
func (c *Kernel) PreloadAsync(log logr.Logger, dir string) *stream.Future {
	f, complete := stream.NewCompletable()
	go func() {
		c.Preload(log, dir)
		complete(nil)
	}()
	return f
}
