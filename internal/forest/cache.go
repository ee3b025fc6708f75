package forest

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path"

	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
)

// Cache blob envelope. The payload itself is opaque to this service, it is
// whatever the tree runner serialized. The magic and version exist so a
// historical blob written under a different convention is refused loudly
// instead of handed to the runner as garbage.
var cacheMagic = []byte("FCB1")

const cacheEnvelopeVersion uint32 = 1

// EncodeCacheBlob wraps an opaque payload in the versioned envelope.
func EncodeCacheBlob(payload []byte) []byte {
	out := make([]byte, 0, len(cacheMagic)+4+len(payload))
	out = append(out, cacheMagic...)
	out = binary.BigEndian.AppendUint32(out, cacheEnvelopeVersion)
	return append(out, payload...)
}

// DecodeCacheBlob unwraps an envelope, returning ErrCacheIncompatible for
// anything that does not match the current convention.
func DecodeCacheBlob(blob []byte) ([]byte, error) {
	headerLen := len(cacheMagic) + 4
	if len(blob) < headerLen {
		return nil, fmt.Errorf("%w: blob too short (%d bytes)", ErrCacheIncompatible, len(blob))
	}
	if string(blob[:len(cacheMagic)]) != string(cacheMagic) {
		return nil, fmt.Errorf("%w: bad magic", ErrCacheIncompatible)
	}
	version := binary.BigEndian.Uint32(blob[len(cacheMagic):headerLen])
	if version != cacheEnvelopeVersion {
		return nil, fmt.Errorf("%w: envelope version %d, current version %d",
			ErrCacheIncompatible, version, cacheEnvelopeVersion)
	}
	return blob[headerLen:], nil
}

// Cache key layout, scoped to the study so successive jasmine runs across
// participants share the accumulated model.
func allBVSetKey(studyObjectID string) string {
	return path.Join(studyObjectID, "forest", "all_bv_set.pkl")
}

func allMemoryDictKey(studyObjectID string) string {
	return path.Join(studyObjectID, "forest", "all_memory_dict.pkl")
}

// CacheKeySource looks up the blob keys the most recent jasmine run of a
// study recorded on its task row.
type CacheKeySource interface {
	LatestCacheKeys(ctx context.Context, studyID int64) (bvSetKey, memoryDictKey string, err error)
}

// CacheManager stages and persists the jasmine accumulator artifacts.
type CacheManager struct {
	Store objectstore.Store
	Keys  CacheKeySource
}

// StagedCache reports the workspace file paths of the staged artifacts,
// empty when no prior cache exists.
type StagedCache struct {
	AllBVSetPath      string
	AllMemoryDictPath string
}

// Stage downloads the cache blobs the study's latest jasmine task recorded,
// validates their envelopes and writes the payloads to the workspace for
// the runner to read. No recorded keys, or a recorded key whose blob has
// since vanished, is a normal fresh start and leaves the corresponding
// path empty. A present but incompatible blob fails the run.
func (m *CacheManager) Stage(ctx context.Context, task *models.ForestTask, study *models.Study, ws *Workspace) (StagedCache, error) {
	var staged StagedCache
	if task.ForestTree != models.TreeJasmine {
		return staged, nil
	}

	bvKey, memKey, err := m.Keys.LatestCacheKeys(ctx, study.ID)
	if err != nil {
		return staged, err
	}

	stage := func(key, dest string) (string, error) {
		if key == "" {
			return "", nil
		}
		blob, err := m.Store.Retrieve(ctx, key)
		if errors.Is(err, objectstore.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to retrieve cache blob %s: %w", key, err)
		}
		payload, err := DecodeCacheBlob(blob)
		if err != nil {
			return "", err
		}
		if err := os.WriteFile(dest, payload, 0o644); err != nil {
			return "", fmt.Errorf("failed to stage cache blob: %w", err)
		}
		return dest, nil
	}

	if staged.AllBVSetPath, err = stage(bvKey, ws.AllBVSetPath()); err != nil {
		return StagedCache{}, err
	}
	if staged.AllMemoryDictPath, err = stage(memKey, ws.AllMemoryDictPath()); err != nil {
		return StagedCache{}, err
	}
	return staged, nil
}

// Save uploads the artifacts a jasmine run left in its output folder,
// overwriting the study's previous cache, and returns the keys written. An
// absent output file is fine; the runner does not always refresh both.
func (m *CacheManager) Save(ctx context.Context, task *models.ForestTask, study *models.Study, ws *Workspace) (bvSetKey, memoryDictKey string, err error) {
	if task.ForestTree != models.TreeJasmine {
		return "", "", nil
	}

	save := func(src, key string) (string, error) {
		payload, err := os.ReadFile(src)
		if os.IsNotExist(err) {
			return "", nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to read cache output %s: %w", src, err)
		}
		if err := m.Store.Upload(ctx, key, EncodeCacheBlob(payload)); err != nil {
			return "", fmt.Errorf("failed to upload cache blob %s: %w", key, err)
		}
		return key, nil
	}

	if bvSetKey, err = save(ws.AllBVSetPath(), allBVSetKey(study.ObjectID)); err != nil {
		return "", "", err
	}
	if memoryDictKey, err = save(ws.AllMemoryDictPath(), allMemoryDictKey(study.ObjectID)); err != nil {
		return "", "", err
	}
	return bvSetKey, memoryDictKey, nil
}
