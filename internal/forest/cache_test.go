package forest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openphenome/forest-backend-go/internal/models"
	"github.com/openphenome/forest-backend-go/internal/objectstore"
)

func TestCacheBlobRoundTrip(t *testing.T) {
	payload := []byte("opaque accumulated model bytes")
	decoded, err := DecodeCacheBlob(EncodeCacheBlob(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, decoded)
}

func TestDecodeCacheBlobRejectsGarbage(t *testing.T) {
	for name, blob := range map[string][]byte{
		"too short":     {0x01, 0x02},
		"bad magic":     []byte("XXXX\x00\x00\x00\x01payload"),
		"wrong version": []byte("FCB1\x00\x00\x00\x63payload"),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeCacheBlob(blob)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrCacheIncompatible)
		})
	}
}

// staticKeySource stands in for the task repository's recorded-key lookup.
type staticKeySource struct {
	bvKey, memKey string
}

func (s *staticKeySource) LatestCacheKeys(context.Context, int64) (string, string, error) {
	return s.bvKey, s.memKey, nil
}

func cacheFixture(t *testing.T, tree models.ForestTree) (*CacheManager, *staticKeySource, *models.ForestTask, *models.Study, *Workspace, objectstore.Store) {
	t.Helper()
	store, err := objectstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	task := &models.ForestTask{
		ExternalID:    "task-cache",
		ForestTree:    tree,
		DataDateStart: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		DataDateEnd:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	study := &models.Study{ObjectID: "study-obj", TimezoneName: "UTC"}
	participant := &models.Participant{PatientID: "patient1"}
	ws := NewWorkspace(t.TempDir(), task, participant, study)
	require.NoError(t, ws.EnsureFolders())

	keys := &staticKeySource{}
	return &CacheManager{Store: store, Keys: keys}, keys, task, study, ws, store
}

func TestCacheStageWithoutRecordedKeysIsFreshStart(t *testing.T) {
	m, _, task, study, ws, _ := cacheFixture(t, models.TreeJasmine)

	staged, err := m.Stage(context.Background(), task, study, ws)
	require.NoError(t, err)
	assert.Empty(t, staged.AllBVSetPath)
	assert.Empty(t, staged.AllMemoryDictPath)
}

func TestCacheStageVanishedBlobIsFreshStart(t *testing.T) {
	m, keys, task, study, ws, _ := cacheFixture(t, models.TreeJasmine)
	keys.bvKey = "study-obj/forest/all_bv_set.pkl"

	staged, err := m.Stage(context.Background(), task, study, ws)
	require.NoError(t, err)
	assert.Empty(t, staged.AllBVSetPath)
}

func TestCacheStageIncompatibleBlobFailsRun(t *testing.T) {
	m, keys, task, study, ws, store := cacheFixture(t, models.TreeJasmine)
	keys.bvKey = "study-obj/forest/all_bv_set.pkl"
	require.NoError(t, store.Upload(context.Background(), keys.bvKey, []byte("not an envelope")))

	_, err := m.Stage(context.Background(), task, study, ws)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCacheIncompatible)
}

func TestCacheStageAndSaveRoundTrip(t *testing.T) {
	m, keys, task, study, ws, store := cacheFixture(t, models.TreeJasmine)
	ctx := context.Background()

	// simulate a run leaving refreshed artifacts in the output folder
	require.NoError(t, os.WriteFile(ws.AllBVSetPath(), []byte("bv model v2"), 0o644))
	require.NoError(t, os.WriteFile(ws.AllMemoryDictPath(), []byte("memory v2"), 0o644))

	bvKey, memKey, err := m.Save(ctx, task, study, ws)
	require.NoError(t, err)
	assert.Equal(t, "study-obj/forest/all_bv_set.pkl", bvKey)
	assert.Equal(t, "study-obj/forest/all_memory_dict.pkl", memKey)

	// a later task stages the payloads named by the recorded keys back into
	// its workspace
	keys.bvKey, keys.memKey = bvKey, memKey
	staged, err := m.Stage(ctx, task, study, ws)
	require.NoError(t, err)
	assert.Equal(t, ws.AllBVSetPath(), staged.AllBVSetPath)
	data, err := os.ReadFile(staged.AllBVSetPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("bv model v2"), data)

	blob, err := store.Retrieve(ctx, bvKey)
	require.NoError(t, err)
	payload, err := DecodeCacheBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("bv model v2"), payload)
}

func TestCacheIgnoredForNonJasmineTrees(t *testing.T) {
	m, _, task, study, ws, _ := cacheFixture(t, models.TreeOak)
	ctx := context.Background()

	staged, err := m.Stage(ctx, task, study, ws)
	require.NoError(t, err)
	assert.Empty(t, staged.AllBVSetPath)

	bvKey, memKey, err := m.Save(ctx, task, study, ws)
	require.NoError(t, err)
	assert.Empty(t, bvKey)
	assert.Empty(t, memKey)
}

func TestCacheSaveWithoutOutputFiles(t *testing.T) {
	m, _, task, study, ws, _ := cacheFixture(t, models.TreeJasmine)

	bvKey, memKey, err := m.Save(context.Background(), task, study, ws)
	require.NoError(t, err)
	assert.Empty(t, bvKey)
	assert.Empty(t, memKey)
}
