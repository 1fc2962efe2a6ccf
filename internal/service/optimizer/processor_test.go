package optimizer

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artisanmarket/marketplace/internal/blob"
	"github.com/artisanmarket/marketplace/internal/domain"
	"github.com/artisanmarket/marketplace/internal/storage/memory"
)

var testNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

func encodeImage(t *testing.T, mimeType string, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y += 7 {
		for x := 0; x < w; x += 3 {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 120, A: 255})
		}
	}

	var buf bytes.Buffer
	switch mimeType {
	case "image/png":
		require.NoError(t, png.Encode(&buf, img))
	case "image/jpeg":
		require.NoError(t, jpeg.Encode(&buf, img, nil))
	default:
		t.Fatalf("unsupported test mime type %s", mimeType)
	}
	return buf.Bytes()
}

// seedMedia кладёт оригинал в хранилище и создаёт pending-строку.
func seedMedia(t *testing.T, repo *memory.MediaRepository, blobs blob.Store, id, mimeType string, w, h int) domain.Media {
	t.Helper()
	ext := ".jpg"
	if mimeType == "image/png" {
		ext = ".png"
	}
	media := domain.Media{
		ID:                 id,
		Filename:           id + ext,
		MimeType:           mimeType,
		Path:               "media/2026/10/18/" + id + ext,
		OptimizationStatus: domain.OptimizationPending,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	require.NoError(t, blobs.Put(context.Background(), media.Path, bytes.NewReader(encodeImage(t, mimeType, w, h))))
	require.NoError(t, repo.Create(context.Background(), media))
	return media
}

func blobDimensions(t *testing.T, blobs blob.Store, key string) (int, int, string) {
	t.Helper()
	rc, err := blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	require.NoError(t, err)
	return cfg.Width, cfg.Height, format
}

func newProcessor(repo domain.MediaRepository, blobs blob.Store, opts ...ProcessorOption) *Processor {
	opts = append([]ProcessorOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewProcessor(repo, blobs, opts...)
}

func TestProcess_BuildsAllRenditions(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "a1", "image/png", 2000, 1000)

	require.NoError(t, newProcessor(repo, blobs).Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationCompleted, stored.OptimizationStatus)
	require.NotNil(t, stored.OptimizedAt)
	assert.Nil(t, stored.ClaimedAt)
	assert.Equal(t, map[domain.Rendition]string{
		domain.RenditionThumb: "media/2026/10/18/renditions/a1_thumb.png",
		domain.RenditionCard:  "media/2026/10/18/renditions/a1_card.png",
		domain.RenditionFull:  "media/2026/10/18/renditions/a1_full.png",
	}, stored.OptimizedPaths)

	want := map[domain.Rendition][2]int{
		domain.RenditionThumb: {150, 75},
		domain.RenditionCard:  {400, 200},
		domain.RenditionFull:  {1200, 600},
	}
	for rendition, dims := range want {
		w, h, format := blobDimensions(t, blobs, stored.OptimizedPaths[rendition])
		assert.Equal(t, dims, [2]int{w, h}, rendition)
		assert.Equal(t, "png", format)
	}
}

func TestProcess_NeverUpscalesAndUsesJpeg(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "small", "image/jpeg", 120, 60)

	require.NoError(t, newProcessor(repo, blobs).Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OptimizationCompleted, stored.OptimizationStatus)

	w, h, format := blobDimensions(t, blobs, stored.OptimizedPaths[domain.RenditionThumb])
	assert.Equal(t, [2]int{120, 60}, [2]int{w, h})
	assert.Equal(t, "jpeg", format)

	w, h, _ = blobDimensions(t, blobs, stored.OptimizedPaths[domain.RenditionFull])
	assert.Equal(t, [2]int{120, 60}, [2]int{w, h})
	assert.Equal(t, "media/2026/10/18/renditions/small_full.jpg", stored.OptimizedPaths[domain.RenditionFull])
}

func TestProcess_SkipsUnclaimable(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "once", "image/png", 10, 10)
	p := newProcessor(repo, blobs)

	require.NoError(t, p.Process(context.Background(), media.ID))
	keys := blobs.Keys()

	require.NoError(t, p.Process(context.Background(), media.ID))
	require.NoError(t, p.Process(context.Background(), "missing"))
	assert.Equal(t, keys, blobs.Keys())
}

func TestProcess_MissingOriginalFails(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "lost", "image/png", 10, 10)
	require.NoError(t, blobs.Delete(context.Background(), media.Path))

	require.NoError(t, newProcessor(repo, blobs).Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationFailed, stored.OptimizationStatus)
	assert.Empty(t, stored.OptimizedPaths)
	assert.Contains(t, stored.OptimizationError, "load original")
}

func TestProcess_PartialFailureRemovesWrittenRenditions(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "half", "image/png", 800, 800)
	blobs.FailPut = func(key string) error {
		if key == "media/2026/10/18/renditions/half_card.png" {
			return errors.New("disk full")
		}
		return nil
	}

	require.NoError(t, newProcessor(repo, blobs).Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationFailed, stored.OptimizationStatus)
	assert.Empty(t, stored.OptimizedPaths)
	assert.Contains(t, stored.OptimizationError, "disk full")
	assert.Equal(t, []string{media.Path}, blobs.Keys())
}

func TestProcess_CorruptOriginalFails(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "junk", "image/png", 10, 10)
	require.NoError(t, blobs.Put(context.Background(), media.Path, bytes.NewReader([]byte("not an image at all"))))

	require.NoError(t, newProcessor(repo, blobs).Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationFailed, stored.OptimizationStatus)
	assert.Contains(t, stored.OptimizationError, "decode original")
}

// blockingStore ждёт отмены контекста при чтении оригинала.
type blockingStore struct {
	*blob.Memory
}

func (s blockingStore) Get(ctx context.Context, _ string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcess_TimeoutMarksFailed(t *testing.T) {
	repo := memory.NewMediaRepository()
	mem := blob.NewMemory()
	media := seedMedia(t, repo, mem, "slow", "image/png", 10, 10)

	p := newProcessor(repo, blockingStore{mem}, WithJobTimeout(20*time.Millisecond))
	require.NoError(t, p.Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationFailed, stored.OptimizationStatus)
	assert.Contains(t, stored.OptimizationError, "timed out")
}

// panickingStore имитирует ошибку программиста внутри задачи.
type panickingStore struct {
	*blob.Memory
}

func (panickingStore) Get(context.Context, string) (io.ReadCloser, error) {
	panic("nil decoder")
}

func TestProcess_PanicIsIsolated(t *testing.T) {
	repo := memory.NewMediaRepository()
	mem := blob.NewMemory()
	media := seedMedia(t, repo, mem, "boom", "image/png", 10, 10)

	require.NotPanics(t, func() {
		require.NoError(t, newProcessor(repo, panickingStore{mem}).Process(context.Background(), media.ID))
	})

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationFailed, stored.OptimizationStatus)
	assert.Contains(t, stored.OptimizationError, "panicked")
}

func TestProcess_RetryAfterFailureSucceeds(t *testing.T) {
	repo := memory.NewMediaRepository()
	blobs := blob.NewMemory()
	media := seedMedia(t, repo, blobs, "again", "image/png", 300, 300)
	blobs.FailPut = func(string) error { return errors.New("temporarily unavailable") }
	p := newProcessor(repo, blobs)

	require.NoError(t, p.Process(context.Background(), media.ID))
	_, err := repo.ResetToPending(context.Background(), media.ID, testNow)
	require.NoError(t, err)

	blobs.FailPut = nil
	require.NoError(t, p.Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationCompleted, stored.OptimizationStatus)
	assert.Len(t, stored.OptimizedPaths, 3)
	assert.Empty(t, stored.OptimizationError)
}

func TestProcess_ShutdownReturnsMediaToPending(t *testing.T) {
	repo := memory.NewMediaRepository()
	mem := blob.NewMemory()
	media := seedMedia(t, repo, mem, "deploy", "image/png", 10, 10)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	require.NoError(t, newProcessor(repo, blockingStore{mem}).Process(ctx, media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OptimizationPending, stored.OptimizationStatus)
	assert.Empty(t, stored.OptimizationError)
	assert.Nil(t, stored.ClaimedAt)

	ids, err := repo.ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{media.ID}, ids)
}

// gatedStore задерживает запись одного ключа до закрытия gate, не глядя на контекст.
type gatedStore struct {
	*blob.Memory
	key  string
	gate chan struct{}
}

func (s gatedStore) Put(ctx context.Context, key string, r io.Reader) error {
	if key == s.key {
		<-s.gate
		return s.Memory.Put(context.Background(), key, r)
	}
	return s.Memory.Put(ctx, key, r)
}

func TestProcess_LateJobKeepsRenditionsOfNewClaim(t *testing.T) {
	repo := memory.NewMediaRepository()
	mem := blob.NewMemory()
	media := seedMedia(t, repo, mem, "late", "image/png", 64, 64)
	gated := gatedStore{Memory: mem, key: "media/2026/10/18/renditions/late_full.png", gate: make(chan struct{})}

	slow := newProcessor(repo, gated, WithJobTimeout(100*time.Millisecond))
	require.NoError(t, slow.Process(context.Background(), media.ID))

	timedOut, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OptimizationFailed, timedOut.OptimizationStatus)

	_, err = repo.ResetToPending(context.Background(), media.ID, testNow)
	require.NoError(t, err)
	require.NoError(t, newProcessor(repo, mem).Process(context.Background(), media.ID))

	stored, err := repo.Get(context.Background(), media.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OptimizationCompleted, stored.OptimizationStatus)
	require.Len(t, stored.OptimizedPaths, 3)

	close(gated.gate)
	require.Never(t, func() bool {
		for _, key := range stored.OptimizedPaths {
			if !mem.Has(key) {
				return true
			}
		}
		return false
	}, 200*time.Millisecond, 10*time.Millisecond)
}

func TestProcess_LateJobRemovesItsRenditionsAfterTimeout(t *testing.T) {
	repo := memory.NewMediaRepository()
	mem := blob.NewMemory()
	media := seedMedia(t, repo, mem, "stale", "image/png", 64, 64)
	gated := gatedStore{Memory: mem, key: "media/2026/10/18/renditions/stale_full.png", gate: make(chan struct{})}

	require.NoError(t, newProcessor(repo, gated, WithJobTimeout(100*time.Millisecond)).Process(context.Background(), media.ID))
	close(gated.gate)

	require.Eventually(t, func() bool {
		keys := mem.Keys()
		return len(keys) == 1 && keys[0] == media.Path
	}, 2*time.Second, 10*time.Millisecond)
}
