package dataloader

import (
	"context"
	"image"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-yolo/tensor"
	"github.com/tsawler/go-yolo/vision/dataset"
)

// Config holds configuration for DataLoader
type Config struct {
	BatchSize    int
	Shuffle      bool
	Augment      bool
	ImageSize    int
	NumWorkers   int           // images decoded in parallel per batch
	MaxCacheSize int           // decoded images kept in memory
	CacheManager *CacheManager // optional, shared between loaders
	Seed         int64

	// Rank and WorldSize shard the images between data-parallel replicas.
	// Every rank gets the same number of images, wrapping around the
	// dataset when it does not divide evenly.
	Rank      int
	WorldSize int
}

// Batch is a collated batch. Targets carry the index of their image in
// the batch.
type Batch struct {
	Images  *tensor.Tensor // [B, 3, size, size]
	Targets []dataset.Target
	Paths   []string
}

// DataLoader yields letterboxed image batches with their targets.
type DataLoader struct {
	mu        sync.Mutex
	dataset   *dataset.ImagesAndLabels
	config    Config
	rng       *rand.Rand
	indices   []int
	position  int
	imageSize int

	cacheManager *CacheManager
}

// NewDataLoader creates a loader over ds. Non-positive batch size and worker
// counts fall back to 1.
func NewDataLoader(ds *dataset.ImagesAndLabels, config Config) *DataLoader {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	cache := config.CacheManager
	if cache == nil {
		cache = NewCacheManager(config.MaxCacheSize)
	}

	if config.WorldSize <= 0 {
		config.WorldSize = 1
	}

	dl := &DataLoader{
		dataset:      ds,
		config:       config,
		rng:          rand.New(rand.NewSource(config.Seed)),
		imageSize:    config.ImageSize,
		cacheManager: cache,
	}
	dl.shuffle()
	return dl
}

// shuffle draws the epoch order of the whole dataset, identical on every
// rank for the same seed, and keeps this rank's shard.
func (dl *DataLoader) shuffle() {
	n := dl.dataset.Len()
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if dl.config.Shuffle {
		dl.rng.Shuffle(n, func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	world := dl.config.WorldSize
	if world == 1 {
		dl.indices = order
		return
	}
	perRank := (n + world - 1) / world
	dl.indices = make([]int, 0, perRank)
	for k := 0; k < perRank; k++ {
		dl.indices = append(dl.indices, order[(k*world+dl.config.Rank)%n])
	}
}

// Len is the number of batches per epoch.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.config.BatchSize - 1) / dl.config.BatchSize
}

func (dl *DataLoader) Dataset() *dataset.ImagesAndLabels { return dl.dataset }

// SetImageSize changes the canvas size of subsequent batches.
func (dl *DataLoader) SetImageSize(size int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.imageSize = size
}

func (dl *DataLoader) ImageSize() int {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.imageSize
}

// Reset rewinds to the first batch, reshuffling when configured.
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.position = 0
	dl.shuffle()
}

// NextBatch loads the next batch, or returns nil at the end of the epoch.
func (dl *DataLoader) NextBatch(ctx context.Context) (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	n := min(dl.config.BatchSize, len(dl.indices)-dl.position)
	if n <= 0 {
		return nil, nil
	}
	idx := dl.indices[dl.position : dl.position+n]
	size := dl.imageSize

	// rand.Rand is not safe for concurrent use; each image gets its own
	// source seeded from the loader.
	seeds := make([]int64, n)
	for i := range seeds {
		seeds[i] = dl.rng.Int63()
	}

	samples := make([]dataset.Sample, n)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(dl.config.NumWorkers)
	for i, index := range idx {
		i, index := i, index
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			path := dl.dataset.Path(index)
			img, err := dl.loadImageWithCache(path)
			if err != nil {
				return err
			}
			rng := rand.New(rand.NewSource(seeds[i]))
			samples[i] = dataset.Prepare(path, img, dl.dataset.Labels(index), size, dl.config.Augment, rng)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "load batch")
	}
	dl.position += n

	batch := &Batch{Images: tensor.Zeros(n, 3, size, size), Paths: make([]string, n)}
	plane := 3 * size * size
	for i, s := range samples {
		copy(batch.Images.Data[i*plane:(i+1)*plane], s.Data)
		batch.Paths[i] = s.Path
		for _, t := range s.Targets {
			t.Image = i
			batch.Targets = append(batch.Targets, t)
		}
	}
	return batch, nil
}

func (dl *DataLoader) loadImageWithCache(path string) (image.Image, error) {
	if img, ok := dl.cacheManager.Get(path); ok {
		return img, nil
	}
	img, err := dataset.Decode(path)
	if err != nil {
		return nil, err
	}
	dl.cacheManager.Put(path, img)
	return img, nil
}

// Progress returns the images consumed so far and the dataset size.
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// Stats returns cache statistics
func (dl *DataLoader) Stats() string {
	return dl.cacheManager.Stats().String()
}

func (dl *DataLoader) GetCacheManager() *CacheManager {
	return dl.cacheManager
}
