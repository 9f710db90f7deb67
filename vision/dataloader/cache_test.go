package dataloader

import (
	"fmt"
	"image"
	"strings"
	"sync"
	"testing"
)

func newImage(w int) image.Image {
	return image.NewRGBA(image.Rect(0, 0, w, 1))
}

func TestCacheManagerBasicOperations(t *testing.T) {
	cm := NewCacheManager(5)

	if img, exists := cm.Get("nonexistent"); exists || img != nil {
		t.Error("Get should return false and nil for nonexistent key")
	}
	if stats := cm.Stats(); stats.Misses != 1 {
		t.Errorf("Expected 1 miss, got %d", stats.Misses)
	}

	cm.Put("a", newImage(3))
	img, exists := cm.Get("a")
	if !exists || img.Bounds().Dx() != 3 {
		t.Errorf("Expected cached image of width 3, got %v", img)
	}
	if stats := cm.Stats(); stats.Size != 1 || stats.Hits != 1 {
		t.Errorf("Expected size 1 and 1 hit, got %+v", stats)
	}
}

func TestCacheManagerLRUEviction(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put("a", newImage(1))
	cm.Put("b", newImage(2))
	cm.Get("a") // b is now least recently used
	cm.Put("c", newImage(3))

	if _, ok := cm.Get("b"); ok {
		t.Errorf("Expected b to be evicted")
	}
	for _, key := range []string{"a", "c"} {
		if _, ok := cm.Get(key); !ok {
			t.Errorf("Expected %s to stay cached", key)
		}
	}
	if size := cm.Stats().Size; size != 2 {
		t.Errorf("Expected size 2, got %d", size)
	}
}

func TestCacheManagerPutExisting(t *testing.T) {
	cm := NewCacheManager(2)
	cm.Put("a", newImage(1))
	cm.Put("a", newImage(4))
	img, _ := cm.Get("a")
	if img.Bounds().Dx() != 4 {
		t.Errorf("Expected replaced image, got width %d", img.Bounds().Dx())
	}
	if size := cm.Stats().Size; size != 1 {
		t.Errorf("Expected size 1, got %d", size)
	}
}

func TestCacheManagerDisabled(t *testing.T) {
	cm := NewCacheManager(0)
	cm.Put("a", newImage(1))
	if _, ok := cm.Get("a"); ok {
		t.Errorf("Expected zero-size cache to store nothing")
	}
}

func TestCacheManagerClear(t *testing.T) {
	cm := NewCacheManager(3)
	cm.Put("a", newImage(1))
	cm.Get("a")
	cm.Clear()
	stats := cm.Stats()
	if stats.Size != 0 {
		t.Errorf("Expected empty cache after Clear, got %d", stats.Size)
	}
	if stats.Hits != 1 {
		t.Errorf("Expected statistics to survive Clear, got %d hits", stats.Hits)
	}
}

func TestCacheManagerConcurrency(t *testing.T) {
	cm := NewCacheManager(10)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("k%d", (g*7+i)%20)
				if _, ok := cm.Get(key); !ok {
					cm.Put(key, newImage(1))
				}
			}
		}(g)
	}
	wg.Wait()
	stats := cm.Stats()
	if stats.Size > 10 {
		t.Errorf("Expected at most 10 entries, got %d", stats.Size)
	}
	if stats.Hits+stats.Misses != 800 {
		t.Errorf("Expected 800 lookups, got %d", stats.Hits+stats.Misses)
	}
}

func TestCacheStatsString(t *testing.T) {
	s := CacheStats{Size: 2, MaxSize: 4, Hits: 3, Misses: 1, HitRate: 75}.String()
	if !strings.Contains(s, "2/4 images") || !strings.Contains(s, "75.0%") {
		t.Errorf("Unexpected stats string %q", s)
	}
}
