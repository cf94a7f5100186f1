package hayate

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	"lukechampine.com/blake3"
)

// ComputeChecksum returns the hex BLAKE3 digest of one file.
func ComputeChecksum(path string) (string, error) {
	buf := make([]byte, 64*1024)
	return computeSingleHash(path, buf)
}

// ComputeChecksumBytes returns the hex BLAKE3 digest of a byte slice.
func ComputeChecksumBytes(data []byte) string {
	sum := blake3.Sum256(data)
	return fmt.Sprintf("%x", sum[:])
}

// ComputeChecksums hashes many files with a bounded worker pool and returns
// path -> digest.
func ComputeChecksums(paths []string) (map[string]string, error) {
	results := make(map[string]string)
	if len(paths) == 0 {
		return results, nil
	}

	numWorkers := runtime.NumCPU() * 2
	if len(paths) < numWorkers {
		numWorkers = len(paths)
	}

	jobs := make(chan string, len(paths))
	var mu sync.Mutex
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range jobs {
				hash, err := computeSingleHash(path, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = hash
				}
				mu.Unlock()
			}
		}()
	}

	for _, p := range paths {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

func computeSingleHash(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
