package compressor

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"bulk-squeeze/internal/codec"
)

// CollectImageFiles recursively collects all files with supported extensions.
// Paths are returned in walk order, which is lexical within each directory.
func CollectImageFiles(inputPaths []string, extensions []string) ([]string, error) {
	var files []string
	extSet := make(map[string]struct{})
	for _, e := range extensions {
		extSet[strings.ToLower(e)] = struct{}{}
	}
	visit := func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if _, ok := extSet[ext]; ok {
			files = append(files, path)
		}
		return nil
	}
	for _, in := range inputPaths {
		info, err := os.Stat(in)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", in, err)
		}
		if info.IsDir() {
			if err := filepath.WalkDir(in, visit); err != nil {
				return nil, fmt.Errorf("walk %s: %w", in, err)
			}
		} else {
			ext := strings.ToLower(filepath.Ext(info.Name()))
			if _, ok := extSet[ext]; ok {
				files = append(files, in)
			}
		}
	}
	return files, nil
}

// LoadInputImages reads files concurrently into InputImages. Identifiers are
// the paths relative to base (slash-separated); the declared format comes
// from the extension. Result order matches paths.
func LoadInputImages(paths []string, base string) ([]InputImage, error) {
	images := make([]InputImage, len(paths))
	errs := make([]error, len(paths))

	numWorkers := max(min(runtime.NumCPU(), len(paths)), 1)
	jobs := make(chan int, len(paths))
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := range jobs {
				data, err := os.ReadFile(paths[i])
				if err != nil {
					errs[i] = fmt.Errorf("read %s: %w", paths[i], err)
					continue
				}
				images[i] = InputImage{
					Identifier: identifierFor(paths[i], base),
					Data:       data,
					Format:     codec.ParseFormat(filepath.Ext(paths[i])),
				}
			}
		}()
	}
	for i := range paths {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]struct{}, len(images))
	for i := range images {
		if _, dup := seen[images[i].Identifier]; dup {
			images[i].Identifier = filepath.ToSlash(filepath.Clean(paths[i]))
		}
		seen[images[i].Identifier] = struct{}{}
	}
	return images, nil
}

func identifierFor(path, base string) string {
	if base != "" {
		if rel, err := filepath.Rel(base, path); err == nil && !strings.HasPrefix(rel, "..") {
			return filepath.ToSlash(rel)
		}
	}
	return filepath.Base(path)
}
