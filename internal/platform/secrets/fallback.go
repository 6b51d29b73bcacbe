package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// fallbackFile serves secrets from a local KEY=VALUE file so developers can run the API without
// Secret Manager access. Keys are secret references, optionally suffixed with #version; a key
// without a version matches any version.
type fallbackFile struct {
	path string

	once   sync.Once
	values map[string]string
	err    error
}

func newFallbackFile(path string) *fallbackFile {
	return &fallbackFile{path: strings.TrimSpace(path)}
}

func (f *fallbackFile) lookup(ref reference, version string) (string, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", f.err
	}
	if value, ok := f.values[versionedKey(ref.canonical, version)]; ok {
		return value, nil
	}
	if value, ok := f.values[ref.canonical]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secrets: no local value for %s", ref.canonical)
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if f.path == "" {
		return
	}
	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("secrets: open fallback file: %w", err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		base, version, pinned := strings.Cut(strings.TrimSpace(key), "#")
		ref, err := parseReference(base)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		if !pinned || strings.TrimSpace(version) == "" {
			f.values[ref.canonical] = value
			continue
		}
		f.values[versionedKey(ref.canonical, strings.TrimSpace(version))] = value
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: read fallback file: %w", err)
	}
}
