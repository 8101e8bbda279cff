// Package handles supplies display names for newly accepted connections.
package handles

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Allocator hands out a display handle for a new connection.
type Allocator interface {
	Next() string
}

var builtin = []string{
	"acid_burn", "zero_cool", "cereal_killer", "lord_nikon", "phantom_phreak",
	"crash_override", "the_plague", "razor", "blade", "joey",
	"neuromancer", "wintermute", "case", "molly", "hiro",
	"trinity", "morpheus", "tank", "dozer", "switch",
	"mouse", "apoc", "cypher", "niobe", "ghost",
}

// Pool picks handles at random from a list that can be reloaded from disk.
type Pool struct {
	mu     sync.RWMutex
	names  []string
	path   string
	logger *slog.Logger
}

// NewPool returns a Pool over the built-in handle list.
func NewPool(logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{names: append([]string(nil), builtin...), logger: logger}
}

// NewPoolFromFile loads handles from path. The file holds one handle per
// line; blank lines and lines starting with '#' are skipped.
func NewPoolFromFile(path string, logger *slog.Logger) (*Pool, error) {
	p := NewPool(logger)
	p.path = path
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// Next returns a random handle.
func (p *Pool) Next() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.names[rand.IntN(len(p.names))]
}

// Names returns a copy of the current handle list.
func (p *Pool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.names...)
}

// Reload re-reads the handles file. An empty file is an error and leaves the
// current list in place.
func (p *Pool) Reload() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read handles file: %w", err)
	}
	names := parse(data)
	if len(names) == 0 {
		return fmt.Errorf("handles file %s contains no handles", p.path)
	}

	p.mu.Lock()
	p.names = names
	p.mu.Unlock()
	return nil
}

func parse(data []byte) []string {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		names = append(names, line)
	}
	return names
}

// Watch reloads the handles file whenever it is written, created or renamed
// into place. It returns once the watcher is running; the watch stops when
// ctx is cancelled.
func (p *Pool) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	if err := fsw.Add(filepath.Dir(p.path)); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch handles dir: %w", err)
	}

	target := filepath.Clean(p.path)
	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					p.logger.Warn("handles reload failed", "path", p.path, "error", err)
					continue
				}
				p.logger.Info("handles reloaded", "path", p.path, "count", len(p.Names()))
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				p.logger.Error("handles watcher error", "error", err)
			}
		}
	}()
	return nil
}
