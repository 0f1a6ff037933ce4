// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package provider

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	debounceDelay   = 100 * time.Millisecond
	rewatchAttempts = 10
)

// FileProvider reads the config document from a local file. Watch follows
// the file through editor saves (write in place, or write a temp file and
// rename it over) and signals only when the content actually changed.
type FileProvider struct {
	path string

	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	closed   bool
	lastHash [sha256.Size]byte
}

// NewFileProvider creates a provider for path, resolved to an absolute path.
func NewFileProvider(path string) (*FileProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	return &FileProvider{path: absPath}, nil
}

// Type returns TypeFile.
func (p *FileProvider) Type() Type {
	return TypeFile
}

// Load reads the config file and remembers its content for change
// detection.
func (p *FileProvider) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", p.path, err)
	}
	p.mu.Lock()
	p.lastHash = sha256.Sum256(data)
	p.mu.Unlock()
	return data, nil
}

// changed reports whether the file differs from what was last loaded or
// seen. An unreadable file counts as unchanged; the next event retries.
func (p *FileProvider) changed() bool {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return false
	}
	sum := sha256.Sum256(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	if sum == p.lastHash {
		return false
	}
	p.lastHash = sum
	return true
}

// Watch watches the directory holding the file, since renames replace the
// file's inode. The channel closes when ctx ends.
func (p *FileProvider) Watch(ctx context.Context) (<-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("provider is closed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	p.watcher = watcher

	ch := make(chan struct{}, 1)
	go p.watchLoop(ctx, watcher, ch)

	slog.Info("Watching config file", "path", p.path)
	return ch, nil
}

func (p *FileProvider) watchLoop(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	name := filepath.Base(p.path)

	// Saves arrive as bursts of events; settle is armed on the first and
	// fires once the burst is over.
	settle := time.NewTimer(time.Hour)
	settle.Stop()
	defer settle.Stop()
	defer close(ch)
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			switch {
			case event.Has(fsnotify.Write), event.Has(fsnotify.Create):
				settle.Reset(debounceDelay)
			case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
				slog.Warn("Config file went away, keeping the current configuration", "path", p.path)
				go p.tryRewatch(ctx, watcher, ch)
			}

		case <-settle.C:
			if p.changed() && notify(ch) {
				slog.Debug("Config file changed", "path", p.path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Error("File watcher error", "path", p.path, "error", err)
		}
	}
}

// tryRewatch waits for a removed file to come back. Directory watches
// survive most editors, so this only matters when the directory itself was
// replaced.
func (p *FileProvider) tryRewatch(ctx context.Context, watcher *fsnotify.Watcher, ch chan<- struct{}) {
	ticker := time.NewTicker(5 * debounceDelay)
	defer ticker.Stop()

	for i := 0; i < rewatchAttempts; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(p.path); err != nil {
				continue
			}
			if err := watcher.Add(filepath.Dir(p.path)); err != nil {
				continue
			}
			if p.changed() {
				notify(ch)
			}
			return
		}
	}
	slog.Warn("Config file did not come back, watch inactive", "path", p.path)
}

// Close stops watching and releases resources.
func (p *FileProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	if p.watcher != nil {
		err := p.watcher.Close()
		p.watcher = nil
		return err
	}
	return nil
}

var _ Provider = (*FileProvider)(nil)
