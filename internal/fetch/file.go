package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flaggate/internal/flagdoc"
)

const defaultWatchDebounce = 250 * time.Millisecond

// FileFetcher reads flag documents from a local YAML or JSON file. Files with
// a .json extension are decoded as JSON; anything else as YAML.
type FileFetcher struct {
	path string
}

func NewFileFetcher(path string) (*FileFetcher, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("flag file path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve flag file path: %w", err)
	}
	return &FileFetcher{path: abs}, nil
}

func (f *FileFetcher) Path() string {
	return f.path
}

func (f *FileFetcher) Fetch(ctx context.Context) ([]json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read flag file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(f.path), ".json") {
		return flagdoc.DecodePayload(data)
	}

	payload, err := yamlToJSON(data)
	if err != nil {
		return nil, err
	}
	return flagdoc.DecodePayload(payload)
}

func (f *FileFetcher) String() string {
	return "file://" + f.path
}

func yamlToJSON(data []byte) ([]byte, error) {
	var document any
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("%w: %v", flagdoc.ErrUnparsablePayload, err)
	}

	payload, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", flagdoc.ErrUnparsablePayload, err)
	}
	return payload, nil
}

// WatchFile watches the directory containing path and sends on the returned
// channel once changes to path have been quiet for debounce. Watching the
// directory keeps working across editors that replace the file by rename.
// The channel is closed when ctx is cancelled.
func WatchFile(ctx context.Context, path string, debounce time.Duration) (<-chan struct{}, error) {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve watched path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	changes := make(chan struct{}, 1)
	go func() {
		defer close(changes)
		defer watcher.Close()

		timer := time.NewTimer(debounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				timer.Reset(debounce)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-timer.C:
				select {
				case changes <- struct{}{}:
				default:
				}
			}
		}
	}()

	return changes, nil
}
