package exclusions

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/traverse-calendar/traverse/pkg/engine"
)

// File is the on-disk layout of an exclusions file:
//
//	subjects:
//	  - Standup
//	  - Lunch
type File struct {
	Subjects []string `yaml:"subjects"`
}

// LoadFile reads the subjects in path. A missing file yields no subjects.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, engine.NewConfigError(fmt.Sprintf("failed to read exclusions file %s", path), err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, engine.NewConfigError(fmt.Sprintf("failed to parse exclusions file %s", path), err)
	}

	subjects := make([]string, 0, len(f.Subjects))
	for _, subject := range f.Subjects {
		if subject = strings.TrimSpace(subject); subject != "" {
			subjects = append(subjects, subject)
		}
	}
	return subjects, nil
}

// Watch reloads the file whenever it changes until ctx is done. The parent
// directory is watched so files replaced by rename are still picked up.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()

	go s.processEvents(ctx, watcher)

	s.logger.WithField("file", s.path).Info("Watching exclusions file")
	return nil
}

func (s *Source) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer
	target := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = s.StopWatching()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			s.logger.WithFields(map[string]interface{}{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Exclusions file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(s.reloadDelay, func() {
				if err := s.reload(); err != nil {
					s.logger.WithError(err).Error("Failed to reload exclusions file")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.logger.WithError(err).Error("Watcher error")
		}
	}
}
