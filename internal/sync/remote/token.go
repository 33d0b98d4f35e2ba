package remote

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/fleetops/fieldsync/internal/logging"
)

// TokenSource supplies the bearer credential sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// FileTokenSource reads the token from a file owned by the authentication
// collaborator and reloads it whenever the file is rewritten.
type FileTokenSource struct {
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu    sync.RWMutex
	token string
	err   error
}

// NewFileTokenSource reads path and starts watching its directory.
func NewFileTokenSource(path string) (*FileTokenSource, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	// Watch the directory: credential writers usually replace the file by rename.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch token directory: %w", err)
	}

	s := &FileTokenSource{
		path:    abs,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	s.reload()

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

// Token implements TokenSource.
func (s *FileTokenSource) Token(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token, s.err
}

// Close stops watching the token file.
func (s *FileTokenSource) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileTokenSource) reload() {
	data, err := os.ReadFile(s.path)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.token = ""
		s.err = fmt.Errorf("failed to read token file: %w", err)
		return
	}
	s.token = strings.TrimSpace(string(data))
	s.err = nil
}

func (s *FileTokenSource) processEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.reload()
			logging.Debug("bearer token reloaded", map[string]interface{}{
				"path": s.path,
				"op":   event.Op.String(),
			})

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logging.Warn("token file watcher error", map[string]interface{}{
				"path":  s.path,
				"error": err.Error(),
			})
		}
	}
}
