package directory

import (
	"context"
	"sync/atomic"

	"github.com/knadh/koanf/providers/file"

	"github.com/wolfman30/security-gate-ai/pkg/logging"
)

// Store holds the current directory snapshot. Readers get an immutable
// *Directory; reloads swap the pointer.
type Store struct {
	current atomic.Pointer[Directory]
	logger  *logging.Logger
}

func NewStore(d *Directory, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Store{logger: logger}
	if d == nil {
		d = New(nil)
	}
	s.current.Store(d)
	return s
}

// Current returns the snapshot in effect now.
func (s *Store) Current() *Directory {
	return s.current.Load()
}

// Replace swaps in a new snapshot.
func (s *Store) Replace(d *Directory) {
	if d != nil {
		s.current.Store(d)
	}
}

// Watch reloads path on change until ctx is done. Sessions already running
// keep the snapshot they started with.
func (s *Store) Watch(ctx context.Context, path string) error {
	provider := file.Provider(path)
	err := provider.Watch(func(_ interface{}, err error) {
		if err != nil {
			s.logger.Warn("directory: watch error", "path", path, "error", err)
			return
		}
		d, err := Load(path)
		if err != nil {
			s.logger.Warn("directory: reload failed, keeping previous snapshot", "path", path, "error", err)
			return
		}
		s.Replace(d)
		s.logger.Info("directory: reloaded", "path", path, "contacts", d.Len())
	})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = provider.Unwatch()
	}()
	return nil
}

// Email resolves against the current snapshot.
func (s *Store) Email(name string) (string, error) {
	return s.Current().Email(name)
}
