package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/openfroyo/fleetconf/pkg/engine"
)

// ErrUnknownDevice is returned by Lookup for an id missing from the inventory.
var ErrUnknownDevice = errors.New("unknown device")

// Catalog serves device capabilities from the current inventory snapshot.
// Reload swaps the snapshot atomically; transactions already holding a
// Device keep the value they looked up.
type Catalog struct {
	path   string
	snap   atomic.Pointer[Snapshot]
	logger zerolog.Logger

	// OnReload, when set, is called after every successful reload.
	OnReload func(*Snapshot)
}

var _ engine.CapabilityCatalog = (*Catalog)(nil)

// New loads the inventory at path.
func New(path string, logger zerolog.Logger) (*Catalog, error) {
	c := &Catalog{
		path:   path,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// NewStatic serves a fixed snapshot that never reloads.
func NewStatic(snap *Snapshot) *Catalog {
	c := &Catalog{logger: zerolog.Nop()}
	c.snap.Store(snap)
	return c
}

// Lookup implements engine.CapabilityCatalog.
func (c *Catalog) Lookup(deviceID string) (engine.Device, error) {
	if d, ok := c.Snapshot().Device(deviceID); ok {
		return d, nil
	}
	return engine.Device{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.snap.Load()
}

// Reload re-reads the inventory file. On error the current snapshot stays in place.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no inventory file")
	}
	snap, err := LoadFile(c.path)
	if err != nil {
		return err
	}
	c.snap.Store(snap)

	c.logger.Info().
		Str("path", c.path).
		Int("devices", snap.Len()).
		Msg("Inventory loaded")

	if c.OnReload != nil {
		c.OnReload(snap)
	}
	return nil
}

// Watch reloads the inventory whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by rename
// are picked up.
func (c *Catalog) Watch(ctx context.Context) error {
	if c.path == "" {
		return fmt.Errorf("catalog has no inventory file")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch inventory directory: %w", err)
	}

	go c.processEvents(ctx, watcher)

	c.logger.Info().Str("path", c.path).Msg("Watching inventory for changes")
	return nil
}

const reloadDelay = 200 * time.Millisecond

func (c *Catalog) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()

	target := filepath.Clean(c.path)
	var (
		timer  *time.Timer
		reload <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			c.logger.Debug().Str("op", event.Op.String()).Msg("Inventory file changed")

			// Debounce bursts of writes into one reload.
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(reloadDelay)
			reload = timer.C

		case <-reload:
			reload = nil
			if err := c.Reload(); err != nil {
				c.logger.Error().Err(err).Msg("Failed to reload inventory, keeping previous snapshot")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}
