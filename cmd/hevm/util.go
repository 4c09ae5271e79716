package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortiblox/hevm/pkg/config"
	"github.com/fortiblox/hevm/pkg/image"
	"github.com/fortiblox/hevm/pkg/journal"
	"github.com/fortiblox/hevm/pkg/store"
)

// loadImage reads a program from a manifest (.toml) or an encoded image.
// It returns the image and a display name.
func loadImage(path string) (*image.Image, string, error) {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if filepath.Ext(path) == ".toml" {
		m, err := config.LoadManifest(path)
		if err != nil {
			return nil, "", err
		}
		img, _, err := m.Build()
		if err != nil {
			return nil, "", fmt.Errorf("build %s: %w", path, err)
		}
		if m.Name != "" {
			name = m.Name
		}
		return img, name, nil
	}
	img, err := image.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return img, name, nil
}

// resolveImage loads arg as a file, falling back to a program store entry
// of that name.
func (a *app) resolveImage(arg string) (*image.Image, string, error) {
	if _, err := os.Stat(arg); err == nil {
		return loadImage(arg)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, "", err
	}

	s, err := a.openStore()
	if err != nil {
		return nil, "", fmt.Errorf("%s is not a file and the program store is unavailable: %w", arg, err)
	}
	defer s.Close()

	img, _, err := s.Get(arg)
	if err != nil {
		return nil, "", err
	}
	return img, arg, nil
}

func (a *app) openStore() (*store.BoltStore, error) {
	return store.Open(store.DefaultConfig(a.cfg.Store.Path))
}

// openJournal returns nil when the journal is disabled.
func (a *app) openJournal() (*journal.Journal, error) {
	if a.cfg.Journal.Disabled {
		return nil, nil
	}
	cfg := journal.DefaultConfig(a.cfg.Journal.Path)
	cfg.InMemory = a.cfg.Journal.InMemory
	logger := a.log
	cfg.Logger = &logger
	return journal.Open(cfg)
}

// colorStatus colors a status name.
func colorStatus(s string) string {
	switch s {
	case "stopped":
		return green(s)
	case "crashed":
		return red(s)
	default:
		return yellow(s)
	}
}

// printConstants prints the constant pool as NUL-separated strings with
// their offsets.
func printConstants(w io.Writer, pool []byte) {
	off := 0
	for off < len(pool) {
		end := off
		for end < len(pool) && pool[end] != 0 {
			end++
		}
		fmt.Fprintf(w, "  %4d  %q\n", off, pool[off:end])
		off = end + 1
	}
}
