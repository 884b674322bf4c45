// Package pages holds the viewer templates and logo served by the router.
package pages

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"

	"github.com/q-controller/shotbox/src/pkg/utils"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"
)

// Placeholder is replaced with the requested path in the valid page.
const Placeholder = "${PATH}"

var ErrNoLogo = errors.New("logo is not available")

// Render substitutes path for every placeholder in template.
func Render(template, path string) string {
	return strings.ReplaceAll(template, Placeholder, html.EscapeString(path))
}

type Set struct {
	fs          afero.Fs
	validPath   string
	invalidPath string
	logoPath    string

	mu      sync.RWMutex
	valid   string
	invalid string
	logo    []byte

	reloads singleflight.Group
}

// Load reads both viewer templates and, if logoPath is not empty, the logo.
// The templates are required; a missing logo only makes Logo fail.
func Load(fs afero.Fs, validPath, invalidPath, logoPath string) (*Set, error) {
	s := &Set{
		fs:          fs,
		validPath:   validPath,
		invalidPath: invalidPath,
		logoPath:    logoPath,
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Set) RenderValid(path string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Render(s.valid, path)
}

func (s *Set) RenderInvalid() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invalid
}

func (s *Set) Logo() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.logo == nil {
		return nil, ErrNoLogo
	}
	return s.logo, nil
}

// Reload re-reads every file. Concurrent calls share one read. On error the
// previously loaded content stays in place.
func (s *Set) Reload() error {
	_, err, _ := s.reloads.Do("reload", func() (interface{}, error) {
		valid, err := afero.ReadFile(s.fs, s.validPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read valid page %s: %w", s.validPath, err)
		}
		invalid, err := afero.ReadFile(s.fs, s.invalidPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read invalid page %s: %w", s.invalidPath, err)
		}

		var logo []byte
		if s.logoPath != "" {
			data, logoErr := afero.ReadFile(s.fs, s.logoPath)
			if logoErr != nil {
				slog.Warn("Logo is not available", "path", s.logoPath, "error", logoErr)
			} else {
				logo = data
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		s.valid = string(valid)
		s.invalid = string(invalid)
		s.logo = logo
		return nil, nil
	})
	return err
}

// Watch reloads the set whenever one of its files changes, until ctx is
// done. It only works for files on the host filesystem.
func (s *Set) Watch(ctx context.Context) error {
	files := []string{s.validPath, s.invalidPath}
	if s.logoPath != "" {
		files = append(files, s.logoPath)
	}

	return utils.WatchFiles(ctx, files, func(path string) {
		if err := s.Reload(); err != nil {
			slog.Warn("Failed to reload pages", "path", path, "error", err)
			return
		}
		slog.Info("Reloaded pages", "path", path)
	})
}
