package gadgetpatch

import (
	"context"
	"errors"
	"os"

	"github.com/apex/log"
)

// TempLibrarySuffix marks downloaded libraries on disk
const TempLibrarySuffix = ".tmpdylib"

// LibrarySource selects where the library to inject comes from.
// Exactly one of Path or Download must be set.
type LibrarySource struct {
	Path     string
	Download bool
}

// Validate checks that exactly one source is selected
func (s LibrarySource) Validate() error {
	if (s.Path == "") == !s.Download {
		return ErrLibrarySource
	}
	return nil
}

// Library is a library file ready to be copied into a bundle
type Library struct {
	Path string
	// Temporary is set when the file was created by this run and must be
	// removed with Release
	Temporary bool
	// Version is the release tag for downloaded libraries
	Version string
}

// Release removes the library file if this run owns it
func (l *Library) Release() error {
	if l == nil || !l.Temporary {
		return nil
	}
	if err := os.Remove(l.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// AcquireLibrary returns the library described by src, downloading the
// latest release with d when requested. A nil d uses NewDownloader.
func AcquireLibrary(ctx context.Context, src LibrarySource, d *Downloader) (*Library, error) {
	if err := src.Validate(); err != nil {
		return nil, err
	}

	if !src.Download {
		log.WithField("path", src.Path).Debug("Using local gadget")
		return &Library{Path: src.Path}, nil
	}

	if d == nil {
		d = NewDownloader()
	}
	version, err := d.LatestVersion(ctx)
	if err != nil {
		return nil, err
	}
	return d.Download(ctx, version)
}
