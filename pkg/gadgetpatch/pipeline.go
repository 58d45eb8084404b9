package gadgetpatch

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/apex/log"
)

// Options configures a single patch run
type Options struct {
	IPAPath string
	Library LibrarySource
	Helper  HelperOptions
	// OutputDir receives PATCHED_<ipa name>; defaults to the working directory
	OutputDir string
	// Registrar replaces the insert_dylib helper selected by Helper
	Registrar LoadDependencyRegistrar
	// Downloader is used when Library.Download is set
	Downloader *Downloader
	// Verify inspects the executable before and after patching
	Verify bool
}

// Validate checks the options without touching the filesystem or network
func (o Options) Validate() error {
	if o.IPAPath == "" {
		return fmt.Errorf("IPA path is required")
	}
	if err := o.Library.Validate(); err != nil {
		return err
	}
	if o.Registrar == nil {
		if err := o.Helper.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Result describes a successful run
type Result struct {
	OutputPath     string
	AppName        string
	ExecutableName string
	LibraryVersion string // set for downloaded libraries
	TeamID         string // team of the embedded provisioning profile, if any
}

// Run injects the library into the IPA and writes the patched copy.
// Temporary files and the scratch directory are removed on every return.
func Run(ctx context.Context, opts Options) (res *Result, err error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	lib, err := AcquireLibrary(ctx, opts.Library, opts.Downloader)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr := lib.Release(); rerr != nil {
			log.WithError(rerr).Warn("Failed to remove temporary gadget")
		}
	}()

	registrar := opts.Registrar
	if registrar == nil {
		helperPath, err := ResolveHelper(ctx, opts.Helper)
		if err != nil {
			return nil, err
		}
		log.WithFields(log.Fields{"path": helperPath, "mode": opts.Helper.Mode}).Debug("Resolved " + HelperName)
		registrar = &InsertDylib{Path: helperPath}
	}

	ws, err := ExtractIPA(opts.IPAPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			log.WithError(cerr).Warnf("Failed to remove %s", ws.Dir)
		}
	}()
	log.WithField("dir", ws.Dir).Debug("Extracted IPA")

	appPath, err := FindAppBundle(ws.Dir)
	if err != nil {
		return nil, err
	}
	res = &Result{AppName: filepath.Base(appPath), LibraryVersion: lib.Version}

	if profile, err := ReadEmbeddedProfile(appPath); err != nil {
		log.WithError(err).Debug("Could not read " + EmbeddedProfileName)
	} else if profile != nil {
		res.TeamID = profile.TeamID
		log.WithFields(log.Fields{
			"team":    res.TeamID,
			"profile": profile.Name,
			"expired": profile.Expired(time.Now()),
		}).Warn("App signature will be invalidated and must be re-signed before install")
	}

	if _, err := InstallLibrary(appPath, lib.Path); err != nil {
		return nil, err
	}

	execPath, err := ExecutablePath(appPath)
	if err != nil {
		return nil, err
	}
	res.ExecutableName = filepath.Base(execPath)

	if opts.Verify {
		present, err := HasLoadDependency(execPath, LoadPath)
		if err != nil {
			return nil, err
		}
		if present {
			return nil, fmt.Errorf("%w: %s already loads %s", ErrAlreadyPatched, res.ExecutableName, LoadPath)
		}
	}

	log.WithField("binary", res.ExecutableName).Info("Inserting " + LibraryName)
	if err := registrar.RegisterLoadDependency(ctx, execPath, LoadPath); err != nil {
		return nil, err
	}

	if opts.Verify {
		present, err := HasLoadDependency(execPath, LoadPath)
		if err != nil {
			return nil, err
		}
		if !present {
			return nil, fmt.Errorf("%w: %s", ErrNotInjected, LoadPath)
		}
		if signed, err := SignedSlices(execPath); err != nil {
			return nil, err
		} else if len(signed) > 0 {
			log.WithField("slices", signed).Warn("Code signature was not stripped")
		}
	}

	outDir := opts.OutputDir
	if outDir == "" {
		outDir = "."
	}
	res.OutputPath = filepath.Join(outDir, OutputName(opts.IPAPath))
	if err := RepackageIPA(ws.Dir, res.OutputPath); err != nil {
		return nil, err
	}

	return res, nil
}
