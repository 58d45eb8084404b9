package gadgetpatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/apex/log"
)

// HelperName is the binary name of the load command patching helper
const HelperName = "insert_dylib"

// HelperMode selects how the insert_dylib helper is located
type HelperMode int

const (
	// HelperBundled uses the copy next to the tool, compiling it on first use
	HelperBundled HelperMode = iota
	// HelperSystem searches $PATH
	HelperSystem
	// HelperExplicit uses a caller supplied path
	HelperExplicit
)

func (m HelperMode) String() string {
	switch m {
	case HelperBundled:
		return "bundled"
	case HelperSystem:
		return "system"
	case HelperExplicit:
		return "explicit"
	}
	return fmt.Sprintf("HelperMode(%d)", int(m))
}

// hostOS is swapped in tests
var hostOS = runtime.GOOS

// HelperOptions configures ResolveHelper
type HelperOptions struct {
	Mode HelperMode
	// Path is the helper binary for HelperExplicit
	Path string
	// Dir holds the bundled helper and its insert_dylib_source tree.
	// Defaults to the directory of the running executable.
	Dir string
	// Compiler defaults to $CC, then gcc
	Compiler string
}

// Validate rejects option combinations that select more than one mode
func (o HelperOptions) Validate() error {
	switch o.Mode {
	case HelperBundled, HelperSystem:
		if o.Path != "" {
			return fmt.Errorf("%w: helper path given with %s helper mode", ErrConflictingOptions, o.Mode)
		}
	case HelperExplicit:
		if o.Path == "" {
			return fmt.Errorf("%w: explicit helper mode requires a path", ErrConflictingOptions)
		}
	default:
		return fmt.Errorf("%w: unknown helper mode %d", ErrConflictingOptions, int(o.Mode))
	}
	return nil
}

// ResolveHelper returns a path to an executable insert_dylib
func ResolveHelper(ctx context.Context, opts HelperOptions) (string, error) {
	if err := opts.Validate(); err != nil {
		return "", err
	}

	switch opts.Mode {
	case HelperSystem:
		p, err := exec.LookPath(HelperName)
		if err != nil {
			return "", fmt.Errorf("%w in $PATH", ErrHelperNotFound)
		}
		return p, nil

	case HelperExplicit:
		if _, err := os.Stat(opts.Path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("%w: %s does not exist", ErrHelperNotFound, opts.Path)
			}
			return "", err
		}
		return opts.Path, nil
	}

	if hostOS != "darwin" && hostOS != "linux" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedOS, hostOS)
	}

	dir := opts.Dir
	if dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("failed to locate executable directory: %w", err)
		}
		dir = filepath.Dir(exe)
	}

	binPath := filepath.Join(dir, HelperName)
	if _, err := os.Stat(binPath); err == nil {
		return binPath, nil
	}

	if err := compileHelper(ctx, opts.Compiler, dir, binPath); err != nil {
		return "", err
	}
	return binPath, nil
}

// HelperSourcePath returns the bundled insert_dylib source for goos
func HelperSourcePath(dir, goos string) string {
	return filepath.Join(dir, HelperName+"_source", goos, "main.c")
}

// compileArgs builds the compiler command line; linux builds need the
// bundled Mach-O headers on the include path
func compileArgs(goos, src, out string) []string {
	if goos == "linux" {
		return []string{src, "-I", filepath.Join(filepath.Dir(src), "include"), "-o", out}
	}
	return []string{src, "-o", out}
}

func compileHelper(ctx context.Context, compiler, dir, out string) error {
	if compiler == "" {
		compiler = os.Getenv("CC")
	}
	if compiler == "" {
		compiler = "gcc"
	}
	cc, err := exec.LookPath(compiler)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrCompilerNotFound, compiler)
	}

	src := HelperSourcePath(dir, hostOS)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("%w: source %s: %v", ErrHelperCompile, src, err)
	}

	log.WithFields(log.Fields{
		"compiler": cc,
		"source":   src,
	}).Info("Compiling insert_dylib")

	output, err := exec.CommandContext(ctx, cc, compileArgs(hostOS, src, out)...).CombinedOutput()
	if err != nil {
		log.Debugf("%s output:\n%s", compiler, output)
		return fmt.Errorf("%w: %v", ErrHelperCompile, err)
	}
	return nil
}
