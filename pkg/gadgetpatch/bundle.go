package gadgetpatch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"howett.net/plist"
)

const (
	// FrameworksDir is the bundle subdirectory the library is stored in
	FrameworksDir = "Frameworks"
	// LibraryName is the file name the library gets inside FrameworksDir
	LibraryName = "FridaGadget.dylib"
	// LoadPath is the load command path registered in the main executable
	LoadPath = "@executable_path/" + FrameworksDir + "/" + LibraryName
)

// InfoPlist holds the Info.plist keys the patcher reads
type InfoPlist struct {
	CFBundleExecutable string `plist:"CFBundleExecutable"`
	CFBundleIdentifier string `plist:"CFBundleIdentifier"`
}

// ReadInfoPlist parses the Info.plist of an app bundle
func ReadInfoPlist(appPath string) (*InfoPlist, error) {
	f, err := os.Open(filepath.Join(appPath, "Info.plist"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifest, err)
	}
	defer f.Close()

	var info InfoPlist
	if err := plist.NewDecoder(f).Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: failed to parse plist: %v", ErrManifest, err)
	}
	return &info, nil
}

// GetAppExecutableName reads the executable name from an app's Info.plist
func GetAppExecutableName(appPath string) (string, error) {
	info, err := ReadInfoPlist(appPath)
	if err != nil {
		return "", err
	}
	name := info.CFBundleExecutable
	if name == "" {
		return "", fmt.Errorf("%w: CFBundleExecutable not found", ErrManifest)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: invalid CFBundleExecutable %q", ErrManifest, name)
	}
	return name, nil
}

// ExecutablePath resolves the main executable declared by the bundle manifest
func ExecutablePath(appPath string) (string, error) {
	name, err := GetAppExecutableName(appPath)
	if err != nil {
		return "", err
	}
	execPath := filepath.Join(appPath, name)
	if _, err := os.Stat(execPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("main executable %s not found in bundle", name)
		}
		return "", err
	}
	return execPath, nil
}

// InstallLibrary copies the library into the bundle's Frameworks directory,
// creating it when needed, and returns the installed path.
func InstallLibrary(appPath, libraryPath string) (string, error) {
	frameworksDir := filepath.Join(appPath, FrameworksDir)
	if err := os.MkdirAll(frameworksDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create %s directory: %w", FrameworksDir, err)
	}

	dst := filepath.Join(frameworksDir, LibraryName)
	if err := copyFile(libraryPath, dst, 0755); err != nil {
		return "", fmt.Errorf("failed to copy %s: %w", LibraryName, err)
	}
	return dst, nil
}

// copyFile copies a single file from src to dst with the given mode using streaming I/O
func copyFile(src, dst string, mode os.FileMode) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		dstFile.Close()
		return err
	}
	return dstFile.Close()
}
