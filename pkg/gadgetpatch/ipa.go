package gadgetpatch

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// OutputPrefix is prepended to the input file name to name the patched IPA
const OutputPrefix = "PATCHED_"

// Workspace is the scratch directory an IPA is extracted into.
// It is owned by a single run and must be released with Cleanup.
type Workspace struct {
	Dir string
}

// Cleanup removes the scratch directory and everything below it
func (w *Workspace) Cleanup() error {
	if w == nil || w.Dir == "" {
		return nil
	}
	return os.RemoveAll(w.Dir)
}

// ExtractIPA extracts an IPA file into a fresh scratch directory.
// The archive itself is only read.
func ExtractIPA(ipaPath string) (*Workspace, error) {
	info, err := os.Stat(ipaPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIPANotFound, ipaPath)
		}
		return nil, fmt.Errorf("failed to stat IPA: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrBadIPA, ipaPath)
	}

	// Open the IPA (ZIP file) before reserving any scratch space
	r, err := zip.OpenReader(ipaPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIPA, err)
	}
	defer r.Close()

	tempDir, err := os.MkdirTemp("", "ipa-gadget-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}

	for _, f := range r.File {
		if err := extractZipFile(f, tempDir); err != nil {
			os.RemoveAll(tempDir)
			return nil, fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}

	return &Workspace{Dir: tempDir}, nil
}

func extractZipFile(f *zip.File, destDir string) error {
	// Sanitize the file path to prevent zip slip
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(destPath, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("invalid file path: %s", f.Name)
	}

	if f.FileInfo().IsDir() {
		return os.MkdirAll(destPath, 0755)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0644
	}
	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer destFile.Close()

	srcFile, err := f.Open()
	if err != nil {
		return err
	}
	defer srcFile.Close()

	_, err = io.Copy(destFile, srcFile)
	return err
}

// FindAppBundle returns the single .app bundle inside the Payload directory
// of an extracted IPA. Zero or several candidates are reported as errors.
func FindAppBundle(extractedDir string) (string, error) {
	payloadDir := filepath.Join(extractedDir, "Payload")

	entries, err := os.ReadDir(payloadDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoAppBundle
		}
		return "", fmt.Errorf("failed to read Payload directory: %w", err)
	}

	var found []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), ".app") {
			found = append(found, filepath.Join(payloadDir, entry.Name()))
		}
	}

	switch len(found) {
	case 0:
		return "", ErrNoAppBundle
	case 1:
		return found[0], nil
	default:
		names := make([]string, len(found))
		for i, p := range found {
			names[i] = filepath.Base(p)
		}
		return "", fmt.Errorf("%w: %s", ErrMultipleAppBundles, strings.Join(names, ", "))
	}
}

// OutputName derives the patched archive name from the input path
func OutputName(ipaPath string) string {
	return OutputPrefix + filepath.Base(ipaPath)
}

// RepackageIPA creates an IPA file from an extracted directory.
// A partially written output is removed on failure.
func RepackageIPA(extractedDir, outputPath string) (err error) {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := outFile.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			os.Remove(outputPath)
		}
	}()

	w := zip.NewWriter(outFile)

	err = filepath.Walk(extractedDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path == extractedDir {
			return nil
		}

		relPath, err := filepath.Rel(extractedDir, path)
		if err != nil {
			return err
		}

		// Use forward slashes for ZIP paths
		zipPath := filepath.ToSlash(relPath)

		if info.IsDir() {
			_, err := w.Create(zipPath + "/")
			return err
		}

		header, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		header.Name = zipPath
		header.Method = zip.Deflate

		writer, err := w.CreateHeader(header)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return err
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", outputPath, err)
	}
	return nil
}
