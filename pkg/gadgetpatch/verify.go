package gadgetpatch

import (
	"errors"
	"fmt"

	"github.com/blacktop/go-macho"
)

// forEachSlice calls fn for every architecture slice of the Mach-O at path
func forEachSlice(path string, fn func(m *macho.File) error) error {
	fat, err := macho.OpenFat(path)
	if err == nil {
		defer fat.Close()
		for _, arch := range fat.Arches {
			if err := fn(arch.File); err != nil {
				return err
			}
		}
		return nil
	}
	if !errors.Is(err, macho.ErrNotFat) {
		return fmt.Errorf("failed to open MachO file: %w", err)
	}

	m, err := macho.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open MachO file: %w", err)
	}
	defer m.Close()
	return fn(m)
}

// ImportedLibraries returns the dylib load commands of every slice of the
// Mach-O at path, keyed by CPU name
func ImportedLibraries(path string) (map[string][]string, error) {
	libs := make(map[string][]string)
	err := forEachSlice(path, func(m *macho.File) error {
		libs[m.CPU.String()] = m.ImportedLibraries()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return libs, nil
}

// SignedSlices returns the CPU names of the slices that still carry an
// LC_CODE_SIGNATURE load command
func SignedSlices(path string) ([]string, error) {
	var signed []string
	err := forEachSlice(path, func(m *macho.File) error {
		for _, load := range m.Loads {
			if _, ok := load.(*macho.CodeSignature); ok {
				signed = append(signed, m.CPU.String())
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return signed, nil
}

// HasLoadDependency reports whether every slice of the Mach-O at path
// loads loadPath
func HasLoadDependency(path, loadPath string) (bool, error) {
	slices, err := ImportedLibraries(path)
	if err != nil {
		return false, err
	}
	if len(slices) == 0 {
		return false, nil
	}
	for _, imported := range slices {
		if !contains(imported, loadPath) {
			return false, nil
		}
	}
	return true, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
