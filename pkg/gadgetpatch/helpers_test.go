package gadgetpatch

import (
	"archive/zip"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"testing"
	"time"

	"go.mozilla.org/pkcs7"
	"howett.net/plist"
)

// writeIPA builds a ZIP archive at dir/name holding files (slash separated
// paths). Directory entries are added for every parent.
func writeIPA(t *testing.T, dir, name string, files map[string][]byte) string {
	t.Helper()

	ipaPath := filepath.Join(dir, name)
	f, err := os.Create(ipaPath)
	if err != nil {
		t.Fatalf("Failed to create IPA: %v", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)

	dirs := map[string]bool{}
	for _, n := range names {
		parts := strings.Split(n, "/")
		for i := 1; i < len(parts); i++ {
			d := strings.Join(parts[:i], "/") + "/"
			if !dirs[d] {
				dirs[d] = true
				if _, err := w.Create(d); err != nil {
					t.Fatalf("Failed to add %s: %v", d, err)
				}
			}
		}
		fw, err := w.Create(n)
		if err != nil {
			t.Fatalf("Failed to add %s: %v", n, err)
		}
		if _, err := fw.Write(files[n]); err != nil {
			t.Fatalf("Failed to write %s: %v", n, err)
		}
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Failed to finalize IPA: %v", err)
	}
	return ipaPath
}

// infoPlist returns an XML Info.plist declaring executable
func infoPlist(t *testing.T, executable string) []byte {
	t.Helper()
	data, err := plist.MarshalIndent(map[string]interface{}{
		"CFBundleExecutable": executable,
		"CFBundleIdentifier": "com.example." + strings.ToLower(executable),
	}, plist.XMLFormat, "\t")
	if err != nil {
		t.Fatalf("Failed to marshal Info.plist: %v", err)
	}
	return data
}

// demoIPA writes App.ipa with a single Demo.app bundle
func demoIPA(t *testing.T, dir string) string {
	t.Helper()
	return writeIPA(t, dir, "App.ipa", map[string][]byte{
		"Payload/Demo.app/Info.plist": infoPlist(t, "Demo"),
		"Payload/Demo.app/Demo":       []byte("not really a Mach-O"),
		"Payload/Demo.app/Assets.car": []byte("assets"),
	})
}

// readZipEntries returns the file entries of a ZIP archive by name
func readZipEntries(t *testing.T, path string) map[string][]byte {
	t.Helper()
	r, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("Failed to open %s: %v", path, err)
	}
	defer r.Close()

	entries := map[string][]byte{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			t.Fatalf("Failed to open entry %s: %v", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			t.Fatalf("Failed to read entry %s: %v", f.Name, err)
		}
		entries[f.Name] = data
	}
	return entries
}

func fileChecksum(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", path, err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// fakeHelper writes a shell script standing in for insert_dylib. It records
// its arguments (one per line) and stdin next to itself and exits with code.
type fakeHelper struct {
	Path      string
	ArgsFile  string
	StdinFile string
}

func newFakeHelper(t *testing.T, code int) *fakeHelper {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake helper needs a POSIX shell")
	}

	dir := t.TempDir()
	h := &fakeHelper{
		Path:      filepath.Join(dir, HelperName),
		ArgsFile:  filepath.Join(dir, "args"),
		StdinFile: filepath.Join(dir, "stdin"),
	}
	script := fmt.Sprintf("#!/bin/sh\nprintf '%%s\\n' \"$@\" > '%s'\ncat > '%s'\nexit %d\n", h.ArgsFile, h.StdinFile, code)
	if err := os.WriteFile(h.Path, []byte(script), 0755); err != nil {
		t.Fatalf("Failed to write fake helper: %v", err)
	}
	return h
}

func (h *fakeHelper) args(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(h.ArgsFile)
	if err != nil {
		t.Fatalf("Helper was not invoked: %v", err)
	}
	return strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
}

func (h *fakeHelper) stdin(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(h.StdinFile)
	if err != nil {
		t.Fatalf("Helper stdin not recorded: %v", err)
	}
	return string(data)
}

// isolateTempDir points os.TempDir at a fresh directory and returns it, so
// tests can check that nothing is left behind
func isolateTempDir(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("TMPDIR is not honored on windows")
	}
	dir := t.TempDir()
	t.Setenv("TMPDIR", dir)
	return dir
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("Failed to read %s: %v", dir, err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("Expected %s to be empty, found %v", dir, names)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte, mode os.FileMode) {
	t.Helper()
	if err := os.WriteFile(path, data, mode); err != nil {
		t.Fatalf("WriteFile %s failed: %v", path, err)
	}
}

func mustMkdirAll(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(path, mode); err != nil {
		t.Fatalf("MkdirAll %s failed: %v", path, err)
	}
}

// Mach-O constants used by machOFixture
const (
	fixtureMagic64        = 0xfeedfacf
	fixtureCPUArm64       = 0x0100000c
	fixtureExecute        = 0x2
	fixtureLoadDylib      = 0xc
	fixtureCodeSignature  = 0x1d
	fixtureSuperBlobMagic = 0xfade0cc0
)

// machOFixture builds a thin arm64 executable holding one LC_LOAD_DYLIB per
// entry of dylibs and, when signed is set, an LC_CODE_SIGNATURE pointing at
// an empty code signature super blob.
func machOFixture(dylibs []string, signed bool) []byte {
	le := binary.LittleEndian

	var cmds []byte
	for _, name := range dylibs {
		size := (24 + len(name) + 1 + 7) &^ 7
		cmd := make([]byte, size)
		le.PutUint32(cmd[0:], fixtureLoadDylib)
		le.PutUint32(cmd[4:], uint32(size))
		le.PutUint32(cmd[8:], 24) // name offset
		le.PutUint32(cmd[12:], 2) // timestamp
		le.PutUint32(cmd[16:], 0x10000)
		le.PutUint32(cmd[20:], 0x10000)
		copy(cmd[24:], name)
		cmds = append(cmds, cmd...)
	}

	ncmds := len(dylibs)
	sizeofcmds := len(cmds)
	if signed {
		ncmds++
		sizeofcmds += 16
	}

	header := make([]byte, 32)
	le.PutUint32(header[0:], fixtureMagic64)
	le.PutUint32(header[4:], fixtureCPUArm64)
	le.PutUint32(header[12:], fixtureExecute)
	le.PutUint32(header[16:], uint32(ncmds))
	le.PutUint32(header[20:], uint32(sizeofcmds))

	out := append(header, cmds...)
	if signed {
		blobOffset := uint32(len(header) + sizeofcmds)
		cs := make([]byte, 16)
		le.PutUint32(cs[0:], fixtureCodeSignature)
		le.PutUint32(cs[4:], 16)
		le.PutUint32(cs[8:], blobOffset)
		le.PutUint32(cs[12:], 12)
		out = append(out, cs...)

		// code signature blobs are big endian
		blob := make([]byte, 12)
		binary.BigEndian.PutUint32(blob[0:], fixtureSuperBlobMagic)
		binary.BigEndian.PutUint32(blob[4:], 12)
		out = append(out, blob...)
	}
	return out
}

// signedProfile returns a .mobileprovision style CMS container signed by a
// throwaway self-signed certificate
func signedProfile(t *testing.T, payload map[string]interface{}) []byte {
	t.Helper()

	content, err := plist.Marshal(payload, plist.XMLFormat)
	if err != nil {
		t.Fatalf("Failed to marshal profile plist: %v", err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "iPhone Distribution: Example"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}

	signedData, err := pkcs7.NewSignedData(content)
	if err != nil {
		t.Fatalf("Failed to create signed data: %v", err)
	}
	if err := signedData.AddSigner(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		t.Fatalf("Failed to add signer: %v", err)
	}
	data, err := signedData.Finish()
	if err != nil {
		t.Fatalf("Failed to finish signed data: %v", err)
	}
	return data
}
