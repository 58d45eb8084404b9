package gadgetpatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-version"
	"github.com/mholt/archiver/v3"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

const (
	// DefaultLatestURL redirects to the tag page of the latest Frida release
	DefaultLatestURL = "https://github.com/frida/frida/releases/latest"
	// DefaultDownloadURLTemplate is expanded by replacing VersionPlaceholder
	DefaultDownloadURLTemplate = "https://github.com/frida/frida/releases/download/{VERSION}/frida-gadget-{VERSION}-ios-universal.dylib.xz"
	VersionPlaceholder         = "{VERSION}"
)

// Downloader fetches the iOS Frida Gadget from GitHub releases
type Downloader struct {
	Client      *http.Client
	LatestURL   string
	URLTemplate string
	// Progress renders a progress bar on stderr while downloading
	Progress bool
}

// NewDownloader returns a Downloader for the official Frida releases
func NewDownloader() *Downloader {
	return &Downloader{
		Client:      http.DefaultClient,
		LatestURL:   DefaultLatestURL,
		URLTemplate: DefaultDownloadURLTemplate,
	}
}

func (d *Downloader) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}
	return http.DefaultClient
}

// LatestVersion follows the latest release redirect and returns the tag
// found in the last path segment of the final URL
func (d *Downloader) LatestVersion(ctx context.Context) (string, error) {
	latestURL := d.LatestURL
	if latestURL == "" {
		latestURL = DefaultLatestURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, latestURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to resolve latest release: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s (%s)", ErrDownloadStatus, resp.Status, latestURL)
	}

	tag := path.Base(strings.TrimSuffix(resp.Request.URL.Path, "/"))
	if _, err := version.NewVersion(tag); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, tag)
	}

	log.WithField("version", tag).Info("Resolved latest Frida release")
	return tag, nil
}

// DownloadURL expands the download template for the given release tag
func (d *Downloader) DownloadURL(tag string) string {
	tmpl := d.URLTemplate
	if tmpl == "" {
		tmpl = DefaultDownloadURLTemplate
	}
	return strings.ReplaceAll(tmpl, VersionPlaceholder, tag)
}

// Download fetches the XZ-compressed gadget for tag and decompresses it
// into a new temporary file owned by the caller
func (d *Downloader) Download(ctx context.Context, tag string) (*Library, error) {
	url := d.DownloadURL(tag)
	log.WithField("url", url).Info("Downloading Frida Gadget")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download gadget: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s", ErrDownloadStatus, resp.Status)
	}

	data, err := d.readBody(ctx, resp, path.Base(url))
	if err != nil {
		return nil, fmt.Errorf("failed to download gadget: %w", err)
	}
	log.WithField("size", humanize.Bytes(uint64(len(data)))).Debug("Downloaded compressed gadget")

	out, err := os.CreateTemp("", "frida-gadget-*"+TempLibrarySuffix)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	if err := archiver.NewXz().Decompress(bytes.NewReader(data), out); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to decompress gadget: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to write gadget: %w", err)
	}

	if fi, err := os.Stat(out.Name()); err == nil {
		log.WithFields(log.Fields{
			"path": out.Name(),
			"size": humanize.Bytes(uint64(fi.Size())),
		}).Info("Decompressed Frida Gadget")
	}

	return &Library{Path: out.Name(), Temporary: true, Version: tag}, nil
}

func (d *Downloader) readBody(ctx context.Context, resp *http.Response, name string) ([]byte, error) {
	if !d.Progress || resp.ContentLength <= 0 {
		return io.ReadAll(resp.Body)
	}

	p := mpb.NewWithContext(ctx, mpb.WithWidth(60), mpb.WithOutput(os.Stderr))
	bar := p.AddBar(resp.ContentLength,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DindentRight}),
			decor.CountersKibiByte("% .2f / % .2f"),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
	)
	body := bar.ProxyReader(resp.Body)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		bar.Abort(true)
	} else {
		bar.SetTotal(-1, true)
	}
	p.Wait()
	return data, err
}
