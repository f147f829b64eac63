package copilot

import (
	"archive/zip"
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"pkt.systems/pslog"
)

// serverVersionRaw pins the language server release this client build was
// tested against.
//
//go:embed language-server-version
var serverVersionRaw string

const (
	serverReleaseURL = "https://github.com/github/copilot-language-server-release/releases/download/%s/%s"
	serverBinaryName = "copilot-language-server"
)

// serverArchives maps platform-arch keys to release archive name templates.
// These five pairs are the only published builds.
var serverArchives = map[string]string{
	"linux-x64":    "copilot-language-server-linux-x64-%s.zip",
	"linux-arm64":  "copilot-language-server-linux-arm64-%s.zip",
	"darwin-x64":   "copilot-language-server-darwin-x64-%s.zip",
	"darwin-arm64": "copilot-language-server-darwin-arm64-%s.zip",
	"win32-x64":    "copilot-language-server-win32-x64-%s.zip",
}

// Fetcher retrieves a release archive. Production uses HTTP; tests inject
// in-memory archives.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type httpFetcher struct {
	client *http.Client
}

func (f *httpFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	return io.ReadAll(resp.Body)
}

// VersionManager resolves the pinned server version and performs idempotent
// installs into version-qualified directories.
//
// A version directory is immutable once populated: upgrading installs a new
// directory and removes old ones, never mutating in place. The archive is
// extracted into a staging directory and atomically renamed into its final
// path, so a crashed install never leaves a half-written binary where
// NeedsInstall would find it.
type VersionManager struct {
	storageRoot string
	pluginName  string
	fetcher     Fetcher
	log         pslog.Logger

	installMu sync.Mutex

	versionOnce sync.Once
	version     string
}

// NewVersionManager creates a version manager from client options.
func NewVersionManager(opts *Options) *VersionManager {
	return &VersionManager{
		storageRoot: opts.StorageRoot,
		pluginName:  opts.PluginName,
		fetcher:     &httpFetcher{client: opts.httpClient()},
		log:         opts.logger().With("component", "install"),
	}
}

// NewVersionManagerWithFetcher creates a version manager with a custom
// archive fetcher. Primarily for testing.
func NewVersionManagerWithFetcher(opts *Options, fetcher Fetcher) *VersionManager {
	m := NewVersionManager(opts)
	m.fetcher = fetcher
	return m
}

// Version returns the pinned server version from the bundled release
// metadata. Read once, cached for the process lifetime.
func (m *VersionManager) Version() string {
	m.versionOnce.Do(func() {
		m.version = strings.TrimSpace(serverVersionRaw)
	})
	return m.version
}

// DownloadURL renders the release URL for a platform/arch pair. Platform is
// one of "linux", "darwin", "win32"; arch is "x64" or "arm64".
func (m *VersionManager) DownloadURL(platform, arch string) (string, error) {
	tmpl, ok := serverArchives[platform+"-"+arch]
	if !ok {
		return "", &ErrUnsupportedPlatform{Platform: platform, Arch: arch}
	}
	version := m.Version()
	return fmt.Sprintf(serverReleaseURL, version, fmt.Sprintf(tmpl, version)), nil
}

// serverDir is the version-qualified install directory.
func (m *VersionManager) serverDir() string {
	return filepath.Join(m.storageRoot, m.pluginName, "v"+m.Version())
}

// BinaryPath is where the installed server binary lives.
func (m *VersionManager) BinaryPath() string {
	name := serverBinaryName
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(m.serverDir(), name)
}

// NeedsInstall reports whether the pinned version's binary is missing.
func (m *VersionManager) NeedsInstall() bool {
	_, err := os.Stat(m.BinaryPath())
	return err != nil
}

// Install downloads and installs the pinned server version. A no-op when
// the binary is already present. Old version directories are removed; the
// new one becomes visible only after a successful extract.
//
// Concurrent calls serialize on an install mutex.
func (m *VersionManager) Install(ctx context.Context) error {
	m.installMu.Lock()
	defer m.installMu.Unlock()

	if !m.NeedsInstall() {
		m.log.Debug("server already installed", "version", m.Version())
		return nil
	}

	platform, arch, err := hostPlatformArch()
	if err != nil {
		return &ErrInstallFailed{Stage: "resolve", Cause: err}
	}

	url, err := m.DownloadURL(platform, arch)
	if err != nil {
		return &ErrInstallFailed{Stage: "resolve", Cause: err}
	}

	pluginDir := filepath.Join(m.storageRoot, m.pluginName)
	if err := os.MkdirAll(pluginDir, 0o755); err != nil {
		return &ErrInstallFailed{Stage: "download", Cause: err}
	}

	// Old versions are never kept side by side.
	m.removeOldVersions(pluginDir)

	m.log.Info("downloading language server", "version", m.Version(), "url", url)
	archive, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		return &ErrInstallFailed{Stage: "download", Cause: err}
	}

	staging, err := os.MkdirTemp(pluginDir, ".staging-")
	if err != nil {
		return &ErrInstallFailed{Stage: "extract", Cause: err}
	}
	defer os.RemoveAll(staging)

	if err := extractZip(archive, staging); err != nil {
		return &ErrInstallFailed{Stage: "extract", Cause: err}
	}

	binName := serverBinaryName
	if runtime.GOOS == "windows" {
		binName += ".exe"
	}
	stagedBin := filepath.Join(staging, binName)
	if _, err := os.Stat(stagedBin); err != nil {
		return &ErrInstallFailed{
			Stage: "extract",
			Cause: fmt.Errorf("archive contains no %s: %w", binName, err),
		}
	}
	if err := os.Chmod(stagedBin, 0o755); err != nil {
		return &ErrInstallFailed{Stage: "extract", Cause: err}
	}

	if err := os.Rename(staging, m.serverDir()); err != nil {
		return &ErrInstallFailed{Stage: "commit", Cause: err}
	}

	m.log.Info("language server installed", "version", m.Version(), "path", m.BinaryPath())
	return nil
}

// removeOldVersions deletes prior version directories under the plugin dir.
func (m *VersionManager) removeOldVersions(pluginDir string) {
	entries, err := os.ReadDir(pluginDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "v") {
			continue
		}
		path := filepath.Join(pluginDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("failed to remove old version", "path", path, "err", err)
		}
	}
}

// extractZip writes an in-memory archive under dst, rejecting entries that
// would escape it.
func extractZip(archive []byte, dst string) error {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return err
	}

	for _, file := range reader.File {
		name := filepath.Clean(file.Name)
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes destination: %s", file.Name)
		}
		target := filepath.Join(dst, name)

		if file.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		src, err := file.Open()
		if err != nil {
			return err
		}

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, file.Mode().Perm()|0o600)
		if err != nil {
			src.Close()
			return err
		}

		_, err = io.Copy(out, src)
		src.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// hostPlatformArch maps the Go runtime identifiers onto release keys.
func hostPlatformArch() (string, string, error) {
	var platform string
	switch runtime.GOOS {
	case "linux":
		platform = "linux"
	case "darwin":
		platform = "darwin"
	case "windows":
		platform = "win32"
	default:
		return "", "", &ErrUnsupportedPlatform{Platform: runtime.GOOS, Arch: runtime.GOARCH}
	}

	var arch string
	switch runtime.GOARCH {
	case "amd64":
		arch = "x64"
	case "arm64":
		arch = "arm64"
	default:
		return "", "", &ErrUnsupportedPlatform{Platform: runtime.GOOS, Arch: runtime.GOARCH}
	}

	if _, ok := serverArchives[platform+"-"+arch]; !ok {
		return "", "", &ErrUnsupportedPlatform{Platform: platform, Arch: arch}
	}

	return platform, arch, nil
}
