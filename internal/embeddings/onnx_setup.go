//go:build cgo

package embeddings

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultONNXRuntimeVersion must track the onnxruntime_go version pulled in by fastembed-go.
const DefaultONNXRuntimeVersion = "1.23.0"

// ErrUnsupportedPlatform indicates the current OS/arch has no ONNX release.
var ErrUnsupportedPlatform = errors.New("unsupported platform")

var platformArchMap = map[string]map[string]string{
	"linux":  {"amd64": "linux-x64", "arm64": "linux-aarch64"},
	"darwin": {"amd64": "osx-x86_64", "arm64": "osx-arm64"},
}

var libraryNames = map[string]string{
	"linux":  "libonnxruntime.so",
	"darwin": "libonnxruntime.dylib",
}

const onnxReleaseURLTemplate = "https://github.com/microsoft/onnxruntime/releases/download/v%s/onnxruntime-%s-%s.tgz"

func getPlatformArchive(goos, goarch string) (string, error) {
	if arch, ok := platformArchMap[goos][goarch]; ok {
		return arch, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrUnsupportedPlatform, goos, goarch)
}

func getLibraryName(goos string) string {
	if name, ok := libraryNames[goos]; ok {
		return name
	}
	return "libonnxruntime.so"
}

func buildDownloadURL(version, platform string) string {
	return fmt.Sprintf(onnxReleaseURLTemplate, version, platform, version)
}

// defaultONNXInstallDir is ~/.config/patternd/lib.
func defaultONNXInstallDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "patternd", "lib")
}

// onnxLibraryPath returns ONNX_PATH if set, otherwise the library inside
// installDir if it exists, otherwise "".
func onnxLibraryPath(installDir string) string {
	if envPath := os.Getenv("ONNX_PATH"); envPath != "" {
		return envPath
	}
	managed := filepath.Join(installDir, getLibraryName(runtime.GOOS))
	if _, err := os.Stat(managed); err == nil {
		return managed
	}
	return ""
}

// EnsureONNXRuntime makes the ONNX runtime available for FastEmbed, downloading
// it into installDir (default ~/.config/patternd/lib) when missing, and points
// ONNX_PATH at it. Returns the library path.
func EnsureONNXRuntime(ctx context.Context, installDir string) (string, error) {
	if installDir == "" {
		installDir = defaultONNXInstallDir()
	}
	if path := onnxLibraryPath(installDir); path != "" {
		return path, os.Setenv("ONNX_PATH", path)
	}

	if err := downloadONNXRuntime(ctx, DefaultONNXRuntimeVersion, installDir); err != nil {
		return "", fmt.Errorf("download ONNX runtime v%s for %s/%s (set ONNX_PATH to use an existing install): %w",
			DefaultONNXRuntimeVersion, runtime.GOOS, runtime.GOARCH, err)
	}
	path := onnxLibraryPath(installDir)
	if path == "" {
		return "", fmt.Errorf("ONNX runtime downloaded but library not found in %s", installDir)
	}
	return path, os.Setenv("ONNX_PATH", path)
}

func downloadONNXRuntime(ctx context.Context, version, destDir string) error {
	platform, err := getPlatformArchive(runtime.GOOS, runtime.GOARCH)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(destDir, 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, buildDownloadURL(version, platform), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status %d", resp.StatusCode)
	}
	return extractTarGz(resp.Body, destDir, version, platform)
}

// extractTarGz extracts the lib/ directory of the release tarball into destDir,
// keeping symlinks.
func extractTarGz(r io.Reader, destDir, version, platform string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	prefix := fmt.Sprintf("onnxruntime-%s-%s/lib/", platform, version)
	libName := getLibraryName(runtime.GOOS)
	found := false

	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar: %w", err)
		}

		name := strings.TrimPrefix(header.Name, "./")
		if !strings.HasPrefix(name, prefix) || header.Typeflag == tar.TypeDir {
			continue
		}
		filename := filepath.Base(name)
		dest := filepath.Join(destDir, filename)

		if header.Typeflag == tar.TypeSymlink {
			os.Remove(dest)
			if err := os.Symlink(header.Linkname, dest); err == nil && filename == libName {
				found = true
			}
			continue
		}

		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("creating file %s: %w", filename, err)
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("writing file %s: %w", filename, err)
		}
		out.Close()

		if filename == libName || strings.HasPrefix(filename, libName+".") {
			found = true
		}
	}

	if !found {
		return fmt.Errorf("library %s not found in archive", libName)
	}
	return nil
}
