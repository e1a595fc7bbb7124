// Package update self-updates the termlink binary from GitHub releases.
package update

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/termlink/termlink/internal/version"
)

const (
	latestReleaseURL  = "https://api.github.com/repos/termlink/termlink/releases/latest"
	binaryURLTemplate = "https://github.com/termlink/termlink/releases/download/v%s/termlink-%s-%s"
	checksumsTemplate = "https://github.com/termlink/termlink/releases/download/v%s/checksums.txt"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

// Update replaces the running binary with the latest release when one is
// newer than the current version.
func Update() error {
	current := version.Version
	if current == "dev" {
		return fmt.Errorf("cannot update dev builds, build from source instead")
	}
	if err := checkPlatform(); err != nil {
		return err
	}

	fmt.Printf("current version: %s\n", current)
	latest, available, err := CheckForUpdate()
	if err != nil {
		return fmt.Errorf("failed to check for updates: %w", err)
	}
	if !available {
		fmt.Println("Already up to date.")
		return nil
	}
	fmt.Printf("new version available: %s\n", latest)

	checksums, err := fetchChecksums(latest)
	if err != nil {
		return fmt.Errorf("failed to fetch checksums: %w", err)
	}
	if err := installBinary(latest, checksums); err != nil {
		return fmt.Errorf("failed to install update: %w", err)
	}

	fmt.Println("Updated successfully. Restart the daemon to use the new version.")
	return nil
}

// CheckForUpdate reports the latest released version and whether it is newer
// than the running one. Dev builds never report an update.
func CheckForUpdate() (string, bool, error) {
	current := version.Version
	if current == "dev" {
		return "", false, nil
	}

	latest, err := latestVersion()
	if err != nil {
		return "", false, err
	}

	vLatest, err := semver.NewVersion(latest)
	if err != nil {
		return latest, false, nil
	}
	vCurrent, err := semver.NewVersion(current)
	if err != nil {
		return latest, false, nil
	}
	return latest, vLatest.GreaterThan(vCurrent), nil
}

func checkPlatform() error {
	switch runtime.GOOS {
	case "darwin", "linux":
	default:
		return fmt.Errorf("unsupported operating system: %s", runtime.GOOS)
	}
	switch runtime.GOARCH {
	case "amd64", "arm64":
	default:
		return fmt.Errorf("unsupported architecture: %s/%s", runtime.GOOS, runtime.GOARCH)
	}
	return nil
}

func latestVersion() (string, error) {
	resp, err := httpClient.Get(latestReleaseURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch release info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("GitHub API rate limit exceeded, try again later")
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GitHub API returned %s", resp.Status)
	}

	var release struct {
		TagName string `json:"tag_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return "", fmt.Errorf("failed to parse release info: %w", err)
	}
	if release.TagName == "" {
		return "", fmt.Errorf("no release tag found")
	}
	return strings.TrimPrefix(release.TagName, "v"), nil
}

// fetchChecksums parses the release checksums.txt into filename -> sha256.
func fetchChecksums(ver string) (map[string]string, error) {
	resp, err := httpClient.Get(fmt.Sprintf(checksumsTemplate, ver))
	if err != nil {
		return nil, fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: %s", resp.Status)
	}

	checksums := make(map[string]string)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 {
			checksums[fields[len(fields)-1]] = fields[0]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse checksums: %w", err)
	}
	return checksums, nil
}

// installBinary downloads the platform binary, verifies its sha256 against
// the release manifest, and renames it over the running executable.
func installBinary(ver string, checksums map[string]string) error {
	name := fmt.Sprintf("termlink-%s-%s", runtime.GOOS, runtime.GOARCH)
	expected, ok := checksums[name]
	if !ok {
		return fmt.Errorf("no checksum published for %s", name)
	}

	fmt.Printf("downloading termlink v%s for %s/%s...\n", ver, runtime.GOOS, runtime.GOARCH)
	tmpFile, err := os.CreateTemp("", "termlink-update-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	resp, err := httpClient.Get(fmt.Sprintf(binaryURLTemplate, ver, runtime.GOOS, runtime.GOARCH))
	if err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		tmpFile.Close()
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, hasher), resp.Body); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to save download: %w", err)
	}
	tmpFile.Close()

	if actual := hex.EncodeToString(hasher.Sum(nil)); actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	fmt.Println("Checksum verified.")

	if err := os.Chmod(tmpPath, 0755); err != nil {
		return fmt.Errorf("failed to make executable: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to determine executable path: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("failed to resolve executable path: %w", err)
	}

	// Renaming over a running binary works on Unix; fall back to a copy when
	// the temp dir sits on a different filesystem.
	if err := os.Rename(tmpPath, execPath); err != nil {
		if err := copyFile(tmpPath, execPath); err != nil {
			return fmt.Errorf("failed to replace binary: %w", err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	return os.Chmod(dst, info.Mode())
}
