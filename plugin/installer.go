package plugin

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Installer places external plugin bundles into the host's plugin
// directory, either from the remote market or from a local bundle.
// Installing does not load: the lifecycle manager picks the bundle up via
// Load or the directory watcher.
type Installer struct {
	market     *Market
	installDir string
}

// NewInstaller creates an installer writing into installDir.
func NewInstaller(market *Market, installDir string) *Installer {
	return &Installer{market: market, installDir: installDir}
}

// InstallDir returns the configured plugin installation directory.
func (i *Installer) InstallDir() string { return i.installDir }

// IsInstalled reports whether a bundle directory with a manifest exists for
// id.
func (i *Installer) IsInstalled(id string) bool {
	_, err := os.Stat(filepath.Join(i.installDir, id, ManifestFile))
	return err == nil
}

// Install downloads a plugin bundle from the market and extracts it into
// the install directory. Already-installed plugins are left untouched.
func (i *Installer) Install(ctx context.Context, id, version string) (retErr error) {
	if i.IsInstalled(id) {
		return nil
	}
	if i.market == nil {
		return fmt.Errorf("no plugin market configured")
	}

	bundleDir, err := i.bundlePath(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(bundleDir, 0750); err != nil {
		return fmt.Errorf("create bundle dir: %w", err)
	}
	defer func() {
		if retErr != nil {
			os.RemoveAll(bundleDir)
		}
	}()

	reader, err := i.market.Download(ctx, id, version)
	if err != nil {
		return err
	}
	defer reader.Close()

	archivePath := filepath.Join(bundleDir, fmt.Sprintf("%s-%s.tar.gz", id, version))
	f, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	if _, err := io.Copy(f, reader); err != nil {
		f.Close()
		return fmt.Errorf("save archive: %w", err)
	}
	f.Close()

	if err := extractTarGz(archivePath, bundleDir); err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}
	os.Remove(archivePath)

	// The extracted manifest must validate and agree on the id.
	man, err := LoadManifest(filepath.Join(bundleDir, ManifestFile))
	if err != nil {
		return err
	}
	if man.ID != id {
		return fmt.Errorf("%w: bundle manifest declares %q, expected %q", ErrManifestInvalid, man.ID, id)
	}
	return nil
}

// InstallFromBundle copies a local bundle directory (for sideloading or
// development) into the install directory.
func (i *Installer) InstallFromBundle(bundlePath string) error {
	man, err := LoadManifest(filepath.Join(bundlePath, ManifestFile))
	if err != nil {
		return err
	}
	destDir, err := i.bundlePath(man.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(destDir); err == nil {
		return fmt.Errorf("%w: plugin %q already installed", ErrManifestConflict, man.ID)
	}
	if err := copyDir(bundlePath, destDir); err != nil {
		os.RemoveAll(destDir)
		return fmt.Errorf("copy bundle: %w", err)
	}
	return nil
}

// Uninstall removes a plugin's bundle directory. The caller must Unload
// first; the installer only touches the filesystem.
func (i *Installer) Uninstall(id string) error {
	bundleDir, err := i.bundlePath(id)
	if err != nil {
		return err
	}
	return os.RemoveAll(bundleDir)
}

// bundlePath resolves a plugin id to its bundle directory, rejecting ids
// that would escape the install root.
func (i *Installer) bundlePath(id string) (string, error) {
	absInstall, err := filepath.Abs(i.installDir)
	if err != nil {
		return "", fmt.Errorf("resolve install directory: %w", err)
	}
	bundle := filepath.Join(absInstall, id)
	if !strings.HasPrefix(bundle, absInstall+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: invalid plugin id %q", ErrManifestInvalid, id)
	}
	return bundle, nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		destPath := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(destPath, 0750)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(destPath, data, info.Mode())
	})
}

// extractTarGz extracts a .tar.gz archive into destDir, rejecting entries
// that would land outside it.
func extractTarGz(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gzr, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gzr.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return fmt.Errorf("resolve dest dir: %w", err)
	}

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target := filepath.Join(absDest, header.Name)
		absTarget, err := filepath.Abs(target)
		if err != nil {
			return fmt.Errorf("resolve target path: %w", err)
		}
		if !strings.HasPrefix(absTarget, absDest+string(os.PathSeparator)) && absTarget != absDest {
			return fmt.Errorf("archive entry %q escapes destination directory", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(absTarget, 0750); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(absTarget), 0750); err != nil {
				return err
			}
			out, err := os.Create(absTarget)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
	return nil
}
