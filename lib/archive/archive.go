// Copyright 2026 The Flotilla Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive captures agent directories as .tar.zst files before
// they are removed. Deleting an agent destroys its workspace; the
// archive is the operator's only way back to the data, so archiving
// happens before removal and a failed archive aborts the removal.
package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Create archives the directory rooted at sourceDir into destDir as
// <name>-<timestamp>.tar.zst and returns the archive path. Entries are
// stored relative to sourceDir. Symlinks are preserved as links; other
// special files are skipped.
func Create(sourceDir, destDir string, now time.Time) (string, error) {
	info, err := os.Stat(sourceDir)
	if err != nil {
		return "", fmt.Errorf("stat archive source: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("archive source %s is not a directory", sourceDir)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.tar.zst",
		filepath.Base(sourceDir), now.UTC().Format("20060102T150405Z"))
	archivePath := filepath.Join(destDir, name)

	file, err := os.OpenFile(archivePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", fmt.Errorf("creating archive file: %w", err)
	}

	if err := writeTarZst(file, sourceDir); err != nil {
		file.Close()
		os.Remove(archivePath)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("closing archive file: %w", err)
	}
	return archivePath, nil
}

func writeTarZst(w io.Writer, sourceDir string) error {
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("initializing zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		relative, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if relative == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("reading symlink %s: %w", path, err)
			}
		} else if !info.Mode().IsRegular() && !info.IsDir() {
			// Sockets, devices, pipes: nothing restorable to store.
			return nil
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("building tar header for %s: %w", path, err)
		}
		header.Name = filepath.ToSlash(relative)
		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", path, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		source, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		_, err = io.Copy(tw, source)
		source.Close()
		if err != nil {
			return fmt.Errorf("archiving %s: %w", path, err)
		}
		return nil
	})
	if walkErr != nil {
		tw.Close()
		zw.Close()
		return walkErr
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("finalizing tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalizing zstd stream: %w", err)
	}
	return nil
}

// Extract unpacks an archive produced by Create into destDir. Entry
// paths are confined to destDir; an entry that escapes is an error.
func Extract(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("initializing zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}

		target := filepath.Join(destDir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode)); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", target, err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("restoring symlink %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("restoring %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("closing %s: %w", target, err)
			}
		}
	}
}
