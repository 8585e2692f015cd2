package deposition

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const dirPerm = 0o750

// MoveStagedFiles moves every entry of stagedDir into destDir, creating
// destDir as needed. Rename is tried first; when staging and deposition
// directories live on different filesystems it falls back to copy and
// remove. Safe to re-run: an empty or missing staged directory is a no-op.
func MoveStagedFiles(stagedDir, destDir string) error {
	if stagedDir == "" {
		return nil
	}

	entries, err := os.ReadDir(stagedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to read staged dir %s: %w", stagedDir, err)
	}

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create deposition dir %s: %w", destDir, err)
	}

	for _, entry := range entries {
		src := filepath.Join(stagedDir, entry.Name())
		dst := filepath.Join(destDir, entry.Name())

		if err := os.Rename(src, dst); err != nil {
			if err := copyAndRemove(src, dst); err != nil {
				return fmt.Errorf("failed to move %s: %w", src, err)
			}
		}
	}

	return nil
}

func copyAndRemove(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	if info.IsDir() {
		if err := os.MkdirAll(dst, dirPerm); err != nil {
			return err
		}

		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}

		for _, entry := range entries {
			if err := copyAndRemove(filepath.Join(src, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return err
			}
		}

		return os.Remove(src)
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	if err := out.Close(); err != nil {
		return err
	}

	return os.Remove(src)
}
