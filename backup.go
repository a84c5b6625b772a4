// Compressed journal snapshots.
//
// Backup copies a committed journal directory into a snapshot
// directory, compressing every file with zstd. Restore reverses it.
// The encoder runs at SpeedFastest: column files are large and mostly
// incompressible primitives, so encode throughput matters more than
// ratio. A shared encoder/decoder pair is allocated once because zstd
// construction cost would dominate the many small auxiliary files.
//
// Snapshots are offline artifacts: Backup must run against a journal
// with no active writer, typically from the reader side after a
// Refresh, and Restore targets an empty directory.
package strata

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const snapExt = ".zst"

var (
	snapEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	snapDecoder, _ = zstd.NewReader(nil)
)

// Backup snapshots the journal directory into dst, one zstd-compressed
// file per source file, preserving the partition layout. The writer
// lock file is skipped.
func Backup(journalDir, dst string) error {
	return filepath.Walk(journalDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return ioErr("walk", path, err)
		}
		rel, err := filepath.Rel(journalDir, path)
		if err != nil {
			return ioErr("walk", path, err)
		}
		if info.IsDir() {
			if err := os.MkdirAll(filepath.Join(dst, rel), 0755); err != nil {
				return ioErr("mkdir", rel, err)
			}
			return nil
		}
		if filepath.Base(path) == lockFile {
			return nil
		}
		return compressFile(path, filepath.Join(dst, rel)+snapExt)
	})
}

// Restore unpacks a snapshot produced by Backup into dst.
func Restore(snapshotDir, dst string) error {
	return filepath.Walk(snapshotDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return ioErr("walk", path, err)
		}
		rel, err := filepath.Rel(snapshotDir, path)
		if err != nil {
			return ioErr("walk", path, err)
		}
		if info.IsDir() {
			if err := os.MkdirAll(filepath.Join(dst, rel), 0755); err != nil {
				return ioErr("mkdir", rel, err)
			}
			return nil
		}
		if !strings.HasSuffix(rel, snapExt) {
			return nil
		}
		return decompressFile(path, filepath.Join(dst, strings.TrimSuffix(rel, snapExt)))
	})
}

func compressFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return ioErr("read", src, err)
	}
	out := snapEncoder.EncodeAll(data, nil)
	if err := os.WriteFile(dst, out, 0644); err != nil {
		return ioErr("write", dst, err)
	}
	return nil
}

func decompressFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return ioErr("read", src, err)
	}
	out, err := snapDecoder.DecodeAll(data, nil)
	if err != nil {
		return ioErr("decompress", src, err)
	}
	if err := os.WriteFile(dst, out, 0644); err != nil {
		return ioErr("write", dst, err)
	}
	return nil
}
