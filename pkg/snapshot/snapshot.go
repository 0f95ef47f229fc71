/*
Copyright 2023 The FlakeHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package snapshot builds a deterministic, content-addressed gzipped
// tarball of a flake's source tree.
package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gogitignore "github.com/go-git/go-git/v5/plumbing/format/gitignore"
	"github.com/sirupsen/logrus"

	"github.com/flakehub/flakehub-push-core/pkg/release"
	"github.com/flakehub/flakehub-push-core/pkg/rerror"
)

// forgeControlDir is excluded unconditionally; both supported forges keep
// their control metadata under .git.
const forgeControlDir = ".git"

// DefaultSizeCapBytes is the size cap enforced on the compressed tarball
// unless the waive flag is set.
const DefaultSizeCapBytes int64 = 256 * 1024 * 1024

// Options configures a single Build call.
type Options struct {
	// RootDir is the working-tree root.
	RootDir string
	// FlakeSubdir is the sub-flake location within RootDir, or "" for
	// RootDir itself.
	FlakeSubdir string
	// ScratchDir is the directory the temp tarball is created in; it is
	// owned by the caller (the orchestrator's scoped temp area).
	ScratchDir string
	// SizeCapBytes overrides DefaultSizeCapBytes when non-zero.
	SizeCapBytes int64
	// WaiveSizeCap corresponds to the my-flake-is-too-big option.
	WaiveSizeCap bool
	// NoGitignore disables reading the .gitignore file at the top of the
	// walked directory.
	NoGitignore bool
	// ExtraIgnorePatterns are additional gitignore-syntax patterns to
	// apply on top of the .gitignore at the top of the walked directory.
	// .gitignore files in subdirectories are not read.
	ExtraIgnorePatterns []string
}

// flakeDir returns the directory actually walked, and the top-level name
// every tar entry is rooted under: the basename of FlakeSubdir, or of
// RootDir when no subdirectory is set.
func (o Options) flakeDir() (dir, topLevelName string) {
	if o.FlakeSubdir == "" {
		return o.RootDir, filepath.Base(filepath.Clean(o.RootDir))
	}
	full := filepath.Join(o.RootDir, o.FlakeSubdir)
	return full, filepath.Base(filepath.Clean(o.FlakeSubdir))
}

// Build walks Options.RootDir/FlakeSubdir, applies the source filter
// rules, and streams a deterministic gzipped tarball through a tee that
// simultaneously writes the temp file, hashes it, and counts its bytes.
// A given source tree always produces byte-identical archives.
func Build(ctx context.Context, opts Options) (*release.Snapshot, error) {
	walkRoot, topLevelName := opts.flakeDir()
	walkRoot = filepath.Clean(walkRoot)

	if _, err := os.Stat(walkRoot); err != nil {
		return nil, rerror.Wrapf(err, rerror.SnapshotIO, "statting flake directory %s", walkRoot)
	}

	matcher, err := buildIgnoreMatcher(walkRoot, opts)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.SnapshotIO, "building ignore pattern matcher")
	}

	entries, err := collectEntries(walkRoot, matcher)
	if err != nil {
		return nil, rerror.Wrap(err, rerror.SnapshotIO, "walking source tree")
	}

	tmp, err := os.CreateTemp(opts.ScratchDir, "flake-snapshot-*.tar.gz")
	if err != nil {
		return nil, rerror.Wrap(err, rerror.SnapshotIO, "creating scratch tarball file")
	}
	tmpPath := tmp.Name()

	digest, length, writeErr := writeTarball(ctx, tmp, walkRoot, topLevelName, entries)
	closeErr := tmp.Close()
	if writeErr != nil {
		os.Remove(tmpPath)
		return nil, rerror.Wrap(writeErr, rerror.SnapshotIO, "streaming source tarball")
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return nil, rerror.Wrap(closeErr, rerror.SnapshotIO, "closing scratch tarball file")
	}

	cap := opts.SizeCapBytes
	if cap == 0 {
		cap = DefaultSizeCapBytes
	}
	if length > cap && !opts.WaiveSizeCap {
		os.Remove(tmpPath)
		return nil, rerror.Newf(rerror.SourceTooLarge, "source tarball is %d bytes, exceeding the %d byte cap", length, cap)
	}

	logrus.Infof("built source snapshot: %s (%d bytes, sha256 %s)", tmpPath, length, digest)

	return &release.Snapshot{
		Path:         tmpPath,
		Length:       length,
		Digest:       digest,
		TopLevelName: topLevelName,
	}, nil
}

// entry is a single file-or-symlink destined for the tarball.
type entry struct {
	relPath string // path relative to walkRoot, using forward slashes
	absPath string
	info    os.FileInfo
}

func buildIgnoreMatcher(walkRoot string, opts Options) (gogitignore.Matcher, error) {
	var patterns []gogitignore.Pattern
	for _, p := range opts.ExtraIgnorePatterns {
		patterns = append(patterns, gogitignore.ParsePattern(p, nil))
	}
	if !opts.NoGitignore {
		gitignorePath := filepath.Join(walkRoot, ".gitignore")
		if data, err := os.ReadFile(gitignorePath); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				line = strings.TrimRight(line, "\r")
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				patterns = append(patterns, gogitignore.ParsePattern(line, nil))
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	return gogitignore.NewMatcher(patterns), nil
}

func collectEntries(walkRoot string, matcher gogitignore.Matcher) ([]entry, error) {
	var entries []entry
	err := filepath.Walk(walkRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == walkRoot {
			return nil
		}
		rel, err := filepath.Rel(walkRoot, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		segments := strings.Split(rel, "/")

		if segments[0] == forgeControlDir {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if matcher.Match(segments, info.IsDir()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		entries = append(entries, entry{relPath: rel, absPath: path, info: info})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].relPath < entries[j].relPath })
	return entries, nil
}

func writeTarball(ctx context.Context, dst io.Writer, walkRoot, topLevelName string, entries []entry) (digest string, length int64, err error) {
	hasher := sha256.New()
	counter := &byteCounter{}
	mw := io.MultiWriter(dst, hasher, counter)

	gzw := gzip.NewWriter(mw)
	tw := tar.NewWriter(gzw)

	for _, e := range entries {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		if err := writeEntry(tw, walkRoot, topLevelName, e); err != nil {
			return "", 0, err
		}
	}

	if err := tw.Close(); err != nil {
		return "", 0, err
	}
	if err := gzw.Close(); err != nil {
		return "", 0, err
	}

	return base64.StdEncoding.EncodeToString(hasher.Sum(nil)), counter.n, nil
}

func writeEntry(tw *tar.Writer, walkRoot, topLevelName string, e entry) error {
	name := topLevelName + "/" + e.relPath

	if e.info.IsDir() {
		// Directory headers precede their children because entries are
		// sorted by path and a directory's path is a strict prefix of its
		// children's paths.
		hdr := &tar.Header{
			Typeflag: tar.TypeDir,
			Name:     name + "/",
			Mode:     int64(e.info.Mode().Perm()),
			ModTime:  epoch,
			Uid:      0,
			Gid:      0,
			Uname:    "root",
			Gname:    "root",
		}
		return tw.WriteHeader(hdr)
	}

	lstat, err := os.Lstat(e.absPath)
	if err != nil {
		return err
	}

	if lstat.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(e.absPath)
		if err != nil {
			return err
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeSymlink,
			Name:     name,
			Linkname: target,
			Mode:     int64(lstat.Mode().Perm()),
			ModTime:  epoch,
			Uid:      0,
			Gid:      0,
			Uname:    "root",
			Gname:    "root",
		}
		return tw.WriteHeader(hdr)
	}

	hdr, err := tar.FileInfoHeader(e.info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.ModTime = epoch
	hdr.AccessTime = epoch
	hdr.ChangeTime = epoch
	hdr.Uid = 0
	hdr.Gid = 0
	hdr.Uname = "root"
	hdr.Gname = "root"
	hdr.Mode = int64(e.info.Mode().Perm())

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	f, err := os.Open(e.absPath)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

var epoch = epochTime()

type byteCounter struct{ n int64 }

func (c *byteCounter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
