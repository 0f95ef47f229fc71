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

package snapshot

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "flake.nix"), []byte("{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "run.sh"), []byte("#!/bin/sh\n"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".gitignore"), []byte("ignored.txt\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "ignored.txt"), []byte("skip me"), 0o644))
	return root
}

func TestBuildIsDeterministic(t *testing.T) {
	root := writeTree(t)
	scratch := t.TempDir()

	snap1, err := Build(context.Background(), Options{RootDir: root, ScratchDir: scratch})
	require.NoError(t, err)
	defer os.Remove(snap1.Path)

	// Re-touch mtimes to simulate a fresh checkout; the archive must still
	// be byte-identical because mtimes are normalized to epoch.
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "flake.nix"), future, future))

	snap2, err := Build(context.Background(), Options{RootDir: root, ScratchDir: scratch})
	require.NoError(t, err)
	defer os.Remove(snap2.Path)

	assert.Equal(t, snap1.Digest, snap2.Digest)
	assert.Equal(t, snap1.Length, snap2.Length)

	b1, err := os.ReadFile(snap1.Path)
	require.NoError(t, err)
	b2, err := os.ReadFile(snap2.Path)
	require.NoError(t, err)
	assert.Equal(t, b1, b2)
}

func TestBuildExcludesGitAndIgnoreFile(t *testing.T) {
	root := writeTree(t)
	snap, err := Build(context.Background(), Options{RootDir: root, ScratchDir: t.TempDir()})
	require.NoError(t, err)
	defer os.Remove(snap.Path)

	names := tarNames(t, snap.Path)
	topLevel := filepath.Base(root)
	assert.Contains(t, names, topLevel+"/flake.nix")
	assert.Contains(t, names, topLevel+"/sub/")
	assert.Contains(t, names, topLevel+"/sub/a.txt")
	assert.NotContains(t, names, topLevel+"/.git/HEAD")
	assert.NotContains(t, names, topLevel+"/ignored.txt")
}

func TestBuildPreservesExecutableBit(t *testing.T) {
	root := writeTree(t)
	snap, err := Build(context.Background(), Options{RootDir: root, ScratchDir: t.TempDir()})
	require.NoError(t, err)
	defer os.Remove(snap.Path)

	f, err := os.Open(snap.Path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	topLevel := filepath.Base(root)
	found := false
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Name == topLevel+"/run.sh" {
			found = true
			assert.NotZero(t, hdr.Mode&0o111)
			assert.Equal(t, 0, hdr.Uid)
			assert.Equal(t, "root", hdr.Uname)
			assert.True(t, hdr.ModTime.IsZero() || hdr.ModTime.Unix() == 0)
		}
	}
	assert.True(t, found)
}

func TestBuildSizeCap(t *testing.T) {
	root := writeTree(t)
	_, err := Build(context.Background(), Options{RootDir: root, ScratchDir: t.TempDir(), SizeCapBytes: 1})
	require.Error(t, err)
}

func TestBuildSizeCapWaived(t *testing.T) {
	root := writeTree(t)
	snap, err := Build(context.Background(), Options{RootDir: root, ScratchDir: t.TempDir(), SizeCapBytes: 1, WaiveSizeCap: true})
	require.NoError(t, err)
	os.Remove(snap.Path)
}

func tarNames(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, hdr.Name)
	}
	return names
}
