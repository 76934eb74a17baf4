package install

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"edgecli/internal/pkgindex"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type entry struct {
	name string
	body string
	link string
	dir  bool
}

func makeTar(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o755}
		switch {
		case e.dir:
			hdr.Typeflag = tar.TypeDir
		case e.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = e.link
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func makeTarZst(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write(makeTar(t, entries))
	require.NoError(t, err)
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

var serverPackage = []entry{
	{name: "edgedb-server-1.3/", dir: true},
	{name: "edgedb-server-1.3/bin/edgedb-server", body: "#!/bin/sh\n"},
	{name: "edgedb-server-1.3/share/version", body: "1.3"},
	{name: "edgedb-server-1.3/bin/edgedb", link: "edgedb-server"},
}

func serve(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func release(version, ref, sha string) pkgindex.Release {
	return pkgindex.Release{
		Package: pkgindex.Package{Version: version, Revision: "r1", InstallRef: ref, SHA256: sha},
		Parsed:  pkgindex.MustParseVersion(version),
	}
}

func TestInstall_UnpacksAndIsIdempotent(t *testing.T) {
	archive := makeTarZst(t, serverPackage)
	srv, hits := serve(t, archive)

	inst := New(t.TempDir(), "")
	idx := &pkgindex.Index{BaseURL: srv.URL + "/index/linux.json"}
	rel := release("1.3", "../archive/edgedb-server-1.3.tar.zst", sum(archive))

	ctx := context.Background()
	in, err := inst.Install(ctx, idx, rel, false)
	require.NoError(t, err)
	assert.Equal(t, "1", in.Slot)
	assert.Equal(t, inst.Dir("1"), in.Dir)

	data, err := os.ReadFile(filepath.Join(in.Dir, "share", "version"))
	require.NoError(t, err)
	assert.Equal(t, "1.3", string(data))
	assert.FileExists(t, in.ServerBinary())
	link, err := os.Readlink(filepath.Join(in.Dir, "bin", "edgedb"))
	require.NoError(t, err)
	assert.Equal(t, "edgedb-server", link)

	_, err = inst.Install(ctx, idx, rel, false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())

	_, err = inst.Install(ctx, idx, rel, true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())

	got, err := inst.Installed("1")
	require.NoError(t, err)
	assert.Equal(t, "1.3", got.Version)
	v, err := got.Parsed()
	require.NoError(t, err)
	assert.Equal(t, 3, v.Minor)

	list, err := inst.List()
	require.NoError(t, err)
	require.Len(t, list, 1)

	entries, err := os.ReadDir(filepath.Join(filepath.Dir(inst.Dir("1"))))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging directories are cleaned up")

	require.NoError(t, inst.Uninstall("1"))
	_, err = inst.Installed("1")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestInstall_ChecksumMismatch(t *testing.T) {
	archive := makeTarZst(t, serverPackage)
	srv, _ := serve(t, archive)

	inst := New(t.TempDir(), "")
	idx := &pkgindex.Index{BaseURL: srv.URL + "/"}
	_, err := inst.Install(context.Background(), idx, release("1.3", "pkg.tar.zst", sum([]byte("other"))), false)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	_, err = inst.Installed("1")
	assert.ErrorIs(t, err, ErrNotInstalled)
}

func TestInstall_PlainTar(t *testing.T) {
	archive := makeTar(t, []entry{{name: "bin/edgedb-server", body: "x"}})
	srv, _ := serve(t, archive)

	inst := New(t.TempDir(), t.TempDir())
	idx := &pkgindex.Index{BaseURL: srv.URL + "/"}
	in, err := inst.Install(context.Background(), idx, release("2.0-dev.10", "nightly.tar", ""), false)
	require.NoError(t, err)
	assert.Equal(t, "2-dev", in.Slot)
	assert.FileExists(t, in.ServerBinary())
}

func TestExtract_RejectsEscapingPaths(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{"parent", []entry{{name: "../evil", body: "x"}}},
		{"nested parent", []entry{{name: "a/../../evil", body: "x"}}},
		{"absolute symlink", []entry{{name: "link", link: "/etc/passwd"}}},
		{"escaping symlink", []entry{{name: "a/link", link: "../../outside"}}},
		{"chained symlinks", []entry{
			{name: "s", link: "."},
			{name: "t", link: "s/.."},
			{name: "t/evil", body: "x"},
		}},
		{"write through symlinked dir", []entry{
			{name: "lib", link: "."},
			{name: "lib/evil", body: "x"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), "out")
			err := Extract(bytes.NewReader(makeTarZst(t, tt.entries)), "x.tar.zst", dest)
			assert.ErrorIs(t, err, ErrUnsafePath)
			_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil"))
			assert.True(t, os.IsNotExist(statErr))
		})
	}
}

func TestExtract_ReplacesSymlinkWithFile(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "out")
	entries := []entry{
		{name: "s", link: "."},
		{name: "t", link: "s/../evil"},
		{name: "t", body: "inside"},
	}
	require.NoError(t, Extract(bytes.NewReader(makeTar(t, entries)), "x.tar", dest))

	_, err := os.Stat(filepath.Join(filepath.Dir(dest), "evil"))
	assert.True(t, os.IsNotExist(err))
	fi, err := os.Lstat(filepath.Join(dest, "t"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	data, err := os.ReadFile(filepath.Join(dest, "t"))
	require.NoError(t, err)
	assert.Equal(t, "inside", string(data))
}

func TestExtract_BadZstd(t *testing.T) {
	err := Extract(bytes.NewReader([]byte("not compressed")), "x.tar.zst", t.TempDir())
	assert.ErrorContains(t, err, "not a zstd stream")
}
