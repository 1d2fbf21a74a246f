package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestDownloadModels_SkipsExisting(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.dat"), []byte("model"), 0644); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request for %s", r.URL.Path)
	}))
	defer srv.Close()

	n, err := downloadModels(context.Background(), srv.Client(), dir, []dlibModel{{Name: "a.dat", URL: srv.URL + "/a.dat.bz2"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing downloaded, got %d", n)
	}
}

func TestDownloadModels_BadStatusLeavesNoFile(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := downloadModels(context.Background(), srv.Client(), dir, []dlibModel{{Name: "b.dat", URL: srv.URL + "/b.dat.bz2"}})
	if err == nil {
		t.Fatal("expected an error for a missing archive")
	}
	if _, err := os.Stat(filepath.Join(dir, "b.dat")); !os.IsNotExist(err) {
		t.Errorf("model file must not exist after a failed download, stat err = %v", err)
	}
}

func TestDownloadModels_CorruptArchive(t *testing.T) {
	dir := t.TempDir()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not bzip2"))
	}))
	defer srv.Close()

	_, err := downloadModels(context.Background(), srv.Client(), dir, []dlibModel{{Name: "c.dat", URL: srv.URL + "/c.dat.bz2"}})
	if err == nil {
		t.Fatal("expected a decompression error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("expected no leftovers, found %d file(s)", len(entries))
	}
}
