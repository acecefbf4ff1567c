package scraper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	path := filepath.Join("testdata", name)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return data
}

func requireKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError %s, got %v", want, err)
	}
	if fe.Kind != want {
		t.Fatalf("expected kind %s, got %s (%v)", want, fe.Kind, err)
	}
}
