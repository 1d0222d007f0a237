package testutil

import (
	"bytes"
	"go/format"
	"go/parser"
	"go/token"
	"os"
	"testing"
)

// AssertPackageDoc fails the test unless path parses as Go source and
// carries a package doc comment.
func AssertPackageDoc(t *testing.T, path string) {
	t.Helper()

	f, err := parser.ParseFile(token.NewFileSet(), path, nil, parser.ParseComments)
	if err != nil {
		t.Fatalf("parse %s: %v", path, err)
	}
	if f.Doc == nil || f.Doc.Text() == "" {
		t.Fatalf("%s has no package doc comment", path)
	}
}

// AssertFormatted fails the test for every file in paths whose contents
// differ from gofmt output.
func AssertFormatted(t *testing.T, paths ...string) {
	t.Helper()

	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		formatted, err := format.Source(src)
		if err != nil {
			t.Errorf("format %s: %v", path, err)
			continue
		}
		if !bytes.Equal(src, formatted) {
			t.Errorf("%s is not gofmt-formatted", path)
		}
	}
}
