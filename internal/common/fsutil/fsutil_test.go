package fsutil

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestExpandHome(t *testing.T) {
	// Set a deterministic HOME for the duration of this test so we never skip.
	origHome, hadHome := os.LookupEnv("HOME")
	origUserProfile, hadUserProfile := os.LookupEnv("USERPROFILE")
	t.Cleanup(func() {
		if hadHome {
			_ = os.Setenv("HOME", origHome)
		} else {
			_ = os.Unsetenv("HOME")
		}
		if hadUserProfile {
			_ = os.Setenv("USERPROFILE", origUserProfile)
		} else {
			_ = os.Unsetenv("USERPROFILE")
		}
	})

	home := t.TempDir()
	// Configure both env vars for cross-platform behavior of os.UserHomeDir.
	_ = os.Setenv("HOME", home)
	if runtime.GOOS == "windows" {
		_ = os.Setenv("USERPROFILE", home)
	}
	// raw path unaffected
	if got, err := ExpandHome("/tmp"); err != nil || got != "/tmp" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// empty path
	if got, err := ExpandHome(""); err != nil || got != "" {
		t.Fatalf("got %q err=%v", got, err)
	}
	// ~ expansion
	p, err := ExpandHome("~")
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if p != home {
		t.Fatalf("expected %q, got %q", home, p)
	}
	// ~/subdir
	sub := "test-sub"
	exp, err := ExpandHome("~/" + sub)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if runtime.GOOS == "windows" {
		if filepath.Base(exp) != sub {
			t.Fatalf("unexpected expanded path: %q", exp)
		}
	} else {
		expected := filepath.Join(home, sub)
		if exp != expected {
			t.Fatalf("expected %q, got %q", expected, exp)
		}
	}
}

func TestIsPathEscaped(t *testing.T) {
	cases := map[string]bool{
		"/opt/libs/node.so":       false,
		"/opt/libs/../etc/passwd": true,
		"../node.so":              true,
		"/opt/libs/..":            true,
		"..":                      true,
		"/opt/libs/a..b.so":       false,
	}
	for in, want := range cases {
		if got := IsPathEscaped(in); got != want {
			t.Fatalf("IsPathEscaped(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsFullPath(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix paths only")
	}
	cases := map[string]bool{
		"/opt/libs/node.so":   true,
		"opt/libs/node.so":    false,
		"/opt//libs/node.so":  false,
		"/opt/libs/./node.so": false,
		"/opt/libs/":          false,
	}
	for in, want := range cases {
		if got := IsFullPath(in); got != want {
			t.Fatalf("IsFullPath(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFindFiles_FiltersByExtension(t *testing.T) {
	dir := t.TempDir()
	for _, f := range []string{"b.gguf", "a.GGUF", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.gguf"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	got, err := FindFiles(dir, ".gguf")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files, got %v", got)
	}
	if filepath.Base(got[0]) != "a.GGUF" || filepath.Base(got[1]) != "b.gguf" {
		t.Fatalf("unexpected order: %v", got)
	}
}

func TestFindFiles_MissingDir(t *testing.T) {
	if _, err := FindFiles(filepath.Join(t.TempDir(), "nope"), ".gguf"); err == nil {
		t.Fatalf("expected error for missing dir")
	}
}
