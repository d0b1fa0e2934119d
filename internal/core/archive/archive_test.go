package archive

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

type tarEntry struct {
	name string
	body string
	link string // non-empty makes this a symlink entry
}

func buildArchive(t *testing.T, dir, filename string, entries []tarEntry) string {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("new zstd writer: %v", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		if e.link != "" {
			hdr := &tar.Header{Name: e.name, Typeflag: tar.TypeSymlink, Linkname: e.link}
			if err := tw.WriteHeader(hdr); err != nil {
				t.Fatalf("write symlink header: %v", err)
			}
			continue
		}
		hdr := &tar.Header{Name: e.name, Typeflag: tar.TypeReg, Size: int64(len(e.body)), Mode: 0644}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("write body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar writer: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zstd writer: %v", err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatalf("write archive file: %v", err)
	}
	return path
}

func validSubmission() []tarEntry {
	return []tarEntry{
		{name: CompileScript, body: "#!/bin/sh\ng++ -O2 -o main main.cpp\n"},
		{name: RunScript, body: "#!/bin/sh\nexec ./main\n"},
		{name: "main.cpp", body: "int main(){return 0;}\n"},
	}
}

func TestValidateAccepts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := buildArchive(t, dir, "ok.tar.zst", validSubmission())

	validated, err := Validate(path, 64<<20)
	if err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if len(validated.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %v", len(validated.Entries), validated.Entries)
	}
}

func TestValidateRejectsMissingCompileScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := buildArchive(t, dir, "no-compile.tar.zst", []tarEntry{
		{name: RunScript, body: "#!/bin/sh\nexec ./main\n"},
		{name: "main.cpp", body: "int main(){return 0;}\n"},
	})

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive missing compile.sh")
	}
}

func TestValidateRejectsMissingRunScript(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := buildArchive(t, dir, "no-run.tar.zst", []tarEntry{
		{name: CompileScript, body: "#!/bin/sh\ng++ -O2 -o main main.cpp\n"},
		{name: "main.cpp", body: "int main(){return 0;}\n"},
	})

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive missing run.sh")
	}
}

func TestValidateRejectsNoSourceFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := buildArchive(t, dir, "no-source.tar.zst", []tarEntry{
		{name: CompileScript, body: "#!/bin/sh\n"},
		{name: RunScript, body: "#!/bin/sh\n"},
	})

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive with no source file")
	}
}

func TestValidateRejectsSymlink(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entries := validSubmission()
	entries = append(entries, tarEntry{name: "evil", link: "/etc/passwd"})
	path := buildArchive(t, dir, "symlink.tar.zst", entries)

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive containing a symlink")
	}
}

func TestValidateRejectsPathEscape(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entries := validSubmission()
	entries = append(entries, tarEntry{name: "../escape.txt", body: "x"})
	path := buildArchive(t, dir, "escape.tar.zst", entries)

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive entry escaping the archive root")
	}
}

func TestValidateRejectsAbsolutePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entries := validSubmission()
	entries = append(entries, tarEntry{name: "/etc/evil.txt", body: "x"})
	path := buildArchive(t, dir, "abs.tar.zst", entries)

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive entry with an absolute path")
	}
}

func TestValidateRejectsOversizeArchive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := buildArchive(t, dir, "big.tar.zst", validSubmission())

	if _, err := Validate(path, 4); err == nil {
		t.Fatal("expected error for archive exceeding the size cap")
	}
}

func TestValidateRejectsCompressionBomb(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	entries := validSubmission()
	entries = append(entries, tarEntry{name: "filler.txt", body: string(bytes.Repeat([]byte("a"), 1<<20))})
	path := buildArchive(t, dir, "bomb.tar.zst", entries)

	if _, err := Validate(path, 64<<20); err == nil {
		t.Fatal("expected error for archive whose compression ratio exceeds the bound")
	}
}

func TestExtractWritesFiles(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	path := buildArchive(t, srcDir, "ok.tar.zst", validSubmission())

	destDir := t.TempDir()
	if err := Extract(path, destDir); err != nil {
		t.Fatalf("Extract returned error: %v", err)
	}
	for _, name := range []string{CompileScript, RunScript, "main.cpp"} {
		if _, err := os.Stat(filepath.Join(destDir, name)); err != nil {
			t.Errorf("expected extracted file %s: %v", name, err)
		}
	}
}

func TestExtractRefusesPathEscape(t *testing.T) {
	t.Parallel()
	srcDir := t.TempDir()
	entries := validSubmission()
	entries = append(entries, tarEntry{name: "../escape.txt", body: "x"})
	path := buildArchive(t, srcDir, "escape.tar.zst", entries)

	destDir := t.TempDir()
	if err := Extract(path, destDir); err == nil {
		t.Fatal("expected Extract to refuse a path-escaping entry")
	}
}
