// Package archive implements the submission archive's structural
// validation contract (spec.md §6) and its extraction, ahead of the
// Compiler Worker driving the Compile profile. Archives are zstd-
// compressed tars (see DESIGN.md for why this codec was chosen over
// zip): klauspost/compress/zstd is already a dependency for the
// test-case data-pack path, and no third-party zip-reading library
// appears anywhere in the example pack.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// CompileScript and RunScript are the conventional root-level entry
// points the structural contract requires.
const (
	CompileScript = "compile.sh"
	RunScript     = "run.sh"
)

// MaxCompressionRatio is the uncompressed/compressed bound the contract
// rejects at or above, per spec.md §6 ("≥5 is rejected as a zip bomb").
const MaxCompressionRatio = 5.0

// Validated is the result of a successful structural check: the cleaned
// names of every regular-file entry, at any depth, plus the uncompressed
// and compressed sizes the ratio check used.
type Validated struct {
	Entries        []string
	UncompressedSz int64
	CompressedSz   int64
}

// Validate reads archivePath (without extracting) and checks it against
// the structural contract: a compile script and a run script at root, no
// symlinks, no absolute or parent-escaping paths, total archive size
// within maxBytes, and an uncompressed/compressed ratio below
// MaxCompressionRatio. Returns a descriptive error on the first
// violation found; the Compiler maps any error here to compilation_error.
func Validate(archivePath string, maxBytes int64) (Validated, error) {
	info, err := os.Stat(archivePath)
	if err != nil {
		return Validated{}, fmt.Errorf("stat archive: %w", err)
	}
	if info.Size() > maxBytes {
		return Validated{}, fmt.Errorf("archive exceeds size cap: %d > %d bytes", info.Size(), maxBytes)
	}

	file, err := os.Open(archivePath)
	if err != nil {
		return Validated{}, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return Validated{}, fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	var uncompressed int64
	seenCompile, seenRun := false, false
	var hasSource bool
	var entries []string

	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Validated{}, fmt.Errorf("read tar entry: %w", err)
		}
		name := hdr.Name
		if name == "" || name == "." {
			continue
		}
		if err := validateEntryPath(name); err != nil {
			return Validated{}, err
		}
		if hdr.Typeflag == tar.TypeSymlink || hdr.Typeflag == tar.TypeLink {
			return Validated{}, fmt.Errorf("archive entry %q is a symlink", name)
		}
		uncompressed += hdr.Size
		if hdr.Typeflag == tar.TypeReg {
			clean := filepath.Clean(name)
			entries = append(entries, clean)
			switch clean {
			case CompileScript:
				seenCompile = true
			case RunScript:
				seenRun = true
			default:
				if isRootLevel(clean) {
					hasSource = true
				}
			}
		}
		// Reading isn't bounded here beyond the compressed-size cap
		// already enforced by the outer file size check; the ratio
		// check below uses the archive file's on-disk size.
	}

	compressed := info.Size()
	if compressed > 0 {
		ratio := float64(uncompressed) / float64(compressed)
		if ratio >= MaxCompressionRatio {
			return Validated{}, fmt.Errorf("archive compression ratio %.2f exceeds bound %.2f", ratio, MaxCompressionRatio)
		}
	}
	if !seenCompile {
		return Validated{}, fmt.Errorf("archive missing %s at root", CompileScript)
	}
	if !seenRun {
		return Validated{}, fmt.Errorf("archive missing %s at root", RunScript)
	}
	if !hasSource {
		return Validated{}, fmt.Errorf("archive contains no source files")
	}

	return Validated{Entries: entries, UncompressedSz: uncompressed, CompressedSz: compressed}, nil
}

// Extract unpacks archivePath into destDir, which must already exist.
// Paths have already been validated by Validate; this still refuses to
// write outside destDir as a defense-in-depth backstop.
func Extract(archivePath, destDir string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return fmt.Errorf("open zstd stream: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	cleanDest := filepath.Clean(destDir)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar entry: %w", err)
		}
		if hdr.Name == "" || hdr.Name == "." {
			continue
		}
		if err := validateEntryPath(hdr.Name); err != nil {
			return err
		}
		target := filepath.Join(destDir, filepath.Clean(hdr.Name))
		if !strings.HasPrefix(target, cleanDest+string(filepath.Separator)) {
			return fmt.Errorf("tar entry escapes destination: %s", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create dir: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent dir: %w", err)
			}
			mode := fs.FileMode(hdr.Mode)
			if mode == 0 {
				mode = 0644
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("write file: %w", err)
			}
			out.Close()
		default:
			// skip device/fifo/other entry types
		}
	}
	return nil
}

func validateEntryPath(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("archive entry %q has an absolute path", name)
	}
	clean := filepath.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("archive entry %q escapes the archive root", name)
	}
	return nil
}

func isRootLevel(clean string) bool {
	return !strings.Contains(clean, string(filepath.Separator))
}
