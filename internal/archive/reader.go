// Package archive reads DICOM files and zip archives of DICOM files,
// and splits archives that package heterogeneous series together.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom"

	"github.com/mrsinham/dicomimport/internal/header"
)

// rawDataStorageUID identifies the Raw Data Storage SOP class. Raw data
// files carry almost no metadata and make a poor representative for an
// archive.
const rawDataStorageUID = "1.2.840.10008.5.1.4.1.1.66"

// File is one member of an archive: where it was extracted to, its name
// inside the archive, and the outcome of decoding it.
type File struct {
	// Path is the location of the file on disk.
	Path string
	// RelPath is the member name inside the archive, or the base name
	// for bare inputs.
	RelPath string
	// Size in bytes. Zero-byte members are recorded but never decoded.
	Size int64
	// Dataset is nil when the file could not be decoded.
	Dataset *dicom.Dataset
	// Header is the normalized header, nil when decoding failed.
	Header header.Header
	// DecodeErr holds the decode failure, if any.
	DecodeErr error
	// Forced reports that the lenient retry was attempted.
	Forced bool
}

// Decoded reports whether the file produced a usable dataset.
func (f *File) Decoded() bool {
	return f.Dataset != nil
}

// Archive is an opened DICOM input: a zip extracted to a scratch
// directory, or a single bare file.
type Archive struct {
	// Path is the original input path.
	Path string
	// ExtractDir is the scratch directory holding extracted members.
	ExtractDir string
	// Files lists every member, decoded or not, in archive order.
	Files []*File
	// Representative is the file whose header stands in for the whole
	// archive.
	Representative *File

	scratch bool
}

// Close removes the scratch directory. Safe to call for bare inputs.
func (a *Archive) Close() error {
	if !a.scratch {
		return nil
	}
	return os.RemoveAll(a.ExtractDir)
}

// Decoded returns the members that produced a dataset.
func (a *Archive) Decoded() []*File {
	var out []*File
	for _, f := range a.Files {
		if f.Decoded() {
			out = append(out, f)
		}
	}
	return out
}

// Reader opens DICOM inputs and decodes every member.
type Reader struct {
	log       *slog.Logger
	extractor *header.Extractor
	force     bool
}

// NewReader returns a Reader. When force is set, files that fail the
// strict decode are retried leniently.
func NewReader(force bool, extractor *header.Extractor, log *slog.Logger) *Reader {
	if log == nil {
		log = slog.Default()
	}
	if extractor == nil {
		extractor = header.NewExtractor(header.WithLogger(log))
	}
	return &Reader{log: log, extractor: extractor, force: force}
}

// Open reads the input at path. Zip archives are extracted into a fresh
// scratch directory owned by the returned Archive; callers must Close
// it. A zero-byte input, an archive with no members, or an archive
// where nothing decodes is an error.
func (r *Reader) Open(path string) (*Archive, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s is a zero-byte file", filepath.Base(path))
	}

	a := &Archive{Path: path}
	zr, err := zip.OpenReader(path)
	if err == nil {
		defer zr.Close()
		if err := r.openZip(a, zr); err != nil {
			a.Close()
			return nil, err
		}
	} else {
		r.log.Info("input is not a zip, reading as a single file", "path", path)
		a.Files = []*File{r.readFile(path, filepath.Base(path), info.Size())}
	}

	if len(a.Files) == 0 {
		a.Close()
		return nil, fmt.Errorf("no files were found within archive %s", filepath.Base(path))
	}
	if a.Representative = selectRepresentative(a.Files, r.log); a.Representative == nil {
		a.Close()
		return nil, fmt.Errorf("failed to decode any DICOM file in %s", filepath.Base(path))
	}
	return a, nil
}

func (r *Reader) openZip(a *Archive, zr *zip.ReadCloser) error {
	dir, err := os.MkdirTemp("", "dicomimport-")
	if err != nil {
		return fmt.Errorf("creating scratch directory: %w", err)
	}
	a.ExtractDir = dir
	a.scratch = true

	for _, member := range zr.File {
		if member.FileInfo().IsDir() {
			continue
		}
		extracted, err := extractMember(member, dir)
		if err != nil {
			return fmt.Errorf("extracting %s: %w", member.Name, err)
		}
		a.Files = append(a.Files, r.readFile(extracted, member.Name, int64(member.UncompressedSize64)))
	}
	return nil
}

// readFile decodes one member. Zero-byte members are recorded without a
// decode attempt so the validator can report them as such rather than
// as parse failures.
func (r *Reader) readFile(path, relPath string, size int64) *File {
	f := &File{Path: path, RelPath: relPath, Size: size}
	if size == 0 {
		r.log.Warn("zero-byte archive member", "name", relPath)
		return f
	}

	ds, forced, err := r.decode(path)
	f.Forced = forced
	if err != nil {
		r.log.Error("failed to decode file", "name", relPath, "error", err)
		f.DecodeErr = err
		return f
	}
	f.Dataset = ds
	f.Header = r.extractor.Extract(ds)
	return f
}

func (r *Reader) decode(path string) (*dicom.Dataset, bool, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err == nil {
		return &ds, false, nil
	}
	if !r.force {
		return nil, false, err
	}
	r.log.Warn("strict decode failed, retrying leniently", "path", path, "error", err)
	ds, retryErr := dicom.ParseFile(path, nil,
		dicom.SkipPixelData(), dicom.AllowMissingMetaElementGroupLength())
	if retryErr != nil {
		return nil, true, retryErr
	}
	return &ds, true, nil
}

// selectRepresentative picks the first decoded file that is not Raw
// Data Storage, falling back to the first decoded file of any class.
func selectRepresentative(files []*File, log *slog.Logger) *File {
	var fallback *File
	for _, f := range files {
		if !f.Decoded() {
			continue
		}
		if sopClassUID(f.Header) == rawDataStorageUID {
			log.Info("skipping Raw Data Storage file as representative", "name", f.RelPath)
			if fallback == nil {
				fallback = f
			}
			continue
		}
		return f
	}
	return fallback
}

func sopClassUID(h header.Header) string {
	s, _ := h["SOPClassUID"].(string)
	return s
}

func extractMember(member *zip.File, dir string) (string, error) {
	dest := filepath.Join(dir, filepath.Clean(member.Name))
	if !strings.HasPrefix(dest, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("member path %s escapes extraction directory", member.Name)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}

	src, err := member.Open()
	if err != nil {
		return "", err
	}
	defer src.Close()

	out, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return "", err
	}
	return dest, out.Close()
}
