package archive

import (
	"archive/zip"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const mrImageStorageUID = "1.2.840.10008.5.1.4.1.1.4"

var uidCounter int

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// writeDICOM writes a minimal Explicit VR Little Endian file with the
// given extra elements and returns its path.
func writeDICOM(t *testing.T, dir, name, sopClassUID string, extra ...*dicom.Element) string {
	t.Helper()
	uidCounter++
	instanceUID := fmt.Sprintf("1.2.826.0.1.3680043.8.498.%d", uidCounter)

	elements := []*dicom.Element{
		mustNewElement(tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}),
		mustNewElement(tag.MediaStorageSOPClassUID, []string{sopClassUID}),
		mustNewElement(tag.MediaStorageSOPInstanceUID, []string{instanceUID}),
		mustNewElement(tag.SOPClassUID, []string{sopClassUID}),
		mustNewElement(tag.SOPInstanceUID, []string{instanceUID}),
	}
	elements = append(elements, extra...)

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, dicom.Write(f, dicom.Dataset{Elements: elements}))
	require.NoError(t, f.Close())
	return path
}

func writeZip(t *testing.T, zipPath string, paths ...string) string {
	t.Helper()
	out, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(out)
	for _, p := range paths {
		w, err := zw.Create(filepath.Base(p))
		require.NoError(t, err)
		data, err := os.ReadFile(p)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, out.Close())
	return zipPath
}

func zipMemberNames(t *testing.T, zipPath string) []string {
	t.Helper()
	zr, err := zip.OpenReader(zipPath)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestReader_ZeroByteInput(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.dcm")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	_, err := NewReader(false, nil, nil).Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zero-byte")
}

func TestReader_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeDICOM(t, dir, "scan.dcm", mrImageStorageUID,
		mustNewElement(tag.Modality, []string{"MR"}),
	)

	a, err := NewReader(false, nil, nil).Open(path)
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Files, 1)
	require.NotNil(t, a.Representative)
	assert.True(t, a.Representative.Decoded())
	assert.Equal(t, "MR", a.Representative.Header["Modality"])
	assert.Equal(t, "scan.dcm", a.Representative.RelPath)
}

func TestReader_Zip(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i := 0; i < 3; i++ {
		paths = append(paths, writeDICOM(t, dir, fmt.Sprintf("img%d.dcm", i), mrImageStorageUID,
			mustNewElement(tag.Modality, []string{"MR"}),
		))
	}
	empty := filepath.Join(dir, "empty.dcm")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))
	garbage := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(garbage, []byte("not a dicom"), 0o644))
	zipPath := writeZip(t, filepath.Join(dir, "study.zip"), append(paths, empty, garbage)...)

	a, err := NewReader(false, nil, nil).Open(zipPath)
	require.NoError(t, err)
	defer a.Close()

	require.Len(t, a.Files, 5)
	assert.Len(t, a.Decoded(), 3)
	require.NotNil(t, a.Representative)

	byName := map[string]*File{}
	for _, f := range a.Files {
		byName[f.RelPath] = f
	}
	require.Contains(t, byName, "empty.dcm")
	assert.Equal(t, int64(0), byName["empty.dcm"].Size)
	assert.NoError(t, byName["empty.dcm"].DecodeErr)
	assert.False(t, byName["empty.dcm"].Decoded())

	require.Contains(t, byName, "notes.txt")
	assert.Error(t, byName["notes.txt"].DecodeErr)
}

func TestReader_RepresentativeSkipsRawDataStorage(t *testing.T) {
	dir := t.TempDir()
	raw := writeDICOM(t, dir, "a_raw.dcm", rawDataStorageUID)
	image := writeDICOM(t, dir, "b_image.dcm", mrImageStorageUID,
		mustNewElement(tag.Modality, []string{"MR"}),
	)
	zipPath := writeZip(t, filepath.Join(dir, "study.zip"), raw, image)

	a, err := NewReader(false, nil, nil).Open(zipPath)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "b_image.dcm", a.Representative.RelPath)
}

func TestReader_RawDataStorageOnlyStillRepresents(t *testing.T) {
	dir := t.TempDir()
	raw := writeDICOM(t, dir, "raw.dcm", rawDataStorageUID)
	zipPath := writeZip(t, filepath.Join(dir, "study.zip"), raw)

	a, err := NewReader(false, nil, nil).Open(zipPath)
	require.NoError(t, err)
	defer a.Close()
	assert.Equal(t, "raw.dcm", a.Representative.RelPath)
}

func TestReader_NothingDecodes(t *testing.T) {
	dir := t.TempDir()
	garbage := filepath.Join(dir, "junk.bin")
	require.NoError(t, os.WriteFile(garbage, []byte("junk"), 0o644))
	zipPath := writeZip(t, filepath.Join(dir, "study.zip"), garbage)

	_, err := NewReader(false, nil, nil).Open(zipPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")
}

func TestReader_CloseRemovesScratchDir(t *testing.T) {
	dir := t.TempDir()
	path := writeDICOM(t, dir, "scan.dcm", mrImageStorageUID,
		mustNewElement(tag.Modality, []string{"MR"}),
	)
	zipPath := writeZip(t, filepath.Join(dir, "study.zip"), path)

	a, err := NewReader(false, nil, nil).Open(zipPath)
	require.NoError(t, err)
	require.DirExists(t, a.ExtractDir)
	require.NoError(t, a.Close())
	assert.NoDirExists(t, a.ExtractDir)
}
