package header

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func mustNewElement(t tag.Tag, value interface{}) *dicom.Element {
	elem, err := dicom.NewElement(t, value)
	if err != nil {
		panic(fmt.Sprintf("failed to create element %v: %v", t, err))
	}
	return elem
}

// mustNewRawElement builds an element with an explicit VR, bypassing
// dictionary validation.
func mustNewRawElement(t tag.Tag, rawVR string, data any) *dicom.Element {
	value, err := dicom.NewValue(data)
	if err != nil {
		panic(fmt.Sprintf("failed to create value for %v: %v", t, err))
	}
	return &dicom.Element{
		Tag:                    t,
		ValueRepresentation:    tag.GetVRKind(t, rawVR),
		RawValueRepresentation: rawVR,
		Value:                  value,
	}
}

func testDataset(elements ...*dicom.Element) *dicom.Dataset {
	return &dicom.Dataset{Elements: elements}
}

func TestExtract_BasicTags(t *testing.T) {
	ds := testDataset(
		mustNewElement(tag.Modality, []string{"MR"}),
		mustNewElement(tag.Manufacturer, []string{"SIEMENS"}),
		mustNewElement(tag.SeriesNumber, []string{"4"}),
		mustNewElement(tag.SliceThickness, []string{"2.5"}),
		mustNewElement(tag.Rows, []int{512}),
	)

	h := NewExtractor().Extract(ds)

	assert.Equal(t, "MR", h["Modality"])
	assert.Equal(t, "SIEMENS", h["Manufacturer"])
	assert.Equal(t, 4, h["SeriesNumber"])
	assert.Equal(t, 2.5, h["SliceThickness"])
	assert.Equal(t, 512, h["Rows"])
}

func TestExtract_KeysAreTagKeywords(t *testing.T) {
	ds := testDataset(
		mustNewElement(tag.StudyDate, []string{"20200101"}),
		mustNewElement(tag.SequenceName, []string{"*se2d1"}),
	)

	h := NewExtractor().Extract(ds)

	// Keys are the machine keywords, never the display names.
	assert.Equal(t, "20200101", h["StudyDate"])
	assert.Equal(t, "*se2d1", h["SequenceName"])
	assert.NotContains(t, h, "Study Date")
	assert.NotContains(t, h, "Sequence Name")
}

func TestNumericVR(t *testing.T) {
	assert.True(t, numericVR([]string{"DS"}))
	assert.True(t, numericVR([]string{"US", "SS"}))
	assert.False(t, numericVR([]string{"LO"}))
	assert.False(t, numericVR(nil))
}

func TestExtract_MultiplicityForcesLists(t *testing.T) {
	ds := testDataset(
		// ImageType declares VM 2-n; a lone value must still be a list.
		mustNewElement(tag.ImageType, []string{"ORIGINAL"}),
		mustNewElement(tag.ImagePositionPatient, []string{"0.0", "0.0", "1.0"}),
		mustNewElement(tag.Modality, []string{"MR"}),
	)

	h := NewExtractor().Extract(ds)

	assert.Equal(t, []string{"ORIGINAL"}, h["ImageType"])
	assert.Equal(t, []float64{0, 0, 1}, h["ImagePositionPatient"])
	// VM 1 tags stay scalars.
	assert.Equal(t, "MR", h["Modality"])
}

func TestExtract_ZeroIsKept(t *testing.T) {
	ds := testDataset(
		mustNewElement(tag.InstanceNumber, []string{"0"}),
	)

	h := NewExtractor().Extract(ds)

	require.Contains(t, h, "InstanceNumber")
	assert.Equal(t, 0, h["InstanceNumber"])
}

func TestExtract_EmptyAndOpaqueValuesOmitted(t *testing.T) {
	ds := testDataset(
		mustNewElement(tag.StudyDescription, []string{""}),
		mustNewRawElement(tag.PixelData, "OB", []byte{0x01, 0x02}),
		mustNewRawElement(tag.Tag{Group: 0x0029, Element: 0x1010}, "OB", []byte{0x00}),
		mustNewElement(tag.Modality, []string{"CT"}),
	)

	h := NewExtractor().Extract(ds)

	assert.NotContains(t, h, "StudyDescription")
	assert.NotContains(t, h, "PixelData")
	assert.Len(t, h, 1)
}

func TestExtract_QuestionMarkIsAbsent(t *testing.T) {
	ds := testDataset(
		mustNewElement(tag.PatientName, []string{"?"}),
	)

	h := NewExtractor().Extract(ds)
	assert.NotContains(t, h, "PatientName")
}

func TestExtract_Sequences(t *testing.T) {
	item := []*dicom.Element{
		mustNewElement(tag.CodeValue, []string{"T-A0100"}),
		mustNewElement(tag.CodeMeaning, []string{"Brain"}),
	}
	ds := testDataset(
		mustNewElement(tag.AnatomicRegionSequence, [][]*dicom.Element{item}),
		mustNewElement(tag.Modality, []string{"MR"}),
	)

	h := NewExtractor().Extract(ds)

	items, ok := h["AnatomicRegionSequence"].([]Header)
	require.True(t, ok, "sequence should extract to []Header, got %T", h["AnatomicRegionSequence"])
	require.Len(t, items, 1)
	assert.Equal(t, "T-A0100", items[0]["CodeValue"])
	assert.Equal(t, "Brain", items[0]["CodeMeaning"])
}

func TestExtract_NestedSequences(t *testing.T) {
	inner := []*dicom.Element{
		mustNewElement(tag.CodeValue, []string{"G-A138"}),
	}
	outer := []*dicom.Element{
		mustNewElement(tag.CodeMeaning, []string{"Axial"}),
		mustNewElement(tag.PrimaryAnatomicStructureModifierSequence, [][]*dicom.Element{inner}),
	}
	ds := testDataset(
		mustNewElement(tag.PrimaryAnatomicStructureSequence, [][]*dicom.Element{outer}),
	)

	h := NewExtractor().Extract(ds)

	items, ok := h["PrimaryAnatomicStructureSequence"].([]Header)
	require.True(t, ok)
	require.Len(t, items, 1)
	nested, ok := items[0]["PrimaryAnatomicStructureModifierSequence"].([]Header)
	require.True(t, ok)
	require.Len(t, nested, 1)
	assert.Equal(t, "G-A138", nested[0]["CodeValue"])
}

func TestExtract_Idempotent(t *testing.T) {
	ds := testDataset(
		mustNewElement(tag.Modality, []string{"MR"}),
		mustNewElement(tag.ImageType, []string{"ORIGINAL", "PRIMARY"}),
		mustNewElement(tag.PixelSpacing, []string{"0.5", "0.5"}),
		mustNewElement(tag.SeriesNumber, []string{"2"}),
	)

	e := NewExtractor()
	first := e.Extract(ds)
	second := e.Extract(ds)

	assert.Equal(t, first, second)
}

func TestRejoinSingleValue(t *testing.T) {
	// StudyDescription declares VM 1; a decoded list means the value
	// was mis-split on the multi-value delimiter.
	elem := mustNewRawElement(tag.StudyDescription, "LO", []string{"HEAD", "NECK"})
	info, err := tag.Find(tag.StudyDescription)
	require.NoError(t, err)

	v, ok := RejoinSingleValue(info, elem)
	require.True(t, ok)
	assert.Equal(t, `HEAD\NECK`, v)

	// Proper multi-valued tags are left alone.
	multi := mustNewElement(tag.ImageType, []string{"ORIGINAL", "PRIMARY"})
	multiInfo, err := tag.Find(tag.ImageType)
	require.NoError(t, err)
	_, ok = RejoinSingleValue(multiInfo, multi)
	assert.False(t, ok)
}

func TestExtract_RejoinAppliedDuringExtraction(t *testing.T) {
	ds := testDataset(
		mustNewRawElement(tag.StudyDescription, "LO", []string{"HEAD", "NECK"}),
	)

	h := NewExtractor().Extract(ds)
	assert.Equal(t, `HEAD\NECK`, h["StudyDescription"])
}
