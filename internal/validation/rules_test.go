package validation

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrsinham/dicomimport/internal/archive"
	"github.com/mrsinham/dicomimport/internal/header"
)

func record(h header.Header) *archive.File {
	return &archive.File{RelPath: "file.dcm", Size: 1024, Header: h}
}

// sliceSeries builds n records with SliceLocation 0..n-1.
func sliceSeries(n int, skip int) []*archive.File {
	var files []*archive.File
	for i := 0; i < n; i++ {
		if i == skip {
			continue
		}
		files = append(files, record(header.Header{
			"SliceLocation": float64(i),
			"SequenceName":  "S1",
			"ImageType":     []string{"ORIGINAL", "PRIMARY"},
		}))
	}
	return files
}

func TestInstanceNumberUniqueness(t *testing.T) {
	v := NewRuleValidator(false, nil)

	unique := []*archive.File{
		record(header.Header{"InstanceNumber": 1}),
		record(header.Header{"InstanceNumber": 2}),
	}
	assert.Empty(t, v.Validate(unique))

	duplicated := []*archive.File{
		record(header.Header{"InstanceNumber": 1}),
		record(header.Header{"InstanceNumber": 1}),
		record(header.Header{"InstanceNumber": 2}),
	}
	errs := v.Validate(duplicated)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].ErrorMessage, "InstanceNumber is duplicated")
	assert.Contains(t, errs[0].ErrorMessage, "[1]")
	assert.False(t, errs[0].Revalidate)
	assert.Empty(t, errs[0].ErrorType)
}

func TestMissingSlices_CompleteSeries(t *testing.T) {
	v := NewRuleValidator(false, nil)
	assert.Empty(t, v.Validate(sliceSeries(20, -1)))
}

func TestMissingSlices_GapDetected(t *testing.T) {
	v := NewRuleValidator(false, nil)

	errs := v.Validate(sliceSeries(20, 10))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].ErrorMessage, "Inconsistent slice intervals")
	assert.Contains(t, errs[0].ErrorMessage, "~1mm")
	assert.Contains(t, errs[0].ErrorMessage, "2")
	assert.False(t, errs[0].Revalidate)
}

func TestMissingSlices_SmallGroupSkipped(t *testing.T) {
	v := NewRuleValidator(false, nil)
	// A gap in a 6-slice sequence is below the checking threshold.
	assert.Empty(t, v.Validate(sliceSeries(7, 3)))
}

func TestMissingSlices_LocalizersIgnored(t *testing.T) {
	v := NewRuleValidator(false, nil)

	files := sliceSeries(20, -1)
	files = append(files,
		record(header.Header{
			"SliceLocation": 120.0,
			"SequenceName":  "S1",
			"ImageType":     []string{"ORIGINAL", "PRIMARY", "LOCALIZER"},
		}),
		record(header.Header{
			"SliceLocation": 250.0,
			"SequenceName":  "S1",
			"ImageType":     []string{"ORIGINAL", "PRIMARY", "LOCALIZER"},
		}),
	)
	assert.Empty(t, v.Validate(files))
}

func TestMissingSlices_DuplicateLocationsIgnored(t *testing.T) {
	v := NewRuleValidator(false, nil)

	files := sliceSeries(20, -1)
	files = append(files, record(header.Header{
		"SliceLocation": 5.0,
		"SequenceName":  "S1",
		"ImageType":     []string{"ORIGINAL", "PRIMARY"},
	}))
	assert.Empty(t, v.Validate(files))
}

func TestMissingSlices_ProjectionFallback(t *testing.T) {
	v := NewRuleValidator(false, nil)

	build := func(skip int) []*archive.File {
		var files []*archive.File
		for i := 0; i < 15; i++ {
			if i == skip {
				continue
			}
			files = append(files, record(header.Header{
				"ImageOrientationPatient": []float64{1, 0, 0, 0, 1, 0},
				"ImagePositionPatient":    []float64{0, 0, float64(i) * 2},
				"ImageType":               []string{"ORIGINAL", "PRIMARY"},
			}))
		}
		return files
	}

	assert.Empty(t, v.Validate(build(-1)))

	errs := v.Validate(build(7))
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].ErrorMessage, "Inconsistent slice intervals")
}

func TestMissingSlices_PerSequenceGrouping(t *testing.T) {
	v := NewRuleValidator(false, nil)

	// One complete sequence and one gapped sequence in the same
	// acquisition; only the gapped one errors.
	var files []*archive.File
	for i := 0; i < 15; i++ {
		files = append(files, record(header.Header{
			"SliceLocation": float64(i),
			"SequenceName":  "SE1",
			"ImageType":     []string{"ORIGINAL"},
		}))
	}
	for i := 0; i < 15; i++ {
		if i == 5 {
			continue
		}
		files = append(files, record(header.Header{
			"SliceLocation": float64(i),
			"SequenceName":  "SE2",
			"ImageType":     []string{"ORIGINAL"},
		}))
	}

	errs := v.Validate(files)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].ErrorMessage, "SE2")
}

func TestZeroByteFiles(t *testing.T) {
	v := NewRuleValidator(false, nil)
	files := []*archive.File{
		{RelPath: "empty.dcm", Size: 0},
		record(header.Header{"InstanceNumber": 1}),
	}

	errs := v.Validate(files)
	require.Len(t, errs, 1)
	assert.Equal(t, "Dicom file is empty: empty.dcm", errs[0].ErrorMessage)
	assert.False(t, errs[0].Revalidate)
}

func TestDecodeFailures(t *testing.T) {
	files := []*archive.File{
		{RelPath: "broken.dcm", Size: 128, DecodeErr: errors.New("bad preamble")},
	}

	errs := NewRuleValidator(false, nil).Validate(files)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].ErrorMessage, "DICOM signature not found in: broken.dcm")
	assert.Contains(t, errs[0].ErrorMessage, "force")

	errs = NewRuleValidator(true, nil).Validate(files)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].ErrorMessage, "even with force")
}

func TestMostFrequentInterval(t *testing.T) {
	tests := []struct {
		name      string
		intervals []float64
		want      float64
		found     bool
	}{
		{"uniform", []float64{1, 1, 1, 1}, 1, true},
		{"majority with outlier", []float64{1, 1, 1, 5}, 1, true},
		{"coarser rounding finds majority", []float64{1.01, 0.99, 1.04, 0.96, 5}, 1, true},
		{"no majority", []float64{1, 2, 3, 4}, 0, false},
		{"empty", nil, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := mostFrequentInterval(tt.intervals)
			assert.Equal(t, tt.found, found)
			if tt.found {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRuleOrderIsStable(t *testing.T) {
	files := []*archive.File{
		{RelPath: "empty.dcm", Size: 0},
		{RelPath: "broken.dcm", Size: 64, DecodeErr: fmt.Errorf("unparseable")},
		record(header.Header{"InstanceNumber": 3}),
		record(header.Header{"InstanceNumber": 3}),
	}

	errs := NewRuleValidator(false, nil).Validate(files)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0].ErrorMessage, "InstanceNumber")
	assert.Contains(t, errs[1].ErrorMessage, "empty")
	assert.Contains(t, errs[2].ErrorMessage, "signature")
}
