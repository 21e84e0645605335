package header

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/mrsinham/dicomimport/internal/normalize"
)

// Siemens scanners stash acquisition details in a private "SV10" binary
// block. The image header lives at (0029,1010), the series header at
// (0029,1020).
var (
	csaImageHeaderTag  = tag.Tag{Group: 0x0029, Element: 0x1010}
	csaSeriesHeaderTag = tag.Tag{Group: 0x0029, Element: 0x1020}
)

// csaExcluded are CSA entries too large or too noisy to keep.
var csaExcluded = map[string]struct{}{
	"PhoenixZIP":  {},
	"SrMsgBuffer": {},
}

var csaMagic = []byte{'S', 'V', '1', '0', 0x04, 0x03, 0x02, 0x01}

// errNotCSA reports a blob that does not start with the SV10 magic.
var errNotCSA = errors.New("not an SV10 CSA header")

// maxCSAValueLen bounds single string values kept from the CSA block.
const maxCSAValueLen = 1024

// ParseCSA decodes an SV10 CSA header blob into a normalized Header.
// Entries without items and excluded entries are dropped; single-item
// values are unwrapped.
func ParseCSA(data []byte) (Header, error) {
	if len(data) < len(csaMagic)+8 || !bytes.Equal(data[:len(csaMagic)], csaMagic) {
		return nil, errNotCSA
	}
	r := &csaReader{data: data, off: len(csaMagic)}

	numElements := r.uint32()
	r.uint32() // layout constant, unused

	h := Header{}
	for i := uint32(0); i < numElements && r.err == nil; i++ {
		name := r.paddedString(64)
		r.int32() // VM
		r.paddedString(4) // VR
		r.int32() // SyngoDT
		numItems := r.int32()
		r.uint32() // layout constant, unused

		var items []string
		for j := int32(0); j < numItems && r.err == nil; j++ {
			itemLen := r.uint32()
			// The item length is repeated four times.
			r.uint32()
			r.uint32()
			r.uint32()
			item := r.bytes(int(itemLen))
			r.pad(int(itemLen))
			if s := string(bytes.TrimRight(item, "\x00")); s != "" {
				items = append(items, s)
			}
		}
		if r.err != nil {
			break
		}
		if _, excluded := csaExcluded[name]; excluded || len(items) == 0 || name == "" {
			continue
		}
		h[name] = csaValue(items)
	}
	if r.err != nil {
		return nil, fmt.Errorf("truncated CSA header: %w", r.err)
	}
	return h, nil
}

// csaValue normalizes CSA items: a single short string stays a
// formatted string, anything else goes through the coercion cascades.
func csaValue(items []string) any {
	if len(items) == 1 {
		s := items[0]
		if len(s) < maxCSAValueLen {
			formatted, _ := normalize.FormatString(s)
			return formatted
		}
		if v, ok := normalize.String(s); ok {
			return v
		}
		return ""
	}
	if floats, ok := parseAllFloats(items); ok {
		return floats
	}
	var out []string
	for _, s := range items {
		if formatted, ok := normalize.FormatString(s); ok && formatted != "" {
			out = append(out, formatted)
		}
	}
	return out
}

func parseAllFloats(items []string) ([]float64, bool) {
	out := make([]float64, 0, len(items))
	for _, s := range items {
		var f float64
		if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
			return nil, false
		}
		out = append(out, f)
	}
	return out, true
}

// CSAFromDataset parses the Siemens CSA image and series headers out of
// ds, merged into one Header. Returns an empty header when neither
// private block is present or parseable.
func CSAFromDataset(ds *dicom.Dataset) Header {
	merged := Header{}
	if ds == nil {
		return merged
	}
	for _, t := range []tag.Tag{csaImageHeaderTag, csaSeriesHeaderTag} {
		elem, err := ds.FindElementByTag(t)
		if err != nil || elem.Value == nil {
			continue
		}
		raw, ok := elem.Value.GetValue().([]byte)
		if !ok {
			continue
		}
		parsed, err := ParseCSA(raw)
		if err != nil {
			continue
		}
		for k, v := range parsed {
			merged[k] = v
		}
	}
	return merged
}

// csaReader is a little-endian cursor over the CSA blob that remembers
// the first out-of-bounds read.
type csaReader struct {
	data []byte
	off  int
	err  error
}

func (r *csaReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.data) {
		r.err = fmt.Errorf("read of %d bytes at offset %d exceeds %d", n, r.off, len(r.data))
		return nil
	}
	out := r.data[r.off : r.off+n]
	r.off += n
	return out
}

func (r *csaReader) uint32() uint32 {
	b := r.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *csaReader) int32() int32 {
	return int32(r.uint32())
}

func (r *csaReader) paddedString(n int) string {
	b := r.bytes(n)
	if b == nil {
		return ""
	}
	return string(bytes.TrimRight(b, "\x00"))
}

func (r *csaReader) pad(itemLen int) {
	if padding := (4 - itemLen%4) % 4; padding > 0 {
		r.bytes(padding)
	}
}
