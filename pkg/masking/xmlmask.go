package masking

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"sansred/pkg/nd"
)

// detector-masking files list detector IDs to exclude, either singly or as
// inclusive ranges:
//
//	<detector-masking>
//	  <group>
//	    <detids>1-100, 205, 300-310</detids>
//	  </group>
//	</detector-masking>
type xmlMaskFile struct {
	XMLName xml.Name       `xml:"detector-masking"`
	Groups  []xmlMaskGroup `xml:"group"`
}

type xmlMaskGroup struct {
	DetIDs string `xml:"detids"`
}

// ReadXMLMask parses a detector-masking XML document into the sorted list
// of masked detector IDs.
func ReadXMLMask(r io.Reader) ([]int, error) {
	var file xmlMaskFile
	if err := xml.NewDecoder(r).Decode(&file); err != nil {
		return nil, fmt.Errorf("masking: error parsing mask file: %w", err)
	}
	seen := make(map[int]bool)
	for _, g := range file.Groups {
		for _, tok := range strings.Split(g.DetIDs, ",") {
			tok = strings.TrimSpace(tok)
			if tok == "" {
				continue
			}
			lo, hi, err := parseIDRange(tok)
			if err != nil {
				return nil, err
			}
			for id := lo; id <= hi; id++ {
				seen[id] = true
			}
		}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// ReadXMLMaskFile parses a detector-masking XML file by path.
func ReadXMLMaskFile(path string) ([]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("masking: error opening mask file: %w", err)
	}
	defer f.Close()
	return ReadXMLMask(f)
}

func parseIDRange(tok string) (lo, hi int, err error) {
	if i := strings.IndexByte(tok, '-'); i > 0 {
		lo, err = strconv.Atoi(strings.TrimSpace(tok[:i]))
		if err != nil {
			return 0, 0, fmt.Errorf("masking: bad detector ID range %q: %w", tok, err)
		}
		hi, err = strconv.Atoi(strings.TrimSpace(tok[i+1:]))
		if err != nil {
			return 0, 0, fmt.Errorf("masking: bad detector ID range %q: %w", tok, err)
		}
		if hi < lo {
			return 0, 0, fmt.Errorf("masking: bad detector ID range %q: end before start", tok)
		}
		return lo, hi, nil
	}
	id, err := strconv.Atoi(tok)
	if err != nil {
		return 0, 0, fmt.Errorf("masking: bad detector ID %q: %w", tok, err)
	}
	return id, id, nil
}

// MaskFromIDs builds a pixel mask over the dims of the detector ID
// coordinate, true wherever the ID appears in the masked list.
func MaskFromIDs(detectorIDs *nd.Array, masked []int) *nd.Bools {
	lookup := make(map[int]bool, len(masked))
	for _, id := range masked {
		lookup[id] = true
	}
	vals := detectorIDs.Values()
	out := make([]bool, len(vals))
	for i, v := range vals {
		out[i] = lookup[int(v)]
	}
	mask, err := nd.NewBools(detectorIDs.Dims(), detectorIDs.Shape(), out)
	if err != nil {
		panic(err)
	}
	return mask
}
