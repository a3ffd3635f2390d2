package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/systemshift/persistore/internal/heap"
)

// Space file layout:
//
//	// comment lines
//	///!!! prologue
//	{"format":...,"nbobjects":N,"spaceid":...}
//	//+ob<id>
//	<indented record>
//	//-ob<id>
//	...
//
// Comment and blank lines may appear between records.
const (
	prologueMarker = "///!!! prologue"
	startMarker    = "//+ob"
	endMarker      = "//-ob"
	commentPrefix  = "//"
)

type spaceHeader struct {
	Format    string        `json:"format"`
	SpaceID   heap.ObjectID `json:"spaceid"`
	NbObjects int           `json:"nbobjects"`
}

// rawRecord is one object record as found in a space file.
type rawRecord struct {
	ID   heap.ObjectID
	Line int
	Body []byte
}

type spaceFile struct {
	Path    string
	Header  spaceHeader
	Records []rawRecord
}

// encodeSpaceFile renders a space file. Records must be in id order.
func encodeSpaceFile(space heap.ObjectID, label string, records []rawRecord) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("// generated persistore space file, do not edit\n")
	if label != "" {
		fmt.Fprintf(&buf, "// space %s (%s)\n", space, label)
	} else {
		fmt.Fprintf(&buf, "// space %s\n", space)
	}
	buf.WriteString(prologueMarker + "\n")

	hdr, err := CanonicalJSON(spaceHeader{Format: FormatTag, SpaceID: space, NbObjects: len(records)})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	buf.Write(hdr)
	buf.WriteByte('\n')

	for _, r := range records {
		buf.WriteByte('\n')
		buf.WriteString(startMarker + r.ID.String() + "\n")
		buf.Write(r.Body)
		if len(r.Body) > 0 && r.Body[len(r.Body)-1] != '\n' {
			buf.WriteByte('\n')
		}
		buf.WriteString(endMarker + r.ID.String() + "\n")
	}
	fmt.Fprintf(&buf, "\n// end of space %s, %d objects\n", space, len(records))
	return buf.Bytes(), nil
}

// parseSpaceFile splits a space file into its header and raw records,
// checking the markers and the declared object count.
func parseSpaceFile(path string, data []byte) (*spaceFile, error) {
	sf := &spaceFile{Path: path}
	const (
		inPreamble = iota
		wantHeader
		betweenRecords
		inRecord
	)
	state := inPreamble
	var cur *rawRecord
	var body bytes.Buffer
	lineno := 0

	for line := range bytes.Lines(data) {
		lineno++
		text := strings.TrimRight(string(line), "\r\n")
		trimmed := strings.TrimSpace(text)

		switch state {
		case inPreamble:
			switch {
			case trimmed == prologueMarker:
				state = wantHeader
			case trimmed == "" || strings.HasPrefix(trimmed, commentPrefix):
			default:
				return nil, formatErrf(path, lineno, nil, "content before prologue")
			}

		case wantHeader:
			if trimmed == "" || strings.HasPrefix(trimmed, commentPrefix) {
				continue
			}
			if err := decodeHeader(path, lineno, []byte(trimmed), &sf.Header); err != nil {
				return nil, err
			}
			state = betweenRecords

		case betweenRecords:
			switch {
			case strings.HasPrefix(trimmed, startMarker):
				id, err := markerID(path, lineno, trimmed, startMarker)
				if err != nil {
					return nil, err
				}
				cur = &rawRecord{ID: id, Line: lineno}
				body.Reset()
				state = inRecord
			case strings.HasPrefix(trimmed, endMarker):
				return nil, formatErrf(path, lineno, nil, "end marker outside of a record")
			case trimmed == "" || strings.HasPrefix(trimmed, commentPrefix):
			default:
				return nil, formatErrf(path, lineno, nil, "content outside of a record")
			}

		case inRecord:
			switch {
			case strings.HasPrefix(trimmed, endMarker):
				id, err := markerID(path, lineno, trimmed, endMarker)
				if err != nil {
					return nil, err
				}
				if id != cur.ID {
					return nil, formatErrf(path, lineno, nil, "record %s closed as %s", cur.ID, id)
				}
				cur.Body = bytes.Clone(body.Bytes())
				sf.Records = append(sf.Records, *cur)
				cur = nil
				state = betweenRecords
			case strings.HasPrefix(trimmed, startMarker):
				return nil, formatErrf(path, lineno, nil, "record %s not closed", cur.ID)
			default:
				body.WriteString(text)
				body.WriteByte('\n')
			}
		}
	}

	switch state {
	case inPreamble, wantHeader:
		return nil, formatErrf(path, lineno, nil, "missing space header")
	case inRecord:
		return nil, formatErrf(path, cur.Line, nil, "record %s not closed at end of file", cur.ID)
	}
	if n := len(sf.Records); n != sf.Header.NbObjects {
		return nil, &HeaderMismatchError{
			Path:     path,
			Field:    "nbobjects",
			Declared: strconv.Itoa(sf.Header.NbObjects),
			Actual:   strconv.Itoa(n),
		}
	}
	return sf, nil
}

func decodeHeader(path string, line int, data []byte, hdr *spaceHeader) error {
	var probe struct {
		Format    string          `json:"format"`
		SpaceID   string          `json:"spaceid"`
		NbObjects json.RawMessage `json:"nbobjects"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return formatErrf(path, line, err, "bad space header")
	}
	if probe.Format != FormatTag {
		return &FormatError{Path: path, Line: line, Msg: "unknown space file format", Got: probe.Format, Want: FormatTag}
	}
	id, err := heap.ParseID(probe.SpaceID)
	if err != nil || id.IsNil() {
		return formatErrf(path, line, err, "bad space id %q in header", probe.SpaceID)
	}
	n, err := strconv.Atoi(string(probe.NbObjects))
	if err != nil || n < 0 {
		return formatErrf(path, line, err, "bad object count %s in header", probe.NbObjects)
	}
	*hdr = spaceHeader{Format: probe.Format, SpaceID: id, NbObjects: n}
	return nil
}

func markerID(path string, line int, text, marker string) (heap.ObjectID, error) {
	rest := strings.TrimPrefix(text, marker)
	id, n, ok := heap.ParseIDPrefix(rest)
	if !ok || n != len(rest) || id.IsNil() {
		return heap.NilID, formatErrf(path, line, nil, "bad object marker %q", text)
	}
	return id, nil
}
