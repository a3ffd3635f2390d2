package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/systemshift/persistore/internal/heap"
)

// Object record fields. Payload fields share the record and must not use
// these names.
const (
	fieldOID       = "oid"
	fieldMTime     = "mtime"
	fieldClass     = "class"
	fieldComps     = "components"
	fieldAttrs     = "attributes"
	fieldPayload   = "payload"
	fieldDroppable = "payload_droppable"
	mtimeLayout    = time.RFC3339Nano
)

var reservedFields = map[string]bool{
	fieldOID: true, fieldMTime: true, fieldClass: true, fieldComps: true,
	fieldAttrs: true, fieldPayload: true, fieldDroppable: true,
}

type attrEntry struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// recordWriter collects payload fields for one object.
type recordWriter struct {
	enc    *valueEncoder
	fields map[string]any
	err    error
}

func (w *recordWriter) Put(name string, data any) {
	if reservedFields[name] {
		if w.err == nil {
			w.err = fmt.Errorf("payload field %q collides with a record field", name)
		}
		return
	}
	w.fields[name] = data
}

func (w *recordWriter) Encode(v heap.Value) any {
	return w.enc.encode(v)
}

func (w *recordWriter) IsDumpable(id heap.ObjectID) bool {
	return w.enc.isDumpable(id)
}

// encodeRecord builds the record of obj. The object is locked only while
// the record is built.
func encodeRecord(obj *heap.Object, enc *valueEncoder) (map[string]any, error) {
	var rec map[string]any
	var err error
	obj.Visit(func(c *heap.Contents) {
		w := &recordWriter{enc: enc, fields: make(map[string]any)}
		w.fields[fieldOID] = c.ID.String()
		w.fields[fieldMTime] = c.MTime.UTC().Format(mtimeLayout)
		if enc.isDumpable(c.Class) {
			w.fields[fieldClass] = c.Class.String()
		}

		if len(c.Comps) > 0 {
			w.fields[fieldComps] = enc.encodeAll(c.Comps)
		}

		var attrs []attrEntry
		for _, k := range c.SortedAttrKeys() {
			v := c.Attrs[k]
			if !enc.isDumpable(k) {
				continue
			}
			ev := enc.encode(v)
			if ev == nil {
				continue
			}
			attrs = append(attrs, attrEntry{Key: k.String(), Value: ev})
		}
		if len(attrs) > 0 {
			w.fields[fieldAttrs] = attrs
		}

		if p := c.Payload; p != nil {
			if perr := p.DumpFields(w); perr != nil {
				err = fmt.Errorf("object %s payload %s: %w", c.ID, p.TypeName(), perr)
				return
			}
			if w.err != nil {
				err = fmt.Errorf("object %s payload %s: %w", c.ID, p.TypeName(), w.err)
				return
			}
			w.fields[fieldPayload] = p.TypeName()
			if p.Droppable() {
				w.fields[fieldDroppable] = true
			}
		}
		rec = w.fields
	})
	return rec, err
}

// RecordJSON renders obj as it would appear in a space file, keeping
// every reference.
func RecordJSON(obj *heap.Object) ([]byte, error) {
	rec, err := encodeRecord(obj, &valueEncoder{})
	if err != nil {
		return nil, err
	}
	return IndentedJSON(rec)
}

// recordReader implements heap.RecordReader over a parsed record.
type recordReader struct {
	dec    *valueDecoder
	fields map[string]json.RawMessage
}

func newRecordReader(dec *valueDecoder, body []byte) (*recordReader, error) {
	fields := make(map[string]json.RawMessage)
	jd := json.NewDecoder(bytes.NewReader(body))
	if err := jd.Decode(&fields); err != nil {
		return nil, formatErrf(dec.path, dec.line, err, "bad object record")
	}
	return &recordReader{dec: dec, fields: fields}, nil
}

func (r *recordReader) Heap() *heap.Heap { return r.dec.h }

func (r *recordReader) Has(name string) bool {
	raw, ok := r.fields[name]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (r *recordReader) Raw(name string) (json.RawMessage, bool) {
	if !r.Has(name) {
		return nil, false
	}
	return r.fields[name], true
}

func (r *recordReader) missing(name string) error {
	return r.dec.formatErr("record field %q missing", name)
}

func (r *recordReader) String(name string) (string, error) {
	raw, ok := r.Raw(name)
	if !ok {
		return "", r.missing(name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", formatErrf(r.dec.path, r.dec.line, err, "record field %q", name)
	}
	return s, nil
}

func (r *recordReader) Int(name string) (int64, error) {
	raw, ok := r.Raw(name)
	if !ok {
		return 0, r.missing(name)
	}
	x, err := decodeJSON(raw)
	if err != nil {
		return 0, formatErrf(r.dec.path, r.dec.line, err, "record field %q", name)
	}
	return r.dec.decodeInt(x, name)
}

func (r *recordReader) Object(name string) (*heap.Object, error) {
	s, err := r.String(name)
	if err != nil {
		return nil, err
	}
	return r.dec.resolve(s, name)
}

func (r *recordReader) Value(name string) (heap.Value, error) {
	raw, ok := r.fields[name]
	if !ok {
		return nil, nil
	}
	return r.dec.decodeRaw(raw)
}

func (r *recordReader) Values(name string) ([]heap.Value, error) {
	raw, ok := r.Raw(name)
	if !ok {
		return nil, nil
	}
	x, err := decodeJSON(raw)
	if err != nil {
		return nil, formatErrf(r.dec.path, r.dec.line, err, "record field %q", name)
	}
	return r.dec.decodeList(x, name)
}

func (r *recordReader) Objects(name string) ([]*heap.Object, error) {
	raw, ok := r.Raw(name)
	if !ok {
		return nil, nil
	}
	var texts []string
	if err := json.Unmarshal(raw, &texts); err != nil {
		return nil, formatErrf(r.dec.path, r.dec.line, err, "record field %q", name)
	}
	objs := make([]*heap.Object, len(texts))
	for i, s := range texts {
		obj, err := r.dec.resolve(s, name)
		if err != nil {
			return nil, err
		}
		objs[i] = obj
	}
	return objs, nil
}

func (r *recordReader) DecodeValue(raw json.RawMessage) (heap.Value, error) {
	return r.dec.decodeRaw(raw)
}

func (r *recordReader) ResolveID(text string) (*heap.Object, error) {
	return r.dec.resolve(text, "reference")
}
