package payload

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/systemshift/persistore/internal/heap"
)

const StringDictTypeName = "string_dict"

// StringDict maps strings to values.
type StringDict struct {
	heap.PayloadBase
	entries map[string]heap.Value
}

func AttachStringDict(obj *heap.Object) *StringDict {
	d := &StringDict{PayloadBase: heap.NewPayloadBase(obj), entries: make(map[string]heap.Value)}
	obj.SetPayload(d)
	return d
}

func (*StringDict) TypeName() string { return StringDictTypeName }

// Put binds key to v; the empty value removes key.
func (d *StringDict) Put(key string, v heap.Value) {
	d.Owner().Lock()
	defer d.Owner().Unlock()
	if v == nil {
		delete(d.entries, key)
		return
	}
	d.entries[key] = v
}

func (d *StringDict) Get(key string) (heap.Value, bool) {
	d.Owner().Lock()
	defer d.Owner().Unlock()
	v, ok := d.entries[key]
	return v, ok
}

func (d *StringDict) Len() int {
	d.Owner().Lock()
	defer d.Owner().Unlock()
	return len(d.entries)
}

// Keys returns the keys in sorted order.
func (d *StringDict) Keys() []string {
	d.Owner().Lock()
	defer d.Owner().Unlock()
	return d.sortedKeys()
}

func (d *StringDict) sortedKeys() []string {
	keys := make([]string, 0, len(d.entries))
	for k := range d.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (d *StringDict) ScanRefs(sc heap.RefScanner) {
	for _, v := range d.entries {
		sc.ScanValue(v)
	}
}

type dictEntry struct {
	Str string `json:"str"`
	Val any    `json:"val"`
}

func (d *StringDict) DumpFields(w heap.FieldWriter) error {
	keys := d.sortedKeys()
	entries := make([]dictEntry, 0, len(keys))
	for _, k := range keys {
		if v := w.Encode(d.entries[k]); v != nil {
			entries = append(entries, dictEntry{Str: k, Val: v})
		}
	}
	w.Put("dictob", entries)
	return nil
}

func loadStringDict(obj *heap.Object, rec heap.RecordReader, space heap.ObjectID, line int) error {
	d := AttachStringDict(obj)
	raw, ok := rec.Raw("dictob")
	if !ok {
		return nil
	}
	var entries []struct {
		Str string          `json:"str"`
		Val json.RawMessage `json:"val"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("dictob: %w", err)
	}
	for _, e := range entries {
		v, err := rec.DecodeValue(e.Val)
		if err != nil {
			return fmt.Errorf("dictob[%q]: %w", e.Str, err)
		}
		d.Put(e.Str, v)
	}
	return nil
}

func init() {
	heap.RegisterPayload(StringDictTypeName, loadStringDict)
}
