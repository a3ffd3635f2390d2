package persist

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/systemshift/persistore/internal/heap"
)

// Value encoding inside records:
//
//	empty        null
//	int          42
//	string       "text", or {"vtype":"string","str":...} when the text is an id
//	object       "_1ClassClas010000001"
//	double       {"vtype":"double","dbl":1.5}
//	set          {"vtype":"set","elem":[ids]}
//	tuple        {"vtype":"tuple","comp":[ids or null]}
//	closure      {"vtype":"closure","fn":id,"env":[values],"metaobj":id,"metarank":n}
//	instance     {"vtype":"instance","iclass":id,"icomp":[values]}
const (
	vtypeKey     = "vtype"
	vtypeString  = "string"
	vtypeDouble  = "double"
	vtypeSet     = "set"
	vtypeTuple   = "tuple"
	vtypeClosure = "closure"
	vtypeInst    = "instance"
)

// valueEncoder turns values into JSON-marshalable data. References to
// objects that are not dumped are written as empty.
type valueEncoder struct {
	dumpable func(heap.ObjectID) bool
}

func (e *valueEncoder) isDumpable(id heap.ObjectID) bool {
	if id.IsNil() {
		return false
	}
	return e.dumpable == nil || e.dumpable(id)
}

func (e *valueEncoder) encode(v heap.Value) any {
	switch v := v.(type) {
	case nil:
		return nil
	case heap.Int:
		return int64(v)
	case heap.Double:
		return map[string]any{vtypeKey: vtypeDouble, "dbl": encodeDouble(float64(v))}
	case heap.String:
		if heap.LooksLikeID(string(v)) {
			return map[string]any{vtypeKey: vtypeString, "str": string(v)}
		}
		return string(v)
	case heap.Ref:
		if !e.isDumpable(v.ID()) {
			return nil
		}
		return v.ID().String()
	case *heap.Set:
		elems := make([]string, 0, v.Len())
		for i := 0; i < v.Len(); i++ {
			if id := v.At(i); e.isDumpable(id) {
				elems = append(elems, id.String())
			}
		}
		return map[string]any{vtypeKey: vtypeSet, "elem": elems}
	case *heap.Tuple:
		comps := make([]any, v.Len())
		for i := range comps {
			if id := v.At(i); e.isDumpable(id) {
				comps[i] = id.String()
			}
		}
		return map[string]any{vtypeKey: vtypeTuple, "comp": comps}
	case *heap.Closure:
		if !e.isDumpable(v.Fn()) {
			return nil
		}
		m := map[string]any{
			vtypeKey: vtypeClosure,
			"fn":     v.Fn().String(),
			"env":    e.encodeAll(v.Env()),
		}
		if obj, rank := v.Meta(); e.isDumpable(obj) {
			m["metaobj"] = obj.String()
			m["metarank"] = rank
		}
		return m
	case *heap.Instance:
		if !e.isDumpable(v.Class()) {
			return nil
		}
		return map[string]any{
			vtypeKey: vtypeInst,
			"iclass": v.Class().String(),
			"icomp":  e.encodeAll(v.Comps()),
		}
	}
	panic(fmt.Sprintf("persist: cannot encode value of type %T", v))
}

func (e *valueEncoder) encodeAll(vs []heap.Value) []any {
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = e.encode(v)
	}
	return out
}

func encodeDouble(d float64) any {
	switch {
	case math.IsNaN(d):
		return "nan"
	case math.IsInf(d, 1):
		return "+inf"
	case math.IsInf(d, -1):
		return "-inf"
	}
	return d
}

// valueDecoder rebuilds values, resolving every id through the heap.
type valueDecoder struct {
	h    *heap.Heap
	path string
	line int
}

func (d *valueDecoder) formatErr(format string, args ...any) error {
	return formatErrf(d.path, d.line, nil, format, args...)
}

// resolve returns the registered object named by text.
func (d *valueDecoder) resolve(text, context string) (*heap.Object, error) {
	id, err := heap.ParseID(text)
	if err != nil {
		return nil, formatErrf(d.path, d.line, err, "%s", context)
	}
	if id.IsNil() {
		return nil, d.formatErr("%s: absent object id", context)
	}
	obj := d.h.Find(id)
	if obj == nil {
		return nil, &UnresolvedReferenceError{ID: id, Path: d.path, Line: d.line, Context: context}
	}
	return obj, nil
}

func (d *valueDecoder) resolveAny(x any, context string) (*heap.Object, error) {
	s, ok := x.(string)
	if !ok {
		return nil, d.formatErr("%s: expected object id, got %T", context, x)
	}
	return d.resolve(s, context)
}

// decodeRaw decodes one encoded value from raw JSON.
func (d *valueDecoder) decodeRaw(raw json.RawMessage) (heap.Value, error) {
	x, err := decodeJSON(raw)
	if err != nil {
		return nil, formatErrf(d.path, d.line, err, "bad value")
	}
	return d.decode(x)
}

func (d *valueDecoder) decode(x any) (heap.Value, error) {
	switch x := x.(type) {
	case nil:
		return nil, nil
	case json.Number:
		n, err := x.Int64()
		if err != nil {
			return nil, formatErrf(d.path, d.line, err, "bare number %s is not an integer", x)
		}
		return heap.Int(n), nil
	case string:
		if x == "__" {
			return nil, nil
		}
		if heap.LooksLikeID(x) {
			obj, err := d.resolve(x, "object value")
			if err != nil {
				return nil, err
			}
			return heap.RefTo(obj), nil
		}
		return heap.String(x), nil
	case map[string]any:
		return d.decodeTagged(x)
	}
	return nil, d.formatErr("cannot decode %T as a value", x)
}

func (d *valueDecoder) decodeTagged(m map[string]any) (heap.Value, error) {
	vtype, _ := m[vtypeKey].(string)
	switch vtype {
	case vtypeString:
		s, ok := m["str"].(string)
		if !ok {
			return nil, d.formatErr("string value without str")
		}
		return heap.String(s), nil

	case vtypeDouble:
		return d.decodeDouble(m["dbl"])

	case vtypeSet:
		elems, err := d.decodeIDs(m["elem"], "set element", false)
		if err != nil {
			return nil, err
		}
		return heap.MakeSet(elems...), nil

	case vtypeTuple:
		comps, err := d.decodeIDs(m["comp"], "tuple component", true)
		if err != nil {
			return nil, err
		}
		return heap.MakeTuple(comps...), nil

	case vtypeClosure:
		fn, err := d.resolveAny(m["fn"], "closure function")
		if err != nil {
			return nil, err
		}
		env, err := d.decodeList(m["env"], "closure environment")
		if err != nil {
			return nil, err
		}
		clos := heap.MakeClosure(fn.ID(), env...)
		if mo, ok := m["metaobj"]; ok {
			meta, err := d.resolveAny(mo, "closure meta object")
			if err != nil {
				return nil, err
			}
			rank, err := d.decodeInt(m["metarank"], "closure meta rank")
			if err != nil {
				return nil, err
			}
			clos = clos.WithMeta(meta.ID(), int(rank))
		}
		return clos, nil

	case vtypeInst:
		cls, err := d.resolveAny(m["iclass"], "instance class")
		if err != nil {
			return nil, err
		}
		comps, err := d.decodeList(m["icomp"], "instance components")
		if err != nil {
			return nil, err
		}
		return heap.MakeInstance(cls.ID(), comps...), nil
	}
	return nil, &FormatError{Path: d.path, Line: d.line, Msg: "unknown value type", Got: vtype}
}

func (d *valueDecoder) decodeDouble(x any) (heap.Value, error) {
	switch x := x.(type) {
	case json.Number:
		f, err := strconv.ParseFloat(string(x), 64)
		if err != nil {
			return nil, formatErrf(d.path, d.line, err, "bad double")
		}
		return heap.Double(f), nil
	case string:
		switch x {
		case "nan":
			return heap.Double(math.NaN()), nil
		case "+inf":
			return heap.Double(math.Inf(1)), nil
		case "-inf":
			return heap.Double(math.Inf(-1)), nil
		}
	}
	return nil, d.formatErr("bad double %v", x)
}

func (d *valueDecoder) decodeInt(x any, context string) (int64, error) {
	n, ok := x.(json.Number)
	if !ok {
		return 0, d.formatErr("%s: expected integer, got %T", context, x)
	}
	i, err := n.Int64()
	if err != nil {
		return 0, formatErrf(d.path, d.line, err, "%s", context)
	}
	return i, nil
}

func (d *valueDecoder) decodeList(x any, context string) ([]heap.Value, error) {
	if x == nil {
		return nil, nil
	}
	items, ok := x.([]any)
	if !ok {
		return nil, d.formatErr("%s: expected array, got %T", context, x)
	}
	out := make([]heap.Value, len(items))
	for i, item := range items {
		v, err := d.decode(item)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *valueDecoder) decodeIDs(x any, context string, allowNull bool) ([]heap.ObjectID, error) {
	if x == nil {
		return nil, nil
	}
	items, ok := x.([]any)
	if !ok {
		return nil, d.formatErr("%s: expected array, got %T", context, x)
	}
	out := make([]heap.ObjectID, len(items))
	for i, item := range items {
		if item == nil && allowNull {
			continue
		}
		obj, err := d.resolveAny(item, context)
		if err != nil {
			return nil, err
		}
		out[i] = obj.ID()
	}
	return out, nil
}
