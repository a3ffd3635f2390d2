package heap

import (
	"fmt"
	"sync"
)

// MagicGetter computes the value of a magic attribute of obj.
type MagicGetter func(h *Heap, obj *Object) Value

var magicAttrs = struct {
	sync.RWMutex
	getters map[ObjectID]MagicGetter
}{getters: make(map[ObjectID]MagicGetter)}

// RegisterMagicAttr makes key a computed attribute of every object.
func RegisterMagicAttr(key ObjectID, fn MagicGetter) {
	magicAttrs.Lock()
	defer magicAttrs.Unlock()
	if _, dup := magicAttrs.getters[key]; dup {
		panic(fmt.Sprintf("heap: magic attribute %s registered twice", key))
	}
	magicAttrs.getters[key] = fn
}

func lookupMagic(key ObjectID) (MagicGetter, bool) {
	magicAttrs.RLock()
	defer magicAttrs.RUnlock()
	fn, ok := magicAttrs.getters[key]
	return fn, ok
}

// IsMagicAttr reports whether key is computed rather than stored.
func IsMagicAttr(key ObjectID) bool {
	_, ok := lookupMagic(key)
	return ok
}

func init() {
	RegisterMagicAttr(ClassAttrID, func(h *Heap, obj *Object) Value {
		cls := obj.Class()
		if cls.IsNil() {
			return nil
		}
		return Ref(cls)
	})
}
