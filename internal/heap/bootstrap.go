package heap

// Well-known objects present in every store.
var (
	InitialSpaceID = MustParseID("_1SpaceInit010000001")
	ClassClassID   = MustParseID("_1ClassClas010000001")
	ObjectClassID  = MustParseID("_1ObjectCla010000001")
	SpaceClassID   = MustParseID("_1SpaceClas010000001")
	SymbolClassID  = MustParseID("_1SymbolCla010000001")
	SetClassID     = MustParseID("_1MutSetCla010000001")
	VectorClassID  = MustParseID("_1VectorCla010000001")
	DictClassID    = MustParseID("_1StrDictCl010000001")

	// ClassAttrID is the magic attribute giving the class of an object.
	ClassAttrID = MustParseID("_1ClassAttr010000001")
)

var predefinedClasses = []struct {
	id    ObjectID
	name  string
	super ObjectID
}{
	{ObjectClassID, "object", NilID},
	{ClassClassID, "class", ObjectClassID},
	{SpaceClassID, "space", ObjectClassID},
	{SymbolClassID, "symbol", ObjectClassID},
	{SetClassID, "setob", ObjectClassID},
	{VectorClassID, "vectob", ObjectClassID},
	{DictClassID, "string_dict", ObjectClassID},
}

// Bootstrap returns a heap holding the initial space, the predefined
// classes and the class magic attribute, all named roots living in the
// initial space. It is the starting point of a brand new store.
func Bootstrap() (*Heap, error) {
	h := New()

	space, err := h.NewStub(InitialSpaceID)
	if err != nil {
		return nil, err
	}
	MakeSpace(space)
	space.RestoreSpace(InitialSpaceID)

	for _, pc := range predefinedClasses {
		cls, err := h.NewStub(pc.id)
		if err != nil {
			return nil, err
		}
		MakeClassInfo(cls, pc.name, pc.super)
		cls.RestoreSpace(InitialSpaceID)
	}
	for _, pc := range predefinedClasses {
		cls := h.Find(pc.id)
		if err := cls.SetClass(h.Find(ClassClassID)); err != nil {
			return nil, err
		}
		if err := h.NameRoot(pc.name, pc.id); err != nil {
			return nil, err
		}
	}
	if err := space.SetClass(h.Find(SpaceClassID)); err != nil {
		return nil, err
	}
	if err := h.NameRoot("initial_space", InitialSpaceID); err != nil {
		return nil, err
	}

	classAttr, err := h.NewStub(ClassAttrID)
	if err != nil {
		return nil, err
	}
	if err := classAttr.SetClass(h.Find(ObjectClassID)); err != nil {
		return nil, err
	}
	classAttr.RestoreSpace(InitialSpaceID)
	if err := h.NameRoot("class_attr", ClassAttrID); err != nil {
		return nil, err
	}
	return h, nil
}
