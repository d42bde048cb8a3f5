package helpers

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/tinyrange/aot/internal/mangling"
	"github.com/tinyrange/aot/internal/typesys"
)

// ErrUnsupportedTarget is returned for a ready-to-run helper target that is
// not a type, method, field or delegate.
var ErrUnsupportedTarget = errors.New("unsupported ready-to-run helper target")

type readyToRunHelperKey struct {
	id     ReadyToRunHelperID
	target any
}

// Cache owns every auxiliary record of one compilation. Each Get call
// creates the record on the first miss and returns the same pointer for
// every later call with an equal key.
//
// Ready-to-run helper targets are compared with ==, so pointer targets are
// compared by identity.
type Cache struct {
	mangler *mangling.NameMangler

	readyToRun map[readyToRunHelperKey]*ReadyToRunHelper
	jit        map[JitHelperID]*JitHelper
	delegates  map[typesys.MethodDesc]*DelegateInfo
	rvaFields  map[typesys.FieldDesc]*RvaFieldData
}

func NewCache(mangler *mangling.NameMangler) *Cache {
	return &Cache{
		mangler:    mangler,
		readyToRun: make(map[readyToRunHelperKey]*ReadyToRunHelper),
		jit:        make(map[JitHelperID]*JitHelper),
		delegates:  make(map[typesys.MethodDesc]*DelegateInfo),
		rvaFields:  make(map[typesys.FieldDesc]*RvaFieldData),
	}
}

// ReadyToRunHelper returns the helper id specialised for target, which must
// be a TypeDesc, MethodDesc, FieldDesc or *DelegateInfo.
func (c *Cache) ReadyToRunHelper(id ReadyToRunHelperID, target any) (*ReadyToRunHelper, error) {
	switch target.(type) {
	case typesys.TypeDesc, typesys.MethodDesc, typesys.FieldDesc, *DelegateInfo:
	default:
		return nil, fmt.Errorf("%w: %s for %T", ErrUnsupportedTarget, id, target)
	}
	// Descriptors implemented by non-comparable values cannot key the cache.
	if !reflect.TypeOf(target).Comparable() {
		return nil, fmt.Errorf("%w: %s for non-comparable %T", ErrUnsupportedTarget, id, target)
	}
	return c.readyToRunHelper(id, target), nil
}

func (c *Cache) readyToRunHelper(id ReadyToRunHelperID, target any) *ReadyToRunHelper {
	key := readyToRunHelperKey{id: id, target: target}
	if helper, ok := c.readyToRun[key]; ok {
		return helper
	}
	helper := &ReadyToRunHelper{
		ID:          id,
		Target:      target,
		mangledName: "__" + id.String() + "_" + c.targetName(target),
	}
	c.readyToRun[key] = helper
	return helper
}

func (c *Cache) targetName(target any) string {
	switch v := target.(type) {
	case typesys.TypeDesc:
		return c.mangler.TypeName(v)
	case typesys.MethodDesc:
		return c.mangler.MethodName(v)
	case typesys.FieldDesc:
		return c.mangler.FieldName(v)
	case *DelegateInfo:
		return c.mangler.MethodName(v.Target)
	default:
		return mangling.SanitizeName(fmt.Sprint(v))
	}
}

func (c *Cache) JitHelper(id JitHelperID) *JitHelper {
	if helper, ok := c.jit[id]; ok {
		return helper
	}
	helper := &JitHelper{ID: id}
	c.jit[id] = helper
	return helper
}

func (c *Cache) DelegateCtor(target typesys.MethodDesc) *DelegateInfo {
	if info, ok := c.delegates[target]; ok {
		return info
	}
	info := &DelegateInfo{Target: target}
	c.delegates[target] = info
	info.Ctor = c.readyToRunHelper(HelperDelegateCtor, info)
	return info
}

func (c *Cache) FieldRvaData(field typesys.FieldDesc) *RvaFieldData {
	if data, ok := c.rvaFields[field]; ok {
		return data
	}
	data := &RvaFieldData{
		Field:       field,
		MangledName: "__RVA_" + c.mangler.FieldName(field),
		Data:        field.RVAData(),
	}
	c.rvaFields[field] = data
	return data
}

// Counts reports how many records of each kind were created.
func (c *Cache) Counts() (readyToRun, jit, delegates, rvaFields int) {
	return len(c.readyToRun), len(c.jit), len(c.delegates), len(c.rvaFields)
}
