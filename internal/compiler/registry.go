package compiler

import (
	"fmt"

	"github.com/tinyrange/aot/internal/typesys"
)

type RegisteredType struct {
	Type typesys.TypeDesc

	IncludedInCompilation bool
	// Constructed is set once instances of the type may exist, which makes
	// its virtual slots reachable.
	Constructed bool
	// VirtualSlots lists the slots called through this type in discovery
	// order, without duplicates.
	VirtualSlots []typesys.MethodDesc
	Methods      []*RegisteredMethod
}

type RegisteredMethod struct {
	Method typesys.MethodDesc

	IncludedInCompilation bool
}

type RegisteredField struct {
	Field typesys.FieldDesc

	IncludedInCompilation bool
}

// RegisteredTypes returns every registered type in registration order.
func (c *Compilation) RegisteredTypes() []*RegisteredType {
	return append([]*RegisteredType(nil), c.typeOrder...)
}

func (c *Compilation) LookupRegisteredType(t typesys.TypeDesc) (*RegisteredType, bool) {
	reg, ok := c.registeredTypes[t]
	return reg, ok
}

func (c *Compilation) LookupRegisteredMethod(m typesys.MethodDesc) (*RegisteredMethod, bool) {
	reg, ok := c.registeredMethods[m]
	return reg, ok
}

func (c *Compilation) LookupRegisteredField(f typesys.FieldDesc) (*RegisteredField, bool) {
	reg, ok := c.registeredFields[f]
	return reg, ok
}

// GetRegisteredType returns the record for t, creating it and the records of
// its base and element types on first use.
func (c *Compilation) GetRegisteredType(t typesys.TypeDesc) *RegisteredType {
	if reg, ok := c.registeredTypes[t]; ok {
		return reg
	}
	reg := c.insertType(t)
	c.registerAncestors(t)
	return reg
}

func (c *Compilation) insertType(t typesys.TypeDesc) *RegisteredType {
	if _, ok := c.registeredTypes[t]; ok {
		panic(fmt.Errorf("%w: type %s", ErrDuplicateRegistration, t.Name()))
	}
	reg := &RegisteredType{Type: t}
	c.registeredTypes[t] = reg
	c.typeOrder = append(c.typeOrder, reg)
	return reg
}

// registerAncestors registers the base and element types reachable from t.
// The walk is iterative so that no record is ever created while another
// creation is in progress.
func (c *Compilation) registerAncestors(t typesys.TypeDesc) {
	work := []typesys.TypeDesc{t}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		for _, next := range [...]typesys.TypeDesc{cur.BaseType(), cur.ElementType()} {
			if next == nil {
				continue
			}
			if _, ok := c.registeredTypes[next]; ok {
				continue
			}
			c.insertType(next)
			work = append(work, next)
		}
	}
}

func (c *Compilation) GetRegisteredMethod(m typesys.MethodDesc) *RegisteredMethod {
	if reg, ok := c.registeredMethods[m]; ok {
		return reg
	}
	reg := &RegisteredMethod{Method: m}
	c.registeredMethods[m] = reg
	c.GetRegisteredType(m.OwningType())
	return reg
}

func (c *Compilation) GetRegisteredField(f typesys.FieldDesc) *RegisteredField {
	if reg, ok := c.registeredFields[f]; ok {
		return reg
	}
	reg := &RegisteredField{Field: f}
	c.registeredFields[f] = reg
	c.GetRegisteredType(f.OwningType())
	return reg
}

// AddType includes t, its base types and its element type in the output.
func (c *Compilation) AddType(t typesys.TypeDesc) {
	work := []typesys.TypeDesc{t}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]

		reg := c.GetRegisteredType(cur)
		if reg.IncludedInCompilation {
			continue
		}
		reg.IncludedInCompilation = true

		if base := cur.BaseType(); base != nil {
			work = append(work, base)
		}
		if cur.IsArray() {
			if elem := cur.ElementType(); elem != nil {
				work = append(work, elem)
			}
		}
	}
}

// AddMethod includes m and queues it for compilation. A method is queued at
// most once per compilation.
func (c *Compilation) AddMethod(m typesys.MethodDesc) {
	reg := c.GetRegisteredMethod(m)
	if reg.IncludedInCompilation {
		return
	}
	reg.IncludedInCompilation = true

	regType := c.GetRegisteredType(m.OwningType())
	regType.Methods = append(regType.Methods, reg)

	c.methodsThatNeedCompilation = append(c.methodsThatNeedCompilation, m)

	if c.Options.TextualBackend {
		// The textual backend names every type a signature mentions, so
		// they must be registered before the method is emitted.
		sig := m.Signature()
		if sig.ReturnType != nil {
			c.GetRegisteredType(sig.ReturnType)
		}
		for i := 0; i < sig.Length(); i++ {
			c.GetRegisteredType(sig.Param(i))
		}
	}
}

func (c *Compilation) AddField(f typesys.FieldDesc) {
	reg := c.GetRegisteredField(f)
	if reg.IncludedInCompilation {
		return
	}
	reg.IncludedInCompilation = true

	if c.Options.TextualBackend {
		c.GetRegisteredType(f.OwningType())
		if ft := f.FieldType(); ft != nil {
			c.GetRegisteredType(ft)
		}
	}
}

// AddVirtualSlot records that m is called virtually through its owning type.
func (c *Compilation) AddVirtualSlot(m typesys.MethodDesc) {
	reg := c.GetRegisteredType(m.OwningType())
	for _, slot := range reg.VirtualSlots {
		if slot == m {
			return
		}
	}
	reg.VirtualSlots = append(reg.VirtualSlots, m)
}

func (c *Compilation) MarkAsConstructed(t typesys.TypeDesc) {
	c.GetRegisteredType(t).Constructed = true
}
