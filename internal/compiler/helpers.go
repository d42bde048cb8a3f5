package compiler

import (
	"github.com/tinyrange/aot/internal/helpers"
	"github.com/tinyrange/aot/internal/typesys"
)

func (c *Compilation) GetReadyToRunHelper(id helpers.ReadyToRunHelperID, target any) (*helpers.ReadyToRunHelper, error) {
	return c.helpers.ReadyToRunHelper(id, target)
}

func (c *Compilation) GetJitHelper(id helpers.JitHelperID) *helpers.JitHelper {
	return c.helpers.JitHelper(id)
}

func (c *Compilation) GetDelegateCtor(target typesys.MethodDesc) *helpers.DelegateInfo {
	return c.helpers.DelegateCtor(target)
}

// GetFieldRvaData returns the image-mapped static data of an RVA field.
func (c *Compilation) GetFieldRvaData(field typesys.FieldDesc) *helpers.RvaFieldData {
	return c.helpers.FieldRvaData(field)
}
