package ld

// Registry is the append-only list of loaded modules, in load order.
type Registry struct {
	modules []*Module
}

// Register appends a fully loaded module and assigns its handle. Callers
// check Lookup first.
func (registry *Registry) Register(module *Module) *Module {
	module.Handle = Handle(len(registry.modules))
	module.Usage = 1
	registry.modules = append(registry.modules, module)
	return module
}

// Lookup finds the module registered for path.
func (registry *Registry) Lookup(path string) (*Module, bool) {
	for _, module := range registry.modules {
		if module.Path == path {
			return module, true
		}
	}
	return nil, false
}

// ByTag finds the module whose link_map record is at tag.
func (registry *Registry) ByTag(tag uint64) (*Module, bool) {
	for _, module := range registry.modules {
		if module.Tag == tag && tag != 0 {
			return module, true
		}
	}
	return nil, false
}

func (registry *Registry) Get(handle Handle) *Module {
	if handle < 0 || int(handle) >= len(registry.modules) {
		return nil
	}
	return registry.modules[handle]
}

func (registry *Registry) Next(handle Handle) Handle {
	if handle < 0 || int(handle)+1 >= len(registry.modules) {
		return NoModule
	}
	return handle + 1
}

func (registry *Registry) Prev(handle Handle) Handle {
	if handle <= 0 || int(handle) > len(registry.modules) {
		return NoModule
	}
	return handle - 1
}

func (registry *Registry) Len() int {
	return len(registry.modules)
}

func (registry *Registry) Modules() []*Module {
	out := make([]*Module, len(registry.modules))
	copy(out, registry.modules)
	return out
}
