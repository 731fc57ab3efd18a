package kb

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/tandem/command"
	"github.com/outofforest/tandem/store"
	"github.com/outofforest/tandem/wire"
)

const firstStructID = 0xff000000

// Emitter receives frames describing local edits while hooks are installed.
type Emitter func(ctx context.Context, f wire.Frame)

// Name is the name of the address.
type Name struct {
	Name  string
	Local bool
}

// Struct is the structure type.
type Struct struct {
	ID    uint64
	Name  string
	Union bool
}

// Function is the function boundaries.
type Function struct {
	Start   uint64
	End     uint64
	Library bool
}

type commentKey struct {
	addr       uint64
	repeatable bool
}

// New creates empty knowledge base.
func New(state *store.State, emit Emitter) *KB {
	return &KB{
		state:    state,
		emit:     emit,
		names:    map[uint64]Name{},
		comments: map[commentKey]string{},
		bytes:    map[uint64]byte{},
		structs:  map[uint64]*Struct{},
		funcs:    map[uint64]*Function{},
		crefs:    map[uint64][]uint64{},
		nextID:   firstStructID,
	}
}

// KB is the in-memory knowledge base. Every change, local or remote, is reported
// to the emitter while hooks are installed.
type KB struct {
	state *store.State
	emit  Emitter

	mu        sync.Mutex
	installed bool
	names     map[uint64]Name
	comments  map[commentKey]string
	bytes     map[uint64]byte
	structs   map[uint64]*Struct
	funcs     map[uint64]*Function
	crefs     map[uint64][]uint64
	nextID    uint64
}

// Install starts reporting changes.
func (k *KB) Install() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.installed = true
}

// Uninstall stops reporting changes.
func (k *KB) Uninstall() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.installed = false
}

// Register registers handlers of the mutations supported by the knowledge base.
func (k *KB) Register(r *command.Registry) error {
	for op, h := range map[wire.Opcode]command.Handler{
		wire.CmdRenamed:             k.onRenamed,
		wire.CmdCommentChanged:      k.onCommentChanged,
		wire.CmdBytePatched:         k.onBytePatched,
		wire.CmdStructCreated:       k.onStructCreated,
		wire.CmdStructRenamed:       k.onStructRenamed,
		wire.CmdStructDeleted:       k.onStructDeleted,
		wire.CmdAddFunc:             k.onAddFunc,
		wire.CmdAddCodeRef:          k.onAddCodeRef,
		wire.CmdValidateLibraryFunc: k.onValidateLibraryFunc,
	} {
		if err := r.Register(op, h); err != nil {
			return err
		}
	}
	return nil
}

// Rename sets name of the address.
func (k *KB) Rename(ctx context.Context, addr uint64, name string, local bool) error {
	return k.change(ctx, func() error {
		k.rename(addr, name, local)
		return nil
	}, wire.CmdRenamed, func(b *wire.Buffer) {
		b.WriteUint64(addr)
		b.WriteBool(local)
		b.WriteString(name)
	})
}

// SetComment sets comment of the address.
func (k *KB) SetComment(ctx context.Context, addr uint64, text string, repeatable bool) error {
	return k.change(ctx, func() error {
		k.setComment(addr, text, repeatable)
		return nil
	}, wire.CmdCommentChanged, func(b *wire.Buffer) {
		b.WriteUint64(addr)
		b.WriteBool(repeatable)
		b.WriteString(text)
	})
}

// PatchByte changes the byte at the address.
func (k *KB) PatchByte(ctx context.Context, addr uint64, value byte) error {
	return k.change(ctx, func() error {
		k.bytes[addr] = value
		return nil
	}, wire.CmdBytePatched, func(b *wire.Buffer) {
		b.WriteUint64(addr)
		b.WriteUint32(uint32(value))
	})
}

// CreateStruct creates new structure type.
func (k *KB) CreateStruct(ctx context.Context, name string, union bool) (uint64, error) {
	var id uint64
	err := k.change(ctx, func() error {
		var err error
		id, err = k.createStruct(ctx, name, union)
		return err
	}, wire.CmdStructCreated, func(b *wire.Buffer) {
		b.WriteUint64(id)
		b.WriteBool(union)
		b.WriteString(name)
	})
	return id, err
}

// RenameStruct renames structure type.
func (k *KB) RenameStruct(ctx context.Context, id uint64, name string) error {
	var oldName string
	return k.change(ctx, func() error {
		var ok bool
		var err error
		oldName, ok, err = k.state.Name(ctx, store.TagStruct, id)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Errorf("struct %#x does not exist", id)
		}
		return k.renameStruct(ctx, id, name)
	}, wire.CmdStructRenamed, func(b *wire.Buffer) {
		b.WriteUint64(id)
		b.WriteString(name)
		b.WriteString(oldName)
	})
}

// DeleteStruct deletes structure type.
func (k *KB) DeleteStruct(ctx context.Context, id uint64) error {
	var name string
	return k.change(ctx, func() error {
		s, exists := k.structs[id]
		if !exists {
			return errors.Errorf("struct %#x does not exist", id)
		}
		name = s.Name
		return k.deleteStruct(ctx, id)
	}, wire.CmdStructDeleted, func(b *wire.Buffer) {
		b.WriteString(name)
	})
}

// AddFunction defines function.
func (k *KB) AddFunction(ctx context.Context, start, end uint64) error {
	return k.change(ctx, func() error {
		return k.addFunction(start, end)
	}, wire.CmdAddFunc, func(b *wire.Buffer) {
		b.WriteUint64(start)
		b.WriteUint64(end)
	})
}

// AddCodeRef adds code reference, calls between functions make the call graph.
func (k *KB) AddCodeRef(ctx context.Context, from, to uint64) error {
	return k.change(ctx, func() error {
		k.crefs[from] = append(k.crefs[from], to)
		return nil
	}, wire.CmdAddCodeRef, func(b *wire.Buffer) {
		b.WriteUint64(from)
		b.WriteUint64(to)
	})
}

// ValidateLibraryFunc marks function as library code, together with everything it calls.
func (k *KB) ValidateLibraryFunc(ctx context.Context, addr uint64, name string, end uint64) error {
	return k.change(ctx, func() error {
		return k.validateLibraryFunc(addr, name, end)
	}, wire.CmdValidateLibraryFunc, func(b *wire.Buffer) {
		b.WriteUint64(addr)
		b.WriteString(name)
		b.WriteUint64(end)
	})
}

// Name returns name of the address.
func (k *KB) Name(addr uint64) (Name, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	n, ok := k.names[addr]
	return n, ok
}

// Comment returns comment of the address.
func (k *KB) Comment(addr uint64, repeatable bool) string {
	k.mu.Lock()
	defer k.mu.Unlock()

	return k.comments[commentKey{addr: addr, repeatable: repeatable}]
}

// Byte returns patched byte at the address.
func (k *KB) Byte(addr uint64) (byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	v, ok := k.bytes[addr]
	return v, ok
}

// Structs returns structure types sorted by id.
func (k *KB) Structs() []Struct {
	k.mu.Lock()
	defer k.mu.Unlock()

	structs := make([]Struct, 0, len(k.structs))
	for _, s := range k.structs {
		structs = append(structs, *s)
	}
	sort.Slice(structs, func(i, j int) bool { return structs[i].ID < structs[j].ID })
	return structs
}

// Function returns function starting at the address.
func (k *KB) Function(addr uint64) (Function, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	f, ok := k.funcs[addr]
	if !ok {
		return Function{}, false
	}
	return *f, true
}

// change applies the mutation and, if hooks are installed, reports it.
func (k *KB) change(ctx context.Context, mutate func() error, op wire.Opcode, build func(b *wire.Buffer)) error {
	k.mu.Lock()
	if err := mutate(); err != nil {
		k.mu.Unlock()
		return err
	}
	report := k.installed
	k.mu.Unlock()

	if !report || k.emit == nil {
		return nil
	}
	f, err := command.LocalFrame(op, build)
	if err != nil {
		return err
	}
	k.emit(ctx, f)
	return nil
}

// remote applies mutation decoded from the payload, reporting it like any other change.
func (k *KB) remote(ctx context.Context, b *wire.Buffer, op wire.Opcode, mutate func() error) error {
	if err := b.Err(); err != nil {
		return err
	}
	payload := b.Written()
	return k.change(ctx, mutate, op, func(out *wire.Buffer) {
		out.WriteBytes(payload)
	})
}

func (k *KB) onRenamed(ctx context.Context, b *wire.Buffer) error {
	addr := b.ReadUint64()
	local := b.ReadBool()
	name := b.ReadString()
	return k.remote(ctx, b, wire.CmdRenamed, func() error {
		k.rename(addr, name, local)
		return nil
	})
}

func (k *KB) onCommentChanged(ctx context.Context, b *wire.Buffer) error {
	addr := b.ReadUint64()
	repeatable := b.ReadBool()
	text := b.ReadString()
	return k.remote(ctx, b, wire.CmdCommentChanged, func() error {
		k.setComment(addr, text, repeatable)
		return nil
	})
}

func (k *KB) onBytePatched(ctx context.Context, b *wire.Buffer) error {
	addr := b.ReadUint64()
	value := b.ReadUint32()
	return k.remote(ctx, b, wire.CmdBytePatched, func() error {
		k.bytes[addr] = byte(value)
		return nil
	})
}

func (k *KB) onStructCreated(ctx context.Context, b *wire.Buffer) error {
	// Struct ids are local to every document, the one sent by the peer is not used.
	_ = b.ReadUint64()
	union := b.ReadBool()
	name := b.ReadString()
	return k.remote(ctx, b, wire.CmdStructCreated, func() error {
		_, err := k.createStruct(ctx, name, union)
		return err
	})
}

func (k *KB) onStructRenamed(ctx context.Context, b *wire.Buffer) error {
	_ = b.ReadUint64()
	newName := b.ReadString()
	oldName := b.ReadString()
	return k.remote(ctx, b, wire.CmdStructRenamed, func() error {
		id, ok, err := k.state.FindByName(ctx, store.TagStruct, oldName)
		if err != nil {
			return err
		}
		if !ok {
			logger.Get(ctx).Warn("Renamed struct not found", zap.String("name", oldName))
			return nil
		}
		return k.renameStruct(ctx, id, newName)
	})
}

func (k *KB) onStructDeleted(ctx context.Context, b *wire.Buffer) error {
	name := b.ReadString()
	return k.remote(ctx, b, wire.CmdStructDeleted, func() error {
		for id, s := range k.structs {
			if s.Name == name {
				return k.deleteStruct(ctx, id)
			}
		}
		return nil
	})
}

func (k *KB) onAddFunc(ctx context.Context, b *wire.Buffer) error {
	start := b.ReadUint64()
	end := b.ReadUint64()
	return k.remote(ctx, b, wire.CmdAddFunc, func() error {
		return k.addFunction(start, end)
	})
}

func (k *KB) onAddCodeRef(ctx context.Context, b *wire.Buffer) error {
	from := b.ReadUint64()
	to := b.ReadUint64()
	return k.remote(ctx, b, wire.CmdAddCodeRef, func() error {
		k.crefs[from] = append(k.crefs[from], to)
		return nil
	})
}

func (k *KB) onValidateLibraryFunc(ctx context.Context, b *wire.Buffer) error {
	addr := b.ReadUint64()
	name := b.ReadString()
	end := b.ReadUint64()
	return k.remote(ctx, b, wire.CmdValidateLibraryFunc, func() error {
		return k.validateLibraryFunc(addr, name, end)
	})
}

func (k *KB) rename(addr uint64, name string, local bool) {
	if name == "" {
		delete(k.names, addr)
		return
	}
	k.names[addr] = Name{Name: name, Local: local}
}

func (k *KB) setComment(addr uint64, text string, repeatable bool) {
	key := commentKey{addr: addr, repeatable: repeatable}
	if text == "" {
		delete(k.comments, key)
		return
	}
	k.comments[key] = text
}

func (k *KB) createStruct(ctx context.Context, name string, union bool) (uint64, error) {
	for _, s := range k.structs {
		if s.Name == name {
			return 0, errors.Errorf("struct %q already exists", name)
		}
	}
	id := k.nextID
	k.nextID++
	k.structs[id] = &Struct{ID: id, Name: name, Union: union}
	return id, k.state.SetName(ctx, store.TagStruct, id, name)
}

func (k *KB) renameStruct(ctx context.Context, id uint64, name string) error {
	s, exists := k.structs[id]
	if !exists {
		return errors.Errorf("struct %#x does not exist", id)
	}
	s.Name = name
	return k.state.SetName(ctx, store.TagStruct, id, name)
}

func (k *KB) deleteStruct(ctx context.Context, id uint64) error {
	delete(k.structs, id)
	return k.state.DeleteName(ctx, store.TagStruct, id)
}

func (k *KB) addFunction(start, end uint64) error {
	if end != 0 && end <= start {
		return errors.Errorf("function end %#x not after start %#x", end, start)
	}
	if f, exists := k.funcs[start]; exists {
		if end != 0 {
			f.End = end
		}
		return nil
	}
	k.funcs[start] = &Function{Start: start, End: end}
	return nil
}

func (k *KB) validateLibraryFunc(addr uint64, name string, end uint64) error {
	if name != "" {
		k.rename(addr, name, false)
	}
	if err := k.addFunction(addr, end); err != nil {
		return err
	}
	command.PropagateLibrary(callGraph{k: k}, addr, func(a uint64) {
		if f, exists := k.funcs[a]; exists {
			f.Library = true
		}
	})
	return nil
}

// callGraph reads the graph while the lock is already held.
type callGraph struct {
	k *KB
}

func (g callGraph) Callees(addr uint64) []uint64 {
	f, exists := g.k.funcs[addr]
	if !exists {
		return nil
	}
	var callees []uint64
	for from, targets := range g.k.crefs {
		if from < f.Start || (f.End != 0 && from >= f.End) || (f.End == 0 && from != f.Start) {
			continue
		}
		for _, to := range targets {
			if _, exists := g.k.funcs[to]; exists {
				callees = append(callees, to)
			}
		}
	}
	return callees
}
