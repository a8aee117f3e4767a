package component

import "fmt"

// Emitter receives serialized component_update records as nodes are built.
// The flow coordinator implements this; emission must never fail from the
// builder's point of view.
type Emitter interface {
	EmitComponentUpdate(component map[string]any)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(component map[string]any)

func (f EmitterFunc) EmitComponentUpdate(component map[string]any) { f(component) }

// Builder constructs nodes for one script execution pass.
//
// The builder owns the id counter and the scope stack. It is deliberately
// not safe for concurrent use: a script pass is single-writer, and each
// rerun gets a fresh Builder from the coordinator.
type Builder struct {
	emitter Emitter
	slots   SlotTable
	nextID  int
	stack   []*Node
	roots   []*Node
}

// Option configures a Builder.
type Option func(*Builder)

// WithSlotTable overrides the structural child slot declarations.
func WithSlotTable(t SlotTable) Option {
	return func(b *Builder) { b.slots = t }
}

// NewBuilder creates a Builder that emits through emitter. A nil emitter
// builds trees without streaming them, which tests rely on.
func NewBuilder(emitter Emitter, opts ...Option) *Builder {
	b := &Builder{
		emitter: emitter,
		slots:   DefaultSlotTable(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Arg is one construction argument to Create.
type Arg interface {
	apply(b *Builder, n *Node)
}

type textArg struct{ value any }

func (a textArg) apply(b *Builder, n *Node) {
	n.AppendText(fmt.Sprint(a.value))
}

// Text adds positional text content. A string, number or boolean becomes
// an inline text leaf, or the node's own content when it is the only one.
func Text(value any) Arg { return textArg{value: value} }

type childArg struct{ child *Node }

func (a childArg) apply(b *Builder, n *Node) {
	n.Append(a.child)
}

// Child attaches an existing node as an ordinary child.
func Child(child *Node) Arg { return childArg{child: child} }

type propArg struct {
	key   string
	value any
}

func (a propArg) apply(b *Builder, n *Node) {
	n.SetProp(a.key, a.value)
}

// Prop sets a named property. A Node value is flagged as a prop-component:
// it serializes inside props and is excluded from children.
func Prop(key string, value any) Arg { return propArg{key: key, value: value} }

type slotArg struct {
	key   string
	child *Node
}

func (a slotArg) apply(b *Builder, n *Node) {
	if b.slots.Declared(n.Type, a.key) {
		n.SetProp(a.key, a.child)
		return
	}
	// Undeclared slot degrades to a normal child. Not an error.
	n.Append(a.child)
}

// Slot places child into a structural child slot of the owning type.
// Declared slots are serialized denormalized into props while keeping
// parent bookkeeping; on a type that does not declare the slot the child
// degrades to an ordinary child.
func Slot(key string, child *Node) Arg { return slotArg{key: key, child: child} }

// Create constructs a node of the element vocabulary and, when a scope is
// open, attaches it to the current scope node. The finished node is
// emitted immediately as a component_update record.
func (b *Builder) Create(typ string, args ...Arg) *Node {
	n := b.newNode(typ, ModuleElements)
	for _, arg := range args {
		arg.apply(b, n)
	}
	b.collapseLoneText(n)

	if top := b.top(); top != nil {
		top.Append(n)
	} else {
		b.roots = append(b.roots, n)
	}

	b.emit(n)
	return n
}

// Icon constructs a node of the icon vocabulary. Icons are built to fill
// named prop slots, so they are neither stacked nor emitted standalone;
// they serialize inside their owner's props.
func (b *Builder) Icon(name string, args ...Arg) *Node {
	n := b.newNode(name, ModuleIcons)
	n.isProp = true
	for _, arg := range args {
		arg.apply(b, n)
	}
	b.collapseLoneText(n)
	return n
}

// Scope is the explicit handle for "the current scope defines the current
// parent". Close pops the scope; it is safe to call once per Enter.
type Scope struct {
	b      *Builder
	node   *Node
	closed bool
}

// Enter pushes n as the current parent for subsequently created nodes.
func (b *Builder) Enter(n *Node) *Scope {
	b.stack = append(b.stack, n)
	return &Scope{b: b, node: n}
}

// In runs fn with n as the current parent.
func (b *Builder) In(n *Node, fn func()) {
	sc := b.Enter(n)
	defer sc.Close()
	fn()
}

// Close pops the scope. If an enclosing scope remains and the node has no
// parent yet, it is attached as a child of the new top; with no enclosing
// scope an unattached node is recorded as a root.
func (s *Scope) Close() {
	if s.closed {
		return
	}
	s.closed = true
	b := s.b

	// Pop down to (and including) this scope's node. Mismatched closes
	// collapse inner scopes rather than corrupt the stack.
	for len(b.stack) > 0 {
		top := b.stack[len(b.stack)-1]
		b.stack = b.stack[:len(b.stack)-1]
		if top == s.node {
			break
		}
	}

	if s.node.parent == nil && !s.node.isProp {
		if top := b.top(); top != nil {
			top.Append(s.node)
		} else if !containsNode(b.roots, s.node) {
			b.roots = append(b.roots, s.node)
		}
	}
}

// Emit re-sends a node. Nodes that were already sent are skipped: the
// "already created" flag makes this a no-op guard, not a failure.
func (b *Builder) Emit(n *Node) {
	b.emit(n)
}

// Roots returns the nodes recorded as tree roots during this pass.
func (b *Builder) Roots() []*Node {
	out := make([]*Node, len(b.roots))
	copy(out, b.roots)
	return out
}

// Reset clears transient bookkeeping (scope stack and roots) between
// reruns. The id counter is not rewound: ids are never reused within one
// script execution.
func (b *Builder) Reset() {
	b.stack = nil
	b.roots = nil
}

func (b *Builder) newNode(typ string, module Module) *Node {
	b.nextID++
	return &Node{
		Type:    typ,
		ID:      b.nextID,
		Module:  module,
		propIdx: make(map[string]int),
		builder: b,
	}
}

// collapseLoneText turns a single text leaf into node content, matching
// the wire shape the frontend expects for simple labeled elements.
func (b *Builder) collapseLoneText(n *Node) {
	if n.hasContent || len(n.children) != 1 {
		return
	}
	only := n.children[0]
	if only.Module != ModuleText {
		return
	}
	n.content = only.content
	n.hasContent = true
	n.children = nil
}

func (b *Builder) top() *Node {
	if len(b.stack) == 0 {
		return nil
	}
	return b.stack[len(b.stack)-1]
}

func (b *Builder) emit(n *Node) {
	if b.emitter == nil || n.sent || n.isProp || n.Module == ModuleText {
		return
	}
	n.sent = true
	b.emitter.EmitComponentUpdate(n.Dict())
}

func containsNode(nodes []*Node, n *Node) bool {
	for _, c := range nodes {
		if c == n {
			return true
		}
	}
	return false
}
