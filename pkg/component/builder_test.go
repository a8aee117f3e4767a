package component

import (
	"reflect"
	"testing"
)

type captureEmitter struct {
	updates []map[string]any
}

func (c *captureEmitter) EmitComponentUpdate(component map[string]any) {
	c.updates = append(c.updates, component)
}

func TestCreateAssignsMonotonicIDs(t *testing.T) {
	b := NewBuilder(nil)

	first := b.Create("Box")
	second := b.Create("Box")

	if first.ID != 1 || second.ID != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", first.ID, second.ID)
	}
	if first.StringID() != "Box_1" {
		t.Errorf("StringID = %q, want Box_1", first.StringID())
	}
}

func TestLoneScalarBecomesContent(t *testing.T) {
	b := NewBuilder(nil)

	n := b.Create("Typography", Text("hello"))

	content, ok := n.Content()
	if !ok || content != "hello" {
		t.Errorf("content = %q, %v, want hello, true", content, ok)
	}
	if len(n.Children()) != 0 {
		t.Errorf("children = %d, want 0", len(n.Children()))
	}
}

func TestMultipleScalarsBecomeTextLeaves(t *testing.T) {
	b := NewBuilder(nil)

	n := b.Create("Stack", Text("one"), Text(2))
	d := n.Dict()

	children, ok := d["children"].([]any)
	if !ok || len(children) != 2 {
		t.Fatalf("children = %v, want 2 entries", d["children"])
	}
	leaf := children[1].(map[string]any)
	if leaf["type"] != "text" || leaf["content"] != "2" {
		t.Errorf("leaf = %v, want text leaf with content 2", leaf)
	}
	if leaf["id"] != "text_1_1" {
		t.Errorf("leaf id = %v, want text_1_1", leaf["id"])
	}
	if leaf["parentId"] != "Stack_1" {
		t.Errorf("leaf parentId = %v, want Stack_1", leaf["parentId"])
	}
}

func TestCardTypographyEmitsTwoOrderedUpdates(t *testing.T) {
	em := &captureEmitter{}
	b := NewBuilder(em)

	card := b.Create("Card")
	b.In(card, func() {
		b.Create("Typography", Text("hello"))
	})

	if len(em.updates) != 2 {
		t.Fatalf("updates = %d, want exactly 2", len(em.updates))
	}
	if em.updates[0]["id"] != "Card_1" {
		t.Errorf("first id = %v, want Card_1", em.updates[0]["id"])
	}
	second := em.updates[1]
	if second["parentId"] != "Card_1" {
		t.Errorf("second parentId = %v, want Card_1", second["parentId"])
	}
	if second["content"] != "hello" {
		t.Errorf("second content = %v, want hello", second["content"])
	}
}

func TestPropComponentExcludedFromChildren(t *testing.T) {
	b := NewBuilder(nil)

	icon := b.Icon("Settings")
	n := b.Create("IconButton", Prop("icon", icon))

	d := n.Dict()
	if _, ok := d["children"]; ok {
		t.Errorf("children = %v, prop-component must not appear in children", d["children"])
	}
	props := d["props"].(map[string]any)
	nested, ok := props["icon"].(map[string]any)
	if !ok {
		t.Fatalf("props[icon] = %v, want nested node dict", props["icon"])
	}
	if nested["module"] != string(ModuleIcons) {
		t.Errorf("nested module = %v, want %s", nested["module"], ModuleIcons)
	}
	if nested["parentId"] != n.StringID() {
		t.Errorf("nested parentId = %v, want %s", nested["parentId"], n.StringID())
	}
}

func TestDeclaredSlotStaysInProps(t *testing.T) {
	b := NewBuilder(nil)

	avatar := b.Icon("Person")
	header := b.Create("CardHeader", Slot("avatar", avatar))

	d := header.Dict()
	props := d["props"].(map[string]any)
	if _, ok := props["avatar"]; !ok {
		t.Error("declared slot should serialize into props")
	}
	if _, ok := d["children"]; ok {
		t.Error("declared slot must not duplicate into children")
	}
	if avatar.Parent() != header {
		t.Error("slot child should keep parent bookkeeping")
	}
}

func TestUndeclaredSlotDegradesToChild(t *testing.T) {
	b := NewBuilder(nil)

	icon := b.Icon("Star")
	n := b.Create("Divider", Slot("decoration", icon))

	if _, ok := n.Prop("decoration"); ok {
		t.Error("undeclared slot must not become a prop")
	}
	kids := n.Children()
	if len(kids) != 1 || kids[0] != icon {
		t.Fatalf("children = %v, want the degraded slot child", kids)
	}
}

func TestDictIdempotent(t *testing.T) {
	b := NewBuilder(nil)

	card := b.Create("Card", Prop("variant", "outlined"))
	b.In(card, func() {
		b.Create("Typography", Text("body"))
	})

	first := card.Dict()
	second := card.Dict()
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Dict not idempotent:\nfirst  = %v\nsecond = %v", first, second)
	}
}

func TestReEmitIsNoOp(t *testing.T) {
	em := &captureEmitter{}
	b := NewBuilder(em)

	n := b.Create("Box")
	b.Emit(n)
	b.Emit(n)

	if len(em.updates) != 1 {
		t.Errorf("updates = %d, want 1 (re-emit must be a no-op)", len(em.updates))
	}
}

func TestScopeCloseAttachesDeferredNode(t *testing.T) {
	b := NewBuilder(nil)

	outer := b.Create("Box")
	sc := b.Enter(outer)

	// Detached node entered as its own scope: Close attaches it to the
	// enclosing scope's node.
	inner := b.Icon("Folder")
	inner.isProp = false
	innerScope := b.Enter(inner)
	innerScope.Close()
	sc.Close()

	if inner.Parent() != outer {
		t.Errorf("parent = %v, want outer", inner.Parent())
	}
}

func TestRootsRecorded(t *testing.T) {
	b := NewBuilder(nil)

	a := b.Create("Box")
	b.In(a, func() {
		b.Create("Typography", Text("x"))
	})
	c := b.Create("Card")

	roots := b.Roots()
	if len(roots) != 2 || roots[0] != a || roots[1] != c {
		t.Errorf("roots = %v, want [a c]", roots)
	}

	b.Reset()
	if len(b.Roots()) != 0 {
		t.Error("Reset should clear roots")
	}
	if next := b.Create("Box"); next.ID <= c.ID {
		t.Errorf("id after Reset = %d, ids must not be reused", next.ID)
	}
}

func TestAppendReparents(t *testing.T) {
	b := NewBuilder(nil)

	first := b.Create("Box")
	second := b.Create("Box")
	leaf := b.Create("Chip")

	first.Append(leaf)
	second.Append(leaf)

	if len(first.Children()) != 0 {
		t.Error("reparented child should leave the old parent")
	}
	if leaf.Parent() != second {
		t.Error("child should follow the explicit attach")
	}
}
