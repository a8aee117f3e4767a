package component

import "fmt"

// Module namespaces the visual vocabulary a node belongs to.
type Module string

const (
	// ModuleElements is the default element vocabulary.
	ModuleElements Module = "muiElements"

	// ModuleIcons is the icon vocabulary.
	ModuleIcons Module = "muiIcons"

	// ModuleText marks inline text leaves.
	ModuleText Module = "text"
)

// PropEntry is one named property. Props keep construction order.
type PropEntry struct {
	Key   string
	Value any
}

// Node is one entry in the declarative UI tree.
//
// Identity is (Type, ID) with ID drawn from the owning Builder's monotonic
// counter; ids are never reused within one script execution pass. Text
// leaves carry no counter id of their own: their wire id is derived from
// the parent id and sibling position at serialization time.
type Node struct {
	Type   string
	ID     int
	Module Module

	props    []PropEntry
	propIdx  map[string]int
	children []*Node

	content    string
	hasContent bool

	parent  *Node
	propKey string // named slot this node fills on its parent, "" if none
	isProp  bool   // serialized inside the owner's props, never in children

	sent    bool
	builder *Builder
}

// StringID returns the stable wire identity "{type}_{id}".
func (n *Node) StringID() string {
	return fmt.Sprintf("%s_%d", n.Type, n.ID)
}

// Parent returns the node's parent, or nil for roots.
func (n *Node) Parent() *Node { return n.parent }

// Content returns the inline text content and whether it is set.
func (n *Node) Content() (string, bool) { return n.content, n.hasContent }

// Prop returns a named property value.
func (n *Node) Prop(key string) (any, bool) {
	i, ok := n.propIdx[key]
	if !ok {
		return nil, false
	}
	return n.props[i].Value, true
}

// Props returns the properties in construction order.
func (n *Node) Props() []PropEntry {
	out := make([]PropEntry, len(n.props))
	copy(out, n.props)
	return out
}

// Children returns the ordered child nodes, including text leaves.
func (n *Node) Children() []*Node {
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out
}

// SetProp sets or replaces a named property after construction.
// A Node value becomes a prop-component exactly as it would at Create.
func (n *Node) SetProp(key string, value any) *Node {
	if child, ok := value.(*Node); ok {
		n.adoptPropComponent(key, child)
	}
	if i, ok := n.propIdx[key]; ok {
		n.props[i].Value = value
		return n
	}
	if n.propIdx == nil {
		n.propIdx = make(map[string]int)
	}
	n.propIdx[key] = len(n.props)
	n.props = append(n.props, PropEntry{Key: key, Value: value})
	return n
}

// Append explicitly attaches child to n, reparenting it if needed.
func (n *Node) Append(child *Node) *Node {
	if child.parent != nil && child.parent != n {
		child.parent.detach(child)
	}
	child.parent = n
	child.isProp = false
	child.propKey = ""
	n.children = append(n.children, child)
	return n
}

// AppendText attaches an inline text leaf.
func (n *Node) AppendText(text string) *Node {
	leaf := &Node{Type: "text", Module: ModuleText, content: text, hasContent: true, parent: n, builder: n.builder}
	n.children = append(n.children, leaf)
	return n
}

func (n *Node) adoptPropComponent(key string, child *Node) {
	if child.parent != nil && child.parent != n {
		child.parent.detach(child)
	}
	child.parent = n
	child.isProp = true
	child.propKey = key
}

func (n *Node) detach(child *Node) {
	for i, c := range n.children {
		if c == child {
			n.children = append(n.children[:i], n.children[i+1:]...)
			break
		}
	}
	child.parent = nil
}

// Dict serializes the node to its wire record. Serialization is
// idempotent: repeated calls on an unmodified node yield equal output.
// The transmission timestamp is attached by the coordinator, not here.
func (n *Node) Dict() map[string]any {
	m := n.flatDict()

	var children []any
	for idx, child := range n.children {
		if child.isProp {
			// A named prop is serialized inside props, never duplicated
			// as a child.
			continue
		}
		if child.Module == ModuleText {
			children = append(children, map[string]any{
				"type":     "text",
				"id":       fmt.Sprintf("text_%d_%d", n.ID, idx),
				"content":  child.content,
				"parentId": n.StringID(),
			})
			continue
		}
		children = append(children, map[string]any{"id": child.StringID()})
	}
	if children != nil {
		m["children"] = children
	}
	return m
}

// flatDict is the childless serialization used when a node is nested
// inside another node's props.
func (n *Node) flatDict() map[string]any {
	var parentID any
	if n.parent != nil {
		parentID = n.parent.StringID()
	}

	props := make(map[string]any, len(n.props))
	for _, p := range n.props {
		if child, ok := p.Value.(*Node); ok {
			props[p.Key] = child.flatDict()
			continue
		}
		props[p.Key] = p.Value
	}

	m := map[string]any{
		"type":     n.Type,
		"id":       n.StringID(),
		"module":   string(n.Module),
		"props":    props,
		"parentId": parentID,
	}
	if n.hasContent {
		m["content"] = n.content
	}
	return m
}
