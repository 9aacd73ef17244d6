// Package manifest holds the in-memory schema graph: datasets, resources,
// models, properties and data types, loaded once at startup and immutable
// afterwards. Models reference each other by qualified name and are resolved
// through the Manifest on every use, never by pointer.
package manifest

import (
	"fmt"
	"sort"
	"strings"

	"datapub.evalgo.org/common"
	"datapub.evalgo.org/rql"
)

// Access is a node visibility level. Levels are ordered, a child node can
// only raise the level of its parents.
type Access int

const (
	AccessPrivate Access = iota
	AccessProtected
	AccessOpen
	AccessPublic
)

var accessNames = map[Access]string{
	AccessPrivate:   "private",
	AccessProtected: "protected",
	AccessOpen:      "open",
	AccessPublic:    "public",
}

func (a Access) String() string {
	if s, ok := accessNames[a]; ok {
		return s
	}
	return fmt.Sprintf("access(%d)", int(a))
}

// ParseAccess reads an access level name. An empty string reports ok=false
// so callers can apply inheritance.
func ParseAccess(s string) (Access, bool, error) {
	if s == "" {
		return AccessProtected, false, nil
	}
	for a, name := range accessNames {
		if name == s {
			return a, true, nil
		}
	}
	return 0, false, fmt.Errorf("manifest: unknown access level %q", s)
}

// Type kinds.
const (
	TypeString     = "string"
	TypeInteger    = "integer"
	TypeNumber     = "number"
	TypeBoolean    = "boolean"
	TypeDate       = "date"
	TypeTime       = "time"
	TypeDateTime   = "datetime"
	TypeText       = "text"
	TypeURI        = "uri"
	TypeBinary     = "binary"
	TypeFile       = "file"
	TypeArray      = "array"
	TypeObject     = "object"
	TypeRef        = "ref"
	TypePrimaryKey = "pk"
	TypeGeometry   = "geometry"
)

var scalarTypes = map[string]bool{
	TypeString: true, TypeInteger: true, TypeNumber: true, TypeBoolean: true,
	TypeDate: true, TypeTime: true, TypeDateTime: true, TypeText: true,
	TypeURI: true, TypeBinary: true, TypeFile: true, TypePrimaryKey: true,
	TypeGeometry: true,
}

// Type is a tagged variant: Kind selects which of the extra fields apply.
type Type struct {
	Kind string

	// array
	Items *Property

	// object
	Props []*Property

	// ref
	RefModel string
	RefProps []string
	// RefByPK is set at link time when the ref properties are exactly the
	// target model's primary key.
	RefByPK bool
}

// EnumItem maps one source value to its published replacement.
type EnumItem struct {
	Source  string
	Prepare interface{}
	Access  Access
	Title   string
}

// Property is one named field of a model, possibly nested under an object or
// array parent. Place is the dotted path from the model root.
type Property struct {
	Name        string
	Place       string
	Model       string
	Type        *Type
	Access      Access
	Level       int
	Required    bool
	Unique      bool
	Source      string
	Prepare     *rql.Expr
	Enum        []EnumItem
	URI         string
	Title       string
	Description string
}

// EnumLookup finds the enum item for a source value.
func (p *Property) EnumLookup(value interface{}) (EnumItem, bool) {
	s := fmt.Sprintf("%v", value)
	for _, item := range p.Enum {
		if item.Source == s {
			return item, true
		}
	}
	return EnumItem{}, false
}

// Entity binds a model to its external source table.
type Entity struct {
	Dataset  string
	Resource string
	Name     string
	Prepare  *rql.Expr
	PKeys    []string
}

// PageSpec declares the properties a paginated external read orders and
// resumes by. A leading '-' on a name means descending.
type PageSpec struct {
	By []string
}

// Model is one addressable table-like entity.
type Model struct {
	Name        string
	Dataset     string
	Resource    string
	Base        string
	Props       []*Property
	PKeys       []string
	External    *Entity
	Access      Access
	Level       int
	Page        *PageSpec
	Title       string
	Description string

	// RequiredKeyMaps lists property combinations, other than the primary
	// key, that referencing models use to identify rows of this model. The
	// external reader indexes these combinations in the keymap so such refs
	// resolve to the same surrogate id.
	RequiredKeyMaps [][]string

	propsByName map[string]*Property
	flatProps   map[string]*Property
	flatOrder   []string
	listProps   map[string]bool
}

// Prop returns a top-level property by name.
func (m *Model) Prop(name string) (*Property, bool) {
	p, ok := m.propsByName[name]
	return p, ok
}

// FlatProps returns the dotted-name view of the model's property tree,
// including nested object fields and array items. The map is computed at
// load time and shared, callers must not mutate it.
func (m *Model) FlatProps() map[string]*Property {
	return m.flatProps
}

// FlatOrder returns flat property names in declaration order.
func (m *Model) FlatOrder() []string {
	return m.flatOrder
}

// PropsInLists reports the dotted names that sit under an array anywhere in
// the property tree. Conditions on these names are evaluated against the
// lists side table, not the main table.
func (m *Model) PropsInLists() map[string]bool {
	return m.listProps
}

// IsListProp reports whether the dotted name sits under an array.
func (m *Model) IsListProp(name string) bool {
	return m.listProps[name]
}

// HasLists reports whether the model needs a lists side table.
func (m *Model) HasLists() bool {
	return len(m.listProps) > 0
}

// External reports whether the model reads from an external source.
func (m *Model) IsExternal() bool {
	return m.External != nil && m.External.Name != ""
}

func (m *Model) buildFlat() {
	m.flatProps = map[string]*Property{}
	m.listProps = map[string]bool{}
	m.flatOrder = nil
	for _, p := range m.Props {
		m.walkFlat(p, false)
	}
}

func (m *Model) walkFlat(p *Property, insideList bool) {
	// Array items share the array's place; keep the array registered.
	if _, seen := m.flatProps[p.Place]; !seen {
		m.flatProps[p.Place] = p
		m.flatOrder = append(m.flatOrder, p.Place)
	}
	if insideList {
		m.listProps[p.Place] = true
	}
	switch p.Type.Kind {
	case TypeArray:
		if p.Type.Items != nil {
			m.walkFlat(p.Type.Items, true)
		}
	case TypeObject:
		for _, sub := range p.Type.Props {
			m.walkFlat(sub, insideList)
		}
	}
}

// Dataset groups resources and models under one namespace.
type Dataset struct {
	Name        string
	Resources   map[string]*Resource
	Access      Access
	Title       string
	Description string
}

// Resource is one backend binding inside a dataset.
type Resource struct {
	Name    string
	Dataset string
	Type    string
	DSN     string
	Prepare *rql.Expr
	Models  []string
}

// Manifest is the loaded schema graph.
type Manifest struct {
	Datasets map[string]*Dataset
	models   map[string]*Model
	order    []string
}

// Model looks a model up by qualified name.
func (mf *Manifest) Model(name string) (*Model, error) {
	m, ok := mf.models[name]
	if !ok {
		return nil, common.NotFound("model", name)
	}
	return m, nil
}

// HasModel reports whether the qualified name is a known model.
func (mf *Manifest) HasModel(name string) bool {
	_, ok := mf.models[name]
	return ok
}

// Models returns all models in declaration order.
func (mf *Manifest) Models() []*Model {
	out := make([]*Model, 0, len(mf.order))
	for _, name := range mf.order {
		out = append(out, mf.models[name])
	}
	return out
}

// ModelsUnder returns the models whose qualified name sits under the given
// namespace prefix, sorted by name. An empty prefix returns every model.
func (mf *Manifest) ModelsUnder(prefix string) []*Model {
	var out []*Model
	for name, m := range mf.models {
		if prefix == "" || name == prefix || strings.HasPrefix(name, prefix+"/") {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DatasetModels returns the models of one dataset in reference-topological
// order: a model comes after every model it references. The push engine
// inserts in this order and deletes in the reverse. Cycles fall back to
// declaration order for the models involved.
func (mf *Manifest) DatasetModels(dataset string) []*Model {
	var members []*Model
	inSet := map[string]bool{}
	for _, name := range mf.order {
		m := mf.models[name]
		if m.Dataset == dataset {
			members = append(members, m)
			inSet[m.Name] = true
		}
	}

	var out []*Model
	done := map[string]bool{}
	var visit func(m *Model, path map[string]bool)
	visit = func(m *Model, path map[string]bool) {
		if done[m.Name] || path[m.Name] {
			return
		}
		path[m.Name] = true
		for _, ref := range modelRefs(m) {
			if inSet[ref] {
				visit(mf.models[ref], path)
			}
		}
		delete(path, m.Name)
		done[m.Name] = true
		out = append(out, m)
	}
	for _, m := range members {
		visit(m, map[string]bool{})
	}
	return out
}

func modelRefs(m *Model) []string {
	var refs []string
	seen := map[string]bool{}
	for _, p := range m.flatProps {
		if p.Type.Kind == TypeRef && p.Type.RefModel != "" && !seen[p.Type.RefModel] {
			seen[p.Type.RefModel] = true
			refs = append(refs, p.Type.RefModel)
		}
	}
	sort.Strings(refs)
	return refs
}

// ScopeName builds the OAuth scope string that grants an action on a node,
// e.g. datapub_datasets_gov_example_country_getall. An empty node yields the
// global action scope.
func ScopeName(node, action string) string {
	mangled := strings.NewReplacer("/", "_", ".", "_", "-", "_").Replace(node)
	if mangled == "" {
		return "datapub_" + action
	}
	return "datapub_" + mangled + "_" + action
}

var readActions = map[string]bool{
	"getall": true, "getone": true, "search": true, "changes": true,
}

// AccessCheck decides whether the given scopes allow an action on a node.
// The global action scope or the node-specific scope always allow. Nodes at
// access open or public additionally allow read actions for any caller.
func AccessCheck(access Access, node, action string, scopes []string) error {
	want := map[string]bool{
		ScopeName("", action):   true,
		ScopeName(node, action): true,
	}
	// Parent namespace scopes grant access to everything underneath.
	parts := strings.Split(node, "/")
	for i := 1; i < len(parts); i++ {
		want[ScopeName(strings.Join(parts[:i], "/"), action)] = true
	}
	for _, s := range scopes {
		if want[s] {
			return nil
		}
	}
	if access >= AccessOpen && readActions[action] {
		return nil
	}
	return common.InsufficientScope(ScopeName(node, action))
}
