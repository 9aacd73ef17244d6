package manifest

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"datapub.evalgo.org/rql"
)

var manifestColumns = []string{
	"id", "d", "r", "b", "m", "property", "type", "ref", "source",
	"prepare", "level", "access", "uri", "title", "description",
}

// LoadFile reads a tabular manifest from a CSV file.
func LoadFile(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	mf, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return mf, nil
}

// Load reads a tabular manifest. Rows are scoped top-down: a dataset row
// opens a dataset, a resource row a resource within it, a model row a model,
// and property rows attach to the current model. Dotted property names nest
// under object and array parents, a trailing [] selects an array's item.
func Load(r io.Reader) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("manifest: reading header: %w", err)
	}
	cols := map[string]int{}
	for i, name := range header {
		cols[strings.TrimSpace(name)] = i
	}
	for _, name := range manifestColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("manifest: missing column %q", name)
		}
	}

	l := &loader{
		cols: cols,
		mf: &Manifest{
			Datasets: map[string]*Dataset{},
			models:   map[string]*Model{},
		},
	}
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("manifest: line %d: %w", line+1, err)
		}
		line++
		if err := l.row(rec); err != nil {
			return nil, fmt.Errorf("manifest: line %d: %w", line, err)
		}
	}
	if err := l.link(); err != nil {
		return nil, err
	}
	return l.mf, nil
}

type loader struct {
	cols map[string]int
	mf   *Manifest

	dataset  *Dataset
	resource *Resource
	base     string
	model    *Model
	lastProp *Property
	inEnum   bool
}

func (l *loader) cell(rec []string, name string) string {
	i := l.cols[name]
	if i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}

func (l *loader) row(rec []string) error {
	d := l.cell(rec, "d")
	r := l.cell(rec, "r")
	b := l.cell(rec, "b")
	m := l.cell(rec, "m")
	prop := l.cell(rec, "property")
	typ := l.cell(rec, "type")

	switch {
	case d != "":
		return l.datasetRow(d, rec)
	case r != "":
		return l.resourceRow(r, typ, rec)
	case b != "":
		l.base = l.qualify(b)
		return nil
	case m != "":
		return l.modelRow(m, rec)
	case prop != "":
		l.inEnum = false
		return l.propertyRow(prop, typ, rec)
	case typ == "enum":
		if l.lastProp == nil {
			return fmt.Errorf("enum without a preceding property")
		}
		l.inEnum = true
		return nil
	case l.inEnum:
		return l.enumRow(rec)
	default:
		return nil // blank separator row
	}
}

func (l *loader) datasetRow(name string, rec []string) error {
	access, _, err := ParseAccess(l.cell(rec, "access"))
	if err != nil {
		return err
	}
	ds := &Dataset{
		Name:        name,
		Resources:   map[string]*Resource{},
		Access:      access,
		Title:       l.cell(rec, "title"),
		Description: l.cell(rec, "description"),
	}
	if _, ok := l.mf.Datasets[name]; ok {
		return fmt.Errorf("%s: duplicate dataset", name)
	}
	l.mf.Datasets[name] = ds
	l.dataset = ds
	l.resource = nil
	l.base = ""
	l.model = nil
	l.lastProp = nil
	l.inEnum = false
	return nil
}

func (l *loader) resourceRow(name, typ string, rec []string) error {
	if l.dataset == nil {
		return fmt.Errorf("%s: resource outside a dataset", name)
	}
	prepare, err := l.parsePrepare(rec)
	if err != nil {
		return err
	}
	res := &Resource{
		Name:    name,
		Dataset: l.dataset.Name,
		Type:    typ,
		DSN:     l.cell(rec, "source"),
		Prepare: prepare,
	}
	l.dataset.Resources[name] = res
	l.resource = res
	l.model = nil
	return nil
}

func (l *loader) modelRow(name string, rec []string) error {
	qn := l.qualify(name)
	if _, ok := l.mf.models[qn]; ok {
		return fmt.Errorf("%s: duplicate model", qn)
	}
	access, accessSet, err := ParseAccess(l.cell(rec, "access"))
	if err != nil {
		return fmt.Errorf("%s: %w", qn, err)
	}
	if !accessSet && l.dataset != nil {
		access = l.dataset.Access
	}
	level, err := l.parseLevel(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", qn, err)
	}
	prepare, err := l.parsePrepare(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", qn, err)
	}
	prepare, page := extractPage(prepare)

	model := &Model{
		Name:        qn,
		Base:        l.base,
		Access:      access,
		Level:       level,
		Page:        page,
		Title:       l.cell(rec, "title"),
		Description: l.cell(rec, "description"),
		propsByName: map[string]*Property{},
	}
	if ref := l.cell(rec, "ref"); ref != "" {
		model.PKeys = splitList(ref)
	}
	if l.dataset != nil {
		model.Dataset = l.dataset.Name
	}
	if l.resource != nil {
		model.Resource = l.resource.Name
		l.resource.Models = append(l.resource.Models, qn)
	}
	if source := l.cell(rec, "source"); source != "" {
		model.External = &Entity{
			Dataset:  model.Dataset,
			Resource: model.Resource,
			Name:     source,
			Prepare:  prepare,
			PKeys:    model.PKeys,
		}
	}
	l.mf.models[qn] = model
	l.mf.order = append(l.mf.order, qn)
	l.model = model
	l.lastProp = nil
	l.inEnum = false
	return nil
}

func (l *loader) propertyRow(name, typ string, rec []string) error {
	if l.model == nil {
		return fmt.Errorf("%s: property outside a model", name)
	}
	path := l.model.Name + "." + name

	kind, required, unique, err := parseType(typ)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	access, accessSet, err := ParseAccess(l.cell(rec, "access"))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !accessSet {
		access = l.model.Access
	}
	level, err := l.parseLevel(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	prepare, err := l.parsePrepare(rec)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	p := &Property{
		Model:       l.model.Name,
		Type:        &Type{Kind: kind},
		Access:      access,
		Level:       level,
		Required:    required,
		Unique:      unique,
		Source:      l.cell(rec, "source"),
		Prepare:     prepare,
		URI:         l.cell(rec, "uri"),
		Title:       l.cell(rec, "title"),
		Description: l.cell(rec, "description"),
	}
	if kind == TypeRef {
		target, refProps := parseRef(l.cell(rec, "ref"))
		if target == "" {
			return fmt.Errorf("%s: ref property without a target model", path)
		}
		p.Type.RefModel = target
		p.Type.RefProps = refProps
	}
	if err := l.place(name, p); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	l.lastProp = p
	return nil
}

func (l *loader) enumRow(rec []string) error {
	source := l.cell(rec, "source")
	if source == "" {
		return fmt.Errorf("%s: enum item without a source value", l.lastProp.Place)
	}
	access, _, err := ParseAccess(l.cell(rec, "access"))
	if err != nil {
		return fmt.Errorf("%s: %w", l.lastProp.Place, err)
	}
	item := EnumItem{
		Source: source,
		Access: access,
		Title:  l.cell(rec, "title"),
	}
	if prep := l.cell(rec, "prepare"); prep != "" {
		item.Prepare = parseLiteral(prep)
	}
	l.lastProp.Enum = append(l.lastProp.Enum, item)
	return nil
}

// place attaches a property at its dotted path, descending through already
// declared object and array parents. A trailing [] on the final segment
// declares the array's item.
func (l *loader) place(name string, p *Property) error {
	segments := strings.Split(name, ".")
	container := &l.model.Props
	byName := l.model.propsByName
	var placePrefix string

	for _, seg := range segments[:len(segments)-1] {
		base := strings.TrimSuffix(seg, "[]")
		parent, ok := byName[base]
		if !ok {
			return fmt.Errorf("unknown parent property %q", base)
		}
		switch parent.Type.Kind {
		case TypeArray:
			if parent.Type.Items == nil {
				parent.Type.Items = &Property{
					Name:   parent.Name,
					Place:  parent.Place,
					Model:  l.model.Name,
					Access: parent.Access,
					Type:   &Type{Kind: TypeObject},
				}
			}
			item := parent.Type.Items
			if item.Type.Kind != TypeObject {
				return fmt.Errorf("cannot nest under array of %s", item.Type.Kind)
			}
			container = &item.Type.Props
			placePrefix = parent.Place
			byName = propIndex(item.Type.Props)
		case TypeObject:
			container = &parent.Type.Props
			placePrefix = parent.Place
			byName = propIndex(parent.Type.Props)
		default:
			return fmt.Errorf("cannot nest under %s property %q", parent.Type.Kind, base)
		}
	}

	last := segments[len(segments)-1]
	if strings.HasSuffix(last, "[]") {
		base := strings.TrimSuffix(last, "[]")
		parent, ok := byName[base]
		if !ok {
			return fmt.Errorf("unknown parent property %q", base)
		}
		if parent.Type.Kind != TypeArray {
			return fmt.Errorf("%q is not an array", base)
		}
		p.Name = base
		p.Place = parent.Place
		parent.Type.Items = p
		return nil
	}

	p.Name = last
	if placePrefix != "" {
		p.Place = placePrefix + "." + last
	} else {
		p.Place = last
	}
	if _, dup := byName[last]; dup {
		return fmt.Errorf("duplicate property")
	}
	*container = append(*container, p)
	byName[last] = p
	if placePrefix == "" {
		l.model.propsByName[last] = p
	}
	return nil
}

// link resolves ref targets, applies access raising and builds the cached
// flat views.
func (l *loader) link() error {
	for _, name := range l.mf.order {
		m := l.mf.models[name]
		m.buildFlat()
	}
	for _, name := range l.mf.order {
		m := l.mf.models[name]
		for _, place := range m.flatOrder {
			p := m.flatProps[place]
			if p.Type.Kind != TypeRef {
				continue
			}
			target, err := l.resolveModel(m, p.Type.RefModel)
			if err != nil {
				return fmt.Errorf("manifest: %s.%s: %w", m.Name, p.Place, err)
			}
			p.Type.RefModel = target.Name
			if len(p.Type.RefProps) == 0 {
				p.Type.RefProps = target.PKeys
			}
			if sameList(p.Type.RefProps, target.PKeys) {
				p.Type.RefByPK = true
			} else {
				addRequiredKeyMap(target, p.Type.RefProps)
			}
			for _, rp := range p.Type.RefProps {
				if _, ok := target.flatProps[rp]; !ok {
					return fmt.Errorf("manifest: %s.%s: ref property %q not in %s",
						m.Name, p.Place, rp, target.Name)
				}
			}
		}
		for _, pk := range m.PKeys {
			if _, ok := m.flatProps[pk]; !ok {
				return fmt.Errorf("manifest: %s: primary key property %q not declared", m.Name, pk)
			}
		}
		if m.Base != "" {
			if _, ok := l.mf.models[m.Base]; !ok {
				return fmt.Errorf("manifest: %s: base model %q not found", m.Name, m.Base)
			}
		}
		if m.Page != nil {
			for _, by := range m.Page.By {
				if _, ok := m.flatProps[strings.TrimPrefix(by, "-")]; !ok {
					return fmt.Errorf("manifest: %s: page property %q not declared", m.Name, by)
				}
			}
		}
		raiseAccess(l.mf, m)
	}
	return nil
}

func (l *loader) resolveModel(from *Model, name string) (*Model, error) {
	if m, ok := l.mf.models[name]; ok {
		return m, nil
	}
	if from.Dataset != "" {
		if m, ok := l.mf.models[from.Dataset+"/"+name]; ok {
			return m, nil
		}
	}
	return nil, fmt.Errorf("referenced model %q not found", name)
}

// raiseAccess lifts the model access to its most open property and the
// dataset access to its most open model.
func raiseAccess(mf *Manifest, m *Model) {
	for _, p := range m.flatProps {
		if p.Access > m.Access {
			m.Access = p.Access
		}
	}
	if ds, ok := mf.Datasets[m.Dataset]; ok && m.Access > ds.Access {
		ds.Access = m.Access
	}
}

func addRequiredKeyMap(m *Model, combo []string) {
	for _, existing := range m.RequiredKeyMaps {
		if sameList(existing, combo) {
			return
		}
	}
	m.RequiredKeyMaps = append(m.RequiredKeyMaps, combo)
}

func (l *loader) qualify(name string) string {
	if l.dataset == nil || strings.Contains(name, "/") {
		return name
	}
	return l.dataset.Name + "/" + name
}

func (l *loader) parseLevel(rec []string) (int, error) {
	s := l.cell(rec, "level")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 5 {
		return 0, fmt.Errorf("bad level %q", s)
	}
	return n, nil
}

func (l *loader) parsePrepare(rec []string) (*rql.Expr, error) {
	s := l.cell(rec, "prepare")
	if s == "" {
		return nil, nil
	}
	e, err := rql.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("bad prepare formula: %w", err)
	}
	return e, nil
}

// parseType splits a type cell into the kind and its modifiers,
// e.g. "string required unique".
func parseType(s string) (kind string, required, unique bool, err error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return TypeString, false, false, nil
	}
	kind = fields[0]
	if !scalarTypes[kind] && kind != TypeArray && kind != TypeObject && kind != TypeRef {
		return "", false, false, fmt.Errorf("unknown type %q", kind)
	}
	for _, mod := range fields[1:] {
		switch mod {
		case "required":
			required = true
		case "unique":
			unique = true
		default:
			return "", false, false, fmt.Errorf("unknown type modifier %q", mod)
		}
	}
	return kind, required, unique, nil
}

// parseRef splits a ref cell of the form "model" or "model[prop1,prop2]".
func parseRef(s string) (target string, props []string) {
	if i := strings.IndexByte(s, '['); i >= 0 && strings.HasSuffix(s, "]") {
		return s[:i], splitList(s[i+1 : len(s)-1])
	}
	return s, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseLiteral reads an enum prepare cell: a quoted string, number, boolean
// or null.
func parseLiteral(s string) interface{} {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		if unq, err := strconv.Unquote(s); err == nil {
			return unq
		}
	}
	switch s {
	case "null":
		return nil
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// extractPage pulls a page(...) term out of a model prepare formula into a
// page spec, leaving the remaining predicate in place.
func extractPage(e *rql.Expr) (*rql.Expr, *PageSpec) {
	if e == nil {
		return nil, nil
	}
	toSpec := func(p *rql.Expr) *PageSpec {
		spec := &PageSpec{}
		for _, arg := range p.Args {
			switch v := arg.(type) {
			case *rql.Bind:
				spec.By = append(spec.By, v.Name)
			case *rql.Expr:
				if (v.Name == "+" || v.Name == "-") && len(v.Args) == 1 {
					if b, ok := v.Args[0].(*rql.Bind); ok {
						if v.Name == "-" {
							spec.By = append(spec.By, "-"+b.Name)
						} else {
							spec.By = append(spec.By, b.Name)
						}
					}
				}
			}
		}
		return spec
	}
	if e.Name == "page" {
		return nil, toSpec(e)
	}
	if e.Name == "and" {
		var rest []interface{}
		var page *PageSpec
		for _, arg := range e.Args {
			if sub, ok := arg.(*rql.Expr); ok && sub.Name == "page" {
				page = toSpec(sub)
				continue
			}
			rest = append(rest, arg)
		}
		if page == nil {
			return e, nil
		}
		switch len(rest) {
		case 0:
			return nil, page
		case 1:
			if sub, ok := rest[0].(*rql.Expr); ok {
				return sub, page
			}
		}
		return rql.E("and", rest...), page
	}
	return e, nil
}

func propIndex(props []*Property) map[string]*Property {
	idx := make(map[string]*Property, len(props))
	for _, p := range props {
		idx[p.Name] = p
	}
	return idx
}

func sameList(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
