package jsonapi

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// dataShape records what the upstream's top-level data member looked like, so
// re-serialization preserves it.
type dataShape int

const (
	shapeAbsent dataShape = iota
	shapeNull
	shapeSingle
	shapeMany
)

// ResourceIdentifier is a {type,id} pair.
type ResourceIdentifier struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Key returns the identifier in its cache-key form.
func (ri ResourceIdentifier) Key() string {
	return ri.Type + ":" + ri.ID
}

// Relationship holds one resource identifier or an ordered sequence of them.
// Non-data members (links, meta) are preserved verbatim.
type Relationship struct {
	single  *ResourceIdentifier
	many    []ResourceIdentifier
	shape   dataShape
	members map[string]json.RawMessage
	order   []string
}

// Identifiers returns the relationship's linkage as a sequence.
func (rel *Relationship) Identifiers() []ResourceIdentifier {
	switch rel.shape {
	case shapeSingle:
		return []ResourceIdentifier{*rel.single}
	case shapeMany:
		return rel.many
	}
	return nil
}

func (rel *Relationship) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	order, err := objectKeys(data)
	if err != nil {
		return err
	}
	rel.members = members
	rel.order = order
	rel.shape = shapeAbsent

	raw, ok := members["data"]
	if !ok {
		return nil
	}
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		rel.shape = shapeNull
	case len(trimmed) > 0 && trimmed[0] == '[':
		var many []ResourceIdentifier
		if err := json.Unmarshal(raw, &many); err != nil {
			return fmt.Errorf("relationship data array: %w", err)
		}
		rel.shape = shapeMany
		rel.many = many
	default:
		var single ResourceIdentifier
		if err := json.Unmarshal(raw, &single); err != nil {
			return fmt.Errorf("relationship data: %w", err)
		}
		rel.shape = shapeSingle
		rel.single = &single
	}
	return nil
}

func (rel *Relationship) MarshalJSON() ([]byte, error) {
	members := make(map[string]json.RawMessage, len(rel.members))
	for k, v := range rel.members {
		members[k] = v
	}
	switch rel.shape {
	case shapeNull:
		members["data"] = json.RawMessage("null")
	case shapeSingle:
		raw, err := json.Marshal(rel.single)
		if err != nil {
			return nil, err
		}
		members["data"] = raw
	case shapeMany:
		raw, err := json.Marshal(rel.many)
		if err != nil {
			return nil, err
		}
		members["data"] = raw
	}
	return marshalOrdered(members, rel.order)
}

// ResourceObject is one JSON:API resource. Members other than type, id,
// attributes and relationships (links, meta) are preserved verbatim.
type ResourceObject struct {
	Type          string
	ID            string
	Attributes    map[string]json.RawMessage
	Relationships map[string]*Relationship

	attrOrder []string
	relOrder  []string
	members   map[string]json.RawMessage
	order     []string
}

// Identifier returns the resource's {type,id}.
func (ro *ResourceObject) Identifier() ResourceIdentifier {
	return ResourceIdentifier{Type: ro.Type, ID: ro.ID}
}

// RemoveAttribute deletes a named attribute if present.
func (ro *ResourceObject) RemoveAttribute(name string) {
	if _, ok := ro.Attributes[name]; !ok {
		return
	}
	delete(ro.Attributes, name)
	for i, k := range ro.attrOrder {
		if k == name {
			ro.attrOrder = append(ro.attrOrder[:i], ro.attrOrder[i+1:]...)
			break
		}
	}
}

func (ro *ResourceObject) UnmarshalJSON(data []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	order, err := objectKeys(data)
	if err != nil {
		return err
	}
	ro.members = members
	ro.order = order

	if raw, ok := members["type"]; ok {
		if err := json.Unmarshal(raw, &ro.Type); err != nil {
			return fmt.Errorf("resource type: %w", err)
		}
	}
	if raw, ok := members["id"]; ok {
		if err := json.Unmarshal(raw, &ro.ID); err != nil {
			return fmt.Errorf("resource id: %w", err)
		}
	}
	if raw, ok := members["attributes"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &ro.Attributes); err != nil {
			return fmt.Errorf("resource attributes: %w", err)
		}
		if ro.attrOrder, err = objectKeys(raw); err != nil {
			return err
		}
	}
	if raw, ok := members["relationships"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &ro.Relationships); err != nil {
			return fmt.Errorf("resource relationships: %w", err)
		}
		if ro.relOrder, err = objectKeys(raw); err != nil {
			return err
		}
	}
	return nil
}

func (ro *ResourceObject) MarshalJSON() ([]byte, error) {
	members := make(map[string]json.RawMessage, len(ro.members))
	for k, v := range ro.members {
		members[k] = v
	}

	typeRaw, err := json.Marshal(ro.Type)
	if err != nil {
		return nil, err
	}
	members["type"] = typeRaw
	idRaw, err := json.Marshal(ro.ID)
	if err != nil {
		return nil, err
	}
	members["id"] = idRaw

	if ro.Attributes != nil {
		raw, err := marshalOrderedRaw(ro.Attributes, ro.attrOrder)
		if err != nil {
			return nil, err
		}
		members["attributes"] = raw
	}
	if ro.Relationships != nil {
		rels := make(map[string]json.RawMessage, len(ro.Relationships))
		for name, rel := range ro.Relationships {
			raw, err := json.Marshal(rel)
			if err != nil {
				return nil, err
			}
			rels[name] = raw
		}
		raw, err := marshalOrderedRaw(rels, ro.relOrder)
		if err != nil {
			return nil, err
		}
		members["relationships"] = raw
	}

	order := ro.order
	if order == nil {
		order = []string{"type", "id", "attributes", "relationships"}
	}
	return marshalOrdered(members, order)
}

// Document is a parsed JSON:API document. Data and included are normalized to
// sequences; the original single/array/null shape of data is preserved for
// re-serialization. Meta and errors pass through verbatim.
type Document struct {
	Data     []*ResourceObject
	Included []*ResourceObject

	dataShape   dataShape
	hasIncluded bool
	members     map[string]json.RawMessage
	order       []string
}

// ParseDocument parses a JSON:API document body.
func ParseDocument(body []byte) (*Document, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(body, &members); err != nil {
		return nil, err
	}
	order, err := objectKeys(body)
	if err != nil {
		return nil, err
	}
	doc := &Document{members: members, order: order}

	if raw, ok := members["data"]; ok {
		trimmed := bytes.TrimSpace(raw)
		switch {
		case bytes.Equal(trimmed, []byte("null")):
			doc.dataShape = shapeNull
		case len(trimmed) > 0 && trimmed[0] == '[':
			if err := json.Unmarshal(raw, &doc.Data); err != nil {
				return nil, fmt.Errorf("data array: %w", err)
			}
			doc.dataShape = shapeMany
		default:
			var single ResourceObject
			if err := json.Unmarshal(raw, &single); err != nil {
				return nil, fmt.Errorf("data: %w", err)
			}
			doc.Data = []*ResourceObject{&single}
			doc.dataShape = shapeSingle
		}
	}
	if raw, ok := members["included"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &doc.Included); err != nil {
			return nil, fmt.Errorf("included: %w", err)
		}
		doc.hasIncluded = true
	}
	return doc, nil
}

// AppendIncluded adds a resource to included unless an equal {type,id} is
// already present.
func (d *Document) AppendIncluded(ro *ResourceObject) bool {
	id := ro.Identifier()
	for _, existing := range d.Included {
		if existing.Identifier() == id {
			return false
		}
	}
	d.Included = append(d.Included, ro)
	d.hasIncluded = true
	return true
}

// ReferencedIdentifiers collects every {type,id} reachable from a relationship
// of the primary data.
func (d *Document) ReferencedIdentifiers() map[ResourceIdentifier]bool {
	refs := make(map[ResourceIdentifier]bool)
	for _, ro := range d.Data {
		for _, rel := range ro.Relationships {
			for _, ri := range rel.Identifiers() {
				refs[ri] = true
			}
		}
	}
	return refs
}

// DropOrphanIncluded removes included resources not referenced by any
// relationship in data. Returns the number dropped.
func (d *Document) DropOrphanIncluded() int {
	if len(d.Included) == 0 {
		return 0
	}
	refs := d.ReferencedIdentifiers()
	kept := d.Included[:0]
	dropped := 0
	for _, ro := range d.Included {
		if refs[ro.Identifier()] {
			kept = append(kept, ro)
		} else {
			dropped++
		}
	}
	d.Included = kept
	return dropped
}

// Marshal re-serializes the document, restoring the original data shape.
func (d *Document) Marshal() ([]byte, error) {
	members := make(map[string]json.RawMessage, len(d.members))
	for k, v := range d.members {
		members[k] = v
	}

	switch d.dataShape {
	case shapeNull:
		members["data"] = json.RawMessage("null")
	case shapeSingle:
		raw, err := json.Marshal(d.Data[0])
		if err != nil {
			return nil, err
		}
		members["data"] = raw
	case shapeMany:
		raw, err := json.Marshal(d.Data)
		if err != nil {
			return nil, err
		}
		members["data"] = raw
	}

	order := d.order
	if d.hasIncluded || len(d.Included) > 0 {
		raw, err := json.Marshal(d.Included)
		if err != nil {
			return nil, err
		}
		members["included"] = raw
		if !containsKey(order, "included") {
			order = append(append([]string{}, order...), "included")
		}
	}
	return marshalOrdered(members, order)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func containsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// objectKeys returns a JSON object's keys in document order.
func objectKeys(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("expected JSON object")
	}

	var keys []string
	depth := 0
	for dec.More() || depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case json.Delim:
			if t == '{' || t == '[' {
				depth++
			} else {
				depth--
			}
		case string:
			if depth == 0 {
				keys = append(keys, t)
				// Skip the value belonging to this key.
				var skip json.RawMessage
				if err := dec.Decode(&skip); err != nil {
					return nil, err
				}
			}
		}
		if depth < 0 {
			break
		}
	}
	return keys, nil
}

// marshalOrdered serializes members as an object with keys in the given
// order; keys missing from order are appended, keys missing from members are
// skipped.
func marshalOrdered(members map[string]json.RawMessage, order []string) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	written := make(map[string]bool, len(members))
	first := true

	write := func(key string) error {
		raw, ok := members[key]
		if !ok || written[key] {
			return nil
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false
		keyRaw, err := json.Marshal(key)
		if err != nil {
			return err
		}
		buf.Write(keyRaw)
		buf.WriteByte(':')
		buf.Write(raw)
		written[key] = true
		return nil
	}

	for _, key := range order {
		if err := write(key); err != nil {
			return nil, err
		}
	}
	for key := range members {
		if !written[key] {
			if err := write(key); err != nil {
				return nil, err
			}
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// marshalOrderedRaw is marshalOrdered returning a RawMessage.
func marshalOrderedRaw(members map[string]json.RawMessage, order []string) (json.RawMessage, error) {
	raw, err := marshalOrdered(members, order)
	return json.RawMessage(raw), err
}
