// Package deltametadata implements deltametadata.xml: the per-delta-repo
// document recording which plugins produced a delta and whatever opaque,
// plugin-specific bookkeeping each one needs to apply it later. The format
// preserves attribute insertion order and supports both flat attributes and
// repeated named sub-lists of attribute maps, since plugins are free to
// shape their bundle however they like.
package deltametadata

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
)

// KV is an order-preserving key/value pair, used wherever the original
// document's attribute order must survive a round trip.
type KV struct {
	Key   string
	Value string
}

// AdditionalXmlData holds a plugin's free-form bundle: flat attributes plus
// any number of named sub-lists, each a sequence of attribute maps.
type AdditionalXmlData struct {
	Attrs    []KV
	Sublists map[string][]map[string]string
	order    []string // insertion order of Sublists keys
}

// Set assigns (or replaces) a flat attribute.
func (d *AdditionalXmlData) Set(key, value string) {
	for i, kv := range d.Attrs {
		if kv.Key == key {
			d.Attrs[i].Value = value
			return
		}
	}
	d.Attrs = append(d.Attrs, KV{Key: key, Value: value})
}

// Get returns a flat attribute's value and whether it was present.
func (d *AdditionalXmlData) Get(key string) (string, bool) {
	for _, kv := range d.Attrs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Append adds one attribute map to a named sub-list, creating the list if
// it does not exist yet.
func (d *AdditionalXmlData) Append(listName string, attrs map[string]string) {
	if d.Sublists == nil {
		d.Sublists = make(map[string][]map[string]string)
	}
	if _, ok := d.Sublists[listName]; !ok {
		d.order = append(d.order, listName)
	}
	d.Sublists[listName] = append(d.Sublists[listName], attrs)
}

// GetList returns the attribute maps recorded under a named sub-list.
func (d *AdditionalXmlData) GetList(listName string) []map[string]string {
	return d.Sublists[listName]
}

// Update merges another AdditionalXmlData's flat attributes into this one,
// later values overwriting earlier ones.
func (d *AdditionalXmlData) Update(other AdditionalXmlData) {
	for _, kv := range other.Attrs {
		d.Set(kv.Key, kv.Value)
	}
}

// PluginBundle records one plugin's contribution to a delta: its identity
// and whatever data it needs to apply or validate the delta later.
type PluginBundle struct {
	Name    string
	Version string
	Data    AdditionalXmlData
}

// Check verifies a bundle has the minimum identity fields to be usable.
func (b PluginBundle) Check() error {
	if b.Name == "" {
		return &deltaerrors.ValidationError{Field: "pluginbundle.name", Detail: "must not be empty"}
	}
	if b.Version == "" {
		return &deltaerrors.ValidationError{Field: "pluginbundle.version", Detail: "must not be empty"}
	}
	return nil
}

// Metadata is the parsed form of a deltametadata.xml document.
type Metadata struct {
	RevisionSrc string
	RevisionDst string

	ContentHashSrc  string
	ContentHashDst  string
	ContentHashType string

	TimestampSrc int64
	TimestampDst int64

	// UsedPlugins maps plugin name to the bundle it wrote.
	UsedPlugins map[string]PluginBundle
	pluginOrder []string
}

// AddPluginBundle records (or replaces) a plugin's bundle.
func (m *Metadata) AddPluginBundle(b PluginBundle) {
	if m.UsedPlugins == nil {
		m.UsedPlugins = make(map[string]PluginBundle)
	}
	if _, ok := m.UsedPlugins[b.Name]; !ok {
		m.pluginOrder = append(m.pluginOrder, b.Name)
	}
	m.UsedPlugins[b.Name] = b
}

// GetPluginBundle looks up a plugin's bundle by name.
func (m *Metadata) GetPluginBundle(name string) (PluginBundle, bool) {
	b, ok := m.UsedPlugins[name]
	return b, ok
}

// PluginNames returns the plugin names in recorded order: the order they
// were added via AddPluginBundle, or decoded off the wire. Callers that
// apply each plugin's bundle in turn must use this instead of ranging over
// UsedPlugins directly, since map iteration order is randomized.
func (m *Metadata) PluginNames() []string {
	names := make([]string, len(m.pluginOrder))
	copy(names, m.pluginOrder)
	return names
}

// Check validates the metadata document's required fields and every
// plugin bundle it carries.
func (m *Metadata) Check() error {
	if m.ContentHashSrc == "" || m.ContentHashDst == "" {
		return &deltaerrors.ValidationError{Field: "contenthash", Detail: "src and dst are both required"}
	}
	if m.ContentHashSrc == m.ContentHashDst {
		return fmt.Errorf("%w: contenthash src == dst (%s)", deltaerrors.ErrIncompatibleEndpoints, m.ContentHashSrc)
	}
	for name, b := range m.UsedPlugins {
		if err := b.Check(); err != nil {
			return fmt.Errorf("deltametadata: plugin %q: %w", name, err)
		}
	}
	return nil
}

// --- XML wire format -------------------------------------------------

type xmlAttr struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

type xmlSubItem struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
}

type xmlSublist struct {
	XMLName xml.Name
	Items   []xmlSubItem `xml:",any"`
}

type xmlDataElem struct {
	Attrs    []xml.Attr   `xml:",any,attr"`
	Sublists []xmlSublist `xml:",any"`
}

type xmlPluginBundle struct {
	XMLName xml.Name    `xml:"pluginbundle"`
	Name    string      `xml:"name,attr"`
	Version string      `xml:"version,attr"`
	Data    xmlDataElem `xml:"data"`
}

type xmlDocument struct {
	XMLName xml.Name `xml:"deltametadata"`
	Revision struct {
		Src string `xml:"src,attr"`
		Dst string `xml:"dst,attr"`
	} `xml:"revision"`
	ContentHash struct {
		Src  string `xml:"src,attr"`
		Dst  string `xml:"dst,attr"`
		Type string `xml:"type,attr"`
	} `xml:"contenthash"`
	Timestamp struct {
		Src int64 `xml:"src,attr"`
		Dst int64 `xml:"dst,attr"`
	} `xml:"timestamp"`
	UsedPlugins []xmlPluginBundle `xml:"usedplugins>pluginbundle"`
}

// Encode writes m as deltametadata.xml to w.
func Encode(w io.Writer, m *Metadata) error {
	doc := xmlDocument{}
	doc.Revision.Src = m.RevisionSrc
	doc.Revision.Dst = m.RevisionDst
	doc.ContentHash.Src = m.ContentHashSrc
	doc.ContentHash.Dst = m.ContentHashDst
	doc.ContentHash.Type = m.ContentHashType
	doc.Timestamp.Src = m.TimestampSrc
	doc.Timestamp.Dst = m.TimestampDst

	for _, name := range m.pluginOrder {
		b := m.UsedPlugins[name]
		xb := xmlPluginBundle{Name: b.Name, Version: b.Version}
		for _, kv := range b.Data.Attrs {
			xb.Data.Attrs = append(xb.Data.Attrs, xml.Attr{Name: xml.Name{Local: kv.Key}, Value: kv.Value})
		}
		for _, listName := range b.Data.order {
			sub := xmlSublist{XMLName: xml.Name{Local: listName}}
			for _, item := range b.Data.Sublists[listName] {
				xi := xmlSubItem{XMLName: xml.Name{Local: "item"}}
				for k, v := range item {
					xi.Attrs = append(xi.Attrs, xml.Attr{Name: xml.Name{Local: k}, Value: v})
				}
				sub.Items = append(sub.Items, xi)
			}
			xb.Data.Sublists = append(xb.Data.Sublists, sub)
		}
		doc.UsedPlugins = append(doc.UsedPlugins, xb)
	}

	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("deltametadata: write header: %w", err)
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("deltametadata: encode: %w", err)
	}
	return nil
}

// Decode reads a deltametadata.xml document from r.
func Decode(r io.Reader) (*Metadata, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &deltaerrors.ParseError{Source: "deltametadata.xml", Detail: err.Error(), Err: err}
	}

	m := &Metadata{
		RevisionSrc:     doc.Revision.Src,
		RevisionDst:     doc.Revision.Dst,
		ContentHashSrc:  doc.ContentHash.Src,
		ContentHashDst:  doc.ContentHash.Dst,
		ContentHashType: doc.ContentHash.Type,
		TimestampSrc:    doc.Timestamp.Src,
		TimestampDst:    doc.Timestamp.Dst,
	}

	for _, xb := range doc.UsedPlugins {
		bundle := PluginBundle{Name: xb.Name, Version: xb.Version}
		for _, a := range xb.Data.Attrs {
			bundle.Data.Set(a.Name.Local, a.Value)
		}
		for _, sub := range xb.Data.Sublists {
			for _, item := range sub.Items {
				attrs := make(map[string]string, len(item.Attrs))
				for _, a := range item.Attrs {
					attrs[a.Name.Local] = a.Value
				}
				bundle.Data.Append(sub.XMLName.Local, attrs)
			}
		}
		m.AddPluginBundle(bundle)
	}
	return m, nil
}
