// Package deltaindex implements the deltarepos.xml mirror index: a list of
// DeltaRepoRecord entries describing the delta repositories a mirror
// publishes, and the codec that reads/writes them.
package deltaindex

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
	"github.com/prn-tf/deltarepo/internal/hashalgo"
)

// Record describes one delta repository: the revision/contenthash pair it
// bridges, where to find it, and bookkeeping about its repomd.xml.
type Record struct {
	LocationBase string `xml:"location>base,omitempty"`
	LocationHref string `xml:"location>href"`

	RevisionSrc string `xml:"revision>src"`
	RevisionDst string `xml:"revision>dst"`

	ContentHashSrc  string `xml:"contenthash>src"`
	ContentHashDst  string `xml:"contenthash>dst"`
	ContentHashType string `xml:"contenthash>type"`

	TimestampSrc int64 `xml:"timestamp>src"`
	TimestampDst int64 `xml:"timestamp>dst"`

	// Data maps a repomd.xml data type ("primary", "filelists", ...) to
	// its size/open-size pair, carried opaquely.
	Data map[string]DataSize `xml:"-"`

	RepomdTimestamp int64  `xml:"repomd>timestamp,omitempty"`
	RepomdSize      int64  `xml:"repomd>size,omitempty"`
	RepomdChecksum  string `xml:"repomd>checksum,omitempty"`
	RepomdChecksumType string `xml:"repomd>checksum_type,omitempty"`
}

// DataSize is the size/open_size pair recorded per repomd data type.
type DataSize struct {
	Size     int64
	OpenSize int64
}

// SizeTotal sums the compressed size of every recorded data type, used by
// cost functions that want a rough transfer-size estimate.
func (r Record) SizeTotal() int64 {
	var total int64
	for _, d := range r.Data {
		total += d.Size
	}
	return total
}

// Validate checks structural invariants. In force mode, a missing
// RepomdTimestamp is tolerated (some historical mirrors omit it); outside
// force mode it is required whenever any repomd bookkeeping is present.
func (r Record) Validate(force bool) error {
	if r.LocationHref == "" {
		return &deltaerrors.ValidationError{Field: "location.href", Detail: "must not be empty"}
	}
	if r.ContentHashSrc == "" || r.ContentHashDst == "" {
		return &deltaerrors.ValidationError{Field: "contenthash", Detail: "src and dst are both required"}
	}
	if r.ContentHashSrc == r.ContentHashDst {
		return fmt.Errorf("%w: contenthash src == dst (%s)", deltaerrors.ErrIncompatibleEndpoints, r.ContentHashSrc)
	}
	if _, err := hashalgo.New(r.ContentHashType); err != nil {
		return &deltaerrors.ValidationError{Field: "contenthash.type", Detail: "not a recognised algorithm"}
	}
	if r.RepomdTimestamp < 0 {
		return &deltaerrors.ValidationError{Field: "repomd.timestamp", Detail: "must not be negative"}
	}
	if !force && (r.RepomdChecksum != "" || r.RepomdSize != 0) && r.RepomdTimestamp == 0 {
		return &deltaerrors.ValidationError{Field: "repomd.timestamp", Detail: "required unless force mode is set"}
	}
	if r.RepomdSize < 0 {
		return &deltaerrors.ValidationError{Field: "repomd.size", Detail: "must not be negative"}
	}
	for typ, d := range r.Data {
		if d.Size < 0 {
			return &deltaerrors.ValidationError{Field: "data[" + typ + "].size", Detail: "must not be negative"}
		}
		if d.OpenSize < 0 {
			return &deltaerrors.ValidationError{Field: "data[" + typ + "].opensize", Detail: "must not be negative"}
		}
	}
	return nil
}

// Index is the in-memory form of a deltarepos.xml document.
type Index struct {
	Records []Record
}

// Append adds a record to the index.
func (idx *Index) Append(r Record) {
	idx.Records = append(idx.Records, r)
}

// Clear empties the index.
func (idx *Index) Clear() {
	idx.Records = nil
}

// Sort orders records by location href, giving deltarepos.xml a stable,
// diff-friendly layout. The generator calls this in place before writing,
// so the sorted order is what is actually persisted.
func (idx *Index) Sort() {
	sort.Slice(idx.Records, func(i, j int) bool {
		return idx.Records[i].LocationHref < idx.Records[j].LocationHref
	})
}

// Check validates every record, in force or strict mode, stopping at the
// first failure.
func (idx *Index) Check(force bool) error {
	for i, r := range idx.Records {
		if err := r.Validate(force); err != nil {
			return fmt.Errorf("deltaindex: record %d: %w", i, err)
		}
	}
	return nil
}

// --- XML wire format -------------------------------------------------

type xmlDataSize struct {
	Type     string `xml:"type,attr"`
	Size     int64  `xml:"size,attr"`
	OpenSize int64  `xml:"opensize,attr,omitempty"`
}

type xmlRecord struct {
	Location struct {
		Base string `xml:"base,attr,omitempty"`
		Href string `xml:"href,attr"`
	} `xml:"location"`
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
	Data   []xmlDataSize `xml:"data"`
	Repomd *struct {
		Timestamp     int64  `xml:"timestamp,attr,omitempty"`
		Size          int64  `xml:"size,attr,omitempty"`
		Checksum      string `xml:"checksum,attr,omitempty"`
		ChecksumType  string `xml:"checksumtype,attr,omitempty"`
	} `xml:"repomd"`
}

type xmlDocument struct {
	XMLName xml.Name    `xml:"deltarepos"`
	Records []xmlRecord `xml:"deltarepo"`
}

func toXML(r Record) xmlRecord {
	var out xmlRecord
	out.Location.Base = r.LocationBase
	out.Location.Href = r.LocationHref
	out.Revision.Src = r.RevisionSrc
	out.Revision.Dst = r.RevisionDst
	out.ContentHash.Src = r.ContentHashSrc
	out.ContentHash.Dst = r.ContentHashDst
	out.ContentHash.Type = r.ContentHashType
	out.Timestamp.Src = r.TimestampSrc
	out.Timestamp.Dst = r.TimestampDst

	// Deterministic order for otherwise-unordered map data.
	keys := make([]string, 0, len(r.Data))
	for k := range r.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		d := r.Data[k]
		out.Data = append(out.Data, xmlDataSize{Type: k, Size: d.Size, OpenSize: d.OpenSize})
	}

	if r.RepomdChecksum != "" || r.RepomdTimestamp != 0 || r.RepomdSize != 0 {
		out.Repomd = &struct {
			Timestamp    int64  `xml:"timestamp,attr,omitempty"`
			Size         int64  `xml:"size,attr,omitempty"`
			Checksum     string `xml:"checksum,attr,omitempty"`
			ChecksumType string `xml:"checksumtype,attr,omitempty"`
		}{
			Timestamp:    r.RepomdTimestamp,
			Size:         r.RepomdSize,
			Checksum:     r.RepomdChecksum,
			ChecksumType: r.RepomdChecksumType,
		}
	}
	return out
}

func fromXML(x xmlRecord) Record {
	r := Record{
		LocationBase:    x.Location.Base,
		LocationHref:    x.Location.Href,
		RevisionSrc:     x.Revision.Src,
		RevisionDst:     x.Revision.Dst,
		ContentHashSrc:  x.ContentHash.Src,
		ContentHashDst:  x.ContentHash.Dst,
		ContentHashType: x.ContentHash.Type,
		TimestampSrc:    x.Timestamp.Src,
		TimestampDst:    x.Timestamp.Dst,
		Data:            make(map[string]DataSize, len(x.Data)),
	}
	for _, d := range x.Data {
		r.Data[d.Type] = DataSize{Size: d.Size, OpenSize: d.OpenSize}
	}
	if x.Repomd != nil {
		r.RepomdTimestamp = x.Repomd.Timestamp
		r.RepomdSize = x.Repomd.Size
		r.RepomdChecksum = x.Repomd.Checksum
		r.RepomdChecksumType = x.Repomd.ChecksumType
	}
	return r
}

// Encode writes idx as deltarepos.xml to w.
func Encode(w io.Writer, idx *Index) error {
	doc := xmlDocument{}
	for _, r := range idx.Records {
		doc.Records = append(doc.Records, toXML(r))
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("deltaindex: write header: %w", err)
	}
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("deltaindex: encode: %w", err)
	}
	return nil
}

// Decode reads a deltarepos.xml document from r.
func Decode(r io.Reader) (*Index, error) {
	var doc xmlDocument
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, &deltaerrors.ParseError{Source: "deltarepos.xml", Detail: err.Error(), Err: err}
	}
	idx := &Index{}
	for _, x := range doc.Records {
		idx.Records = append(idx.Records, fromXML(x))
	}
	return idx, nil
}
