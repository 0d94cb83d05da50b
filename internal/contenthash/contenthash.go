// Package contenthash computes the content-hash fingerprint that identifies
// a repository snapshot: every package's (pkgid, location href, location
// base) triple, concatenated into a single string, sorted, concatenated
// again and hashed. Two snapshots with the same fingerprint contain exactly
// the same packages at the same locations, regardless of how the metadata
// documents around them were generated.
package contenthash

import (
	"compress/gzip"
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/hashalgo"
)

// PackageID is the identity triple used for fingerprinting a single package
// entry in a primary.xml document.
type PackageID struct {
	PkgID         string
	LocationHref  string
	LocationBase  string
}

// idString mirrors pkg_id_str: the three identity fields concatenated with
// no separator, in a fixed order.
func (p PackageID) idString() string {
	return p.PkgID + p.LocationHref + p.LocationBase
}

type primaryChecksum struct {
	Value string `xml:",chardata"`
}

type primaryLocation struct {
	Href string `xml:"href,attr"`
	Base string `xml:"http://www.w3.org/XML/1998/namespace base,attr"`
}

type primaryPackage struct {
	Checksum primaryChecksum `xml:"checksum"`
	Location primaryLocation `xml:"location"`
}

// ReadPackageIDs streams a primary.xml (or primary.xml.gz) document and
// extracts the identity triple of every <package> element, ignoring every
// other field (name, version, file lists, ...) since fingerprinting does
// not need them. Streaming keeps memory proportional to one package element
// at a time rather than the whole document.
//
// Bad or non-primary XML is not a hard failure: it yields an empty package
// set (so the caller's content hash falls back to the hash of the empty
// input) with a warning logged. A package missing pkgId or location_href
// is kept but also logged, mirroring pkg_id_str's own warnings.
func ReadPackageIDs(r io.Reader, gzipped bool, logger zerolog.Logger) ([]PackageID, error) {
	src := r
	if gzipped {
		gz, err := gzip.NewReader(r)
		if err != nil {
			logger.Warn().Err(err).Msg("contenthash: not a gzip stream, treating as empty package set")
			return nil, nil
		}
		defer gz.Close()
		src = gz
	}

	dec := xml.NewDecoder(src)
	var ids []PackageID
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			logger.Warn().Err(err).Msg("contenthash: malformed or non-primary XML, treating as empty package set")
			return nil, nil
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "package" {
			continue
		}
		var pkg primaryPackage
		if err := dec.DecodeElement(&pkg, &start); err != nil {
			logger.Warn().Err(err).Msg("contenthash: malformed package element, treating as empty package set")
			return nil, nil
		}
		if pkg.Checksum.Value == "" {
			logger.Warn().Msg("contenthash: missing pkgId in a package")
		}
		if pkg.Location.Href == "" {
			logger.Warn().Str("pkgid", pkg.Checksum.Value).Msg("contenthash: missing location_href at package")
		}
		ids = append(ids, PackageID{
			PkgID:        pkg.Checksum.Value,
			LocationHref: pkg.Location.Href,
			LocationBase: pkg.Location.Base,
		})
	}
	return ids, nil
}

// Calculate computes the content hash of a set of package identities using
// the named algorithm ("sha" is accepted as a legacy alias for "sha1").
// The empty set hashes to the algorithm's hash of the empty string, which
// is a defined, stable value callers can rely on for empty repositories.
func Calculate(algo string, pkgs []PackageID) (string, error) {
	h, err := hashalgo.New(algo)
	if err != nil {
		return "", err
	}

	strs := make([]string, len(pkgs))
	for i, p := range pkgs {
		strs[i] = p.idString()
	}
	sort.Strings(strs)

	for _, s := range strs {
		if _, err := io.WriteString(h, s); err != nil {
			return "", fmt.Errorf("contenthash: hash write: %w", err)
		}
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// CalculateFromPrimaryXML is the common-case entry point: read package
// identities from a primary.xml stream and hash them in one call.
func CalculateFromPrimaryXML(r io.Reader, gzipped bool, algo string, logger zerolog.Logger) (string, error) {
	ids, err := ReadPackageIDs(r, gzipped, logger)
	if err != nil {
		return "", err
	}
	return Calculate(algo, ids)
}
