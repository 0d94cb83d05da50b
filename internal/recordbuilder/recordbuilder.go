// Package recordbuilder constructs a deltaindex.Record describing an
// on-disk delta repository, by combining its deltametadata.xml with the
// bookkeeping (size, checksum, mtime) of its own repomd.xml.
package recordbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
	"github.com/prn-tf/deltarepo/internal/deltaindex"
	"github.com/prn-tf/deltarepo/internal/deltametadata"
)

type repomdData struct {
	Type      string `xml:"type,attr"`
	Size      int64  `xml:"size"`
	OpenSize  int64  `xml:"open-size"`
	Timestamp int64  `xml:"timestamp"`
}

type repomdDoc struct {
	XMLName xml.Name     `xml:"repomd"`
	Data    []repomdData `xml:"data"`
}

// FromPath builds a Record for the delta repository rooted at repoPath.
// stripPrefix, if non-empty, is trimmed from repoPath before it is used as
// the record's location_href, so a cache root's absolute filesystem path
// doesn't leak into a published index. A missing deltametadata.xml is a
// hard failure: a directory without one is not a delta repository at all.
func FromPath(repoPath, stripPrefix string, logger zerolog.Logger) (deltaindex.Record, error) {
	metaPath := filepath.Join(repoPath, "deltametadata.xml")
	metaFile, err := os.Open(metaPath)
	if err != nil {
		return deltaindex.Record{}, fmt.Errorf("recordbuilder: %w: missing deltametadata.xml in %s", deltaerrors.ErrValidation, repoPath)
	}
	defer metaFile.Close()

	meta, err := deltametadata.Decode(metaFile)
	if err != nil {
		return deltaindex.Record{}, fmt.Errorf("recordbuilder: %w", err)
	}
	if err := meta.Check(); err != nil {
		return deltaindex.Record{}, fmt.Errorf("recordbuilder: %w", err)
	}

	repomdPath := filepath.Join(repoPath, "repodata", "repomd.xml")
	repomdFile, err := os.Open(repomdPath)
	if err != nil {
		return deltaindex.Record{}, fmt.Errorf("recordbuilder: open repomd.xml: %w", err)
	}
	defer repomdFile.Close()

	fi, err := repomdFile.Stat()
	if err != nil {
		return deltaindex.Record{}, fmt.Errorf("recordbuilder: stat repomd.xml: %w", err)
	}

	hasher := sha256.New()
	tee := io.TeeReader(repomdFile, hasher)

	var doc repomdDoc
	if err := xml.NewDecoder(tee).Decode(&doc); err != nil {
		return deltaindex.Record{}, &deltaerrors.ParseError{Source: "repomd.xml", Detail: err.Error(), Err: err}
	}
	// Drain whatever Decode didn't consume (trailing whitespace) so the
	// checksum covers the whole file, matching what a plain sha256sum
	// over repomd.xml would produce.
	io.Copy(hasher, repomdFile)

	href := repoPath
	if stripPrefix != "" {
		href = strings.TrimPrefix(repoPath, stripPrefix)
		href = strings.TrimPrefix(href, string(filepath.Separator))
	}

	var maxTimestamp int64
	for _, d := range doc.Data {
		if d.Timestamp > maxTimestamp {
			maxTimestamp = d.Timestamp
		}
	}

	rec := deltaindex.Record{
		LocationHref:    href,
		RevisionSrc:     meta.RevisionSrc,
		RevisionDst:     meta.RevisionDst,
		ContentHashSrc:  meta.ContentHashSrc,
		ContentHashDst:  meta.ContentHashDst,
		ContentHashType: meta.ContentHashType,
		TimestampSrc:    meta.TimestampSrc,
		TimestampDst:    meta.TimestampDst,
		Data:            make(map[string]deltaindex.DataSize, len(doc.Data)),
		RepomdSize:      fi.Size(),
		RepomdTimestamp: maxTimestamp,
		RepomdChecksum:  hex.EncodeToString(hasher.Sum(nil)),
		RepomdChecksumType: "sha256",
	}
	for _, d := range doc.Data {
		rec.Data[d.Type] = deltaindex.DataSize{Size: d.Size, OpenSize: d.OpenSize}
	}

	logger.Debug().Str("path", repoPath).Str("href", href).Msg("recordbuilder: built record")
	return rec, nil
}
