// Package repoprobe inspects a repomd.xml document — local or remote — and
// builds the Snapshot view the solver and apply engine reason about:
// revision, newest metadata timestamp, declared content hash (if any), and
// the set of metadata types repomd.xml declares (whether their files exist
// on disk is not checked).
package repoprobe

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/prn-tf/deltarepo/internal/contenthash"
	"github.com/prn-tf/deltarepo/internal/deltaerrors"
	"github.com/prn-tf/deltarepo/internal/registry/sqlite"
)

// repomdData mirrors the <data type="..."> entries of a repomd.xml
// document — just enough fields to drive probing and cost estimation.
type repomdData struct {
	Type     string `xml:"type,attr"`
	Location struct {
		Href string `xml:"href,attr"`
	} `xml:"location"`
	Checksum struct {
		Type  string `xml:"type,attr"`
		Value string `xml:",chardata"`
	} `xml:"checksum"`
	Size     int64 `xml:"size"`
	OpenSize int64 `xml:"open-size"`
	Timestamp int64 `xml:"timestamp"`
}

type repomdDoc struct {
	XMLName  xml.Name     `xml:"repomd"`
	Revision string       `xml:"revision"`
	Data     []repomdData `xml:"data"`
}

// Snapshot is the probed view of a repository, local or remote.
type Snapshot struct {
	Revision        string
	MaxTimestamp    int64
	DataTypes       map[string]repomdData
	ContentHash     string
	ContentHashType string
	RepomdSize      int64
}

// HasType reports whether a metadata type was declared in repomd.xml.
func (s Snapshot) HasType(t string) bool {
	_, ok := s.DataTypes[t]
	return ok
}

// Cost estimates the compressed-bytes cost of fetching the declared
// metadata types that pass whitelist, optionally including repomd.xml's
// own size. whitelist == nil means "no restriction".
func (s Snapshot) Cost(whitelist []string, includeRepomdSize bool) int64 {
	allowed := func(t string) bool {
		if whitelist == nil {
			return true
		}
		for _, w := range whitelist {
			if w == t {
				return true
			}
		}
		return false
	}

	var total int64
	if includeRepomdSize {
		total += s.RepomdSize
	}
	for t, d := range s.DataTypes {
		if allowed(t) {
			total += d.Size
		}
	}
	return total
}

// FromRepomd parses a repomd.xml stream into a Snapshot. It does not
// attempt to compute a content hash — that requires the primary.xml
// payload, handled separately by FromLocalPath.
func FromRepomd(r io.Reader) (Snapshot, error) {
	var doc repomdDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return Snapshot{}, &deltaerrors.ParseError{Source: "repomd.xml", Detail: err.Error(), Err: err}
	}

	s := Snapshot{
		Revision:  doc.Revision,
		DataTypes: make(map[string]repomdData, len(doc.Data)),
	}
	for _, d := range doc.Data {
		s.DataTypes[d.Type] = d
		if d.Timestamp > s.MaxTimestamp {
			s.MaxTimestamp = d.Timestamp
		}
	}
	return s, nil
}

// FromLocalPath probes an on-disk repository rooted at dir, reading
// dir/repodata/repomd.xml and, if requested, the primary.xml payload it
// points to in order to compute the content hash with algo.
func FromLocalPath(dir string, logger zerolog.Logger, algo string, computeContentHash bool) (Snapshot, error) {
	repomdPath := filepath.Join(dir, "repodata", "repomd.xml")
	f, err := os.Open(repomdPath)
	if err != nil {
		return Snapshot{}, fmt.Errorf("repoprobe: open repomd.xml: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return Snapshot{}, fmt.Errorf("repoprobe: stat repomd.xml: %w", err)
	}

	s, err := FromRepomd(f)
	if err != nil {
		return Snapshot{}, err
	}
	s.RepomdSize = fi.Size()

	if computeContentHash {
		primary, ok := s.DataTypes["primary"]
		if !ok {
			logger.Warn().Str("dir", dir).Msg("repoprobe: no primary metadata declared, content hash unavailable")
			return s, nil
		}
		primaryPath := filepath.Join(dir, primary.Location.Href)
		pf, err := os.Open(primaryPath)
		if err != nil {
			return Snapshot{}, fmt.Errorf("repoprobe: open primary metadata: %w", err)
		}
		defer pf.Close()

		hash, err := contenthash.CalculateFromPrimaryXML(pf, filepath.Ext(primaryPath) == ".gz", algo, logger)
		if err != nil {
			return Snapshot{}, fmt.Errorf("repoprobe: content hash: %w", err)
		}
		s.ContentHash = hash
		s.ContentHashType = algo
	}

	logger.Debug().Str("dir", dir).Str("revision", s.Revision).Msg("repoprobe: probed local repository")
	return s, nil
}

// ProbeCache looks up and stores a directory's probe fingerprint keyed by
// path and modification time. *sqlite.Registry satisfies this interface.
type ProbeCache interface {
	Get(ctx context.Context, path string, currentMtimeUnix int64) (sqlite.ProbeEntry, bool, error)
	Put(ctx context.Context, e sqlite.ProbeEntry) error
	Delete(ctx context.Context, path string) error
}

// FromLocalPathCached behaves like FromLocalPath, but consults cache first
// and skips re-parsing repomd.xml (and recomputing the content hash)
// entirely when dir/repodata/repomd.xml's mtime matches a cached entry. A
// nil cache falls back to FromLocalPath unconditionally.
//
// A cache hit does not repopulate Snapshot.DataTypes — ProbeEntry only
// tracks the fields the gardener's retention sweep needs (revision, content
// hash, repomd size, newest metadata timestamp), not the full per-type
// size breakdown. Callers that need Snapshot.Cost or Snapshot.HasType
// should call FromLocalPath directly instead of passing a cache.
func FromLocalPathCached(ctx context.Context, dir string, logger zerolog.Logger, algo string, computeContentHash bool, cache ProbeCache) (Snapshot, error) {
	if cache == nil {
		return FromLocalPath(dir, logger, algo, computeContentHash)
	}

	fi, err := os.Stat(filepath.Join(dir, "repodata", "repomd.xml"))
	if err != nil {
		return Snapshot{}, fmt.Errorf("repoprobe: stat repomd.xml: %w", err)
	}
	mtime := fi.ModTime().Unix()

	entry, hit, err := cache.Get(ctx, dir, mtime)
	if err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("repoprobe: probe cache lookup failed")
	}
	if hit && (!computeContentHash || entry.ContentHash != "") {
		logger.Debug().Str("dir", dir).Msg("repoprobe: probe cache hit")
		return Snapshot{
			Revision:        entry.Revision,
			MaxTimestamp:    entry.MaxTimestamp,
			ContentHash:     entry.ContentHash,
			ContentHashType: entry.ContentHashType,
			RepomdSize:      entry.RepomdSize,
		}, nil
	}

	s, err := FromLocalPath(dir, logger, algo, computeContentHash)
	if err != nil {
		return Snapshot{}, err
	}

	put := sqlite.ProbeEntry{
		Path:            dir,
		MtimeUnix:       mtime,
		Revision:        s.Revision,
		ContentHash:     s.ContentHash,
		ContentHashType: s.ContentHashType,
		RepomdSize:      s.RepomdSize,
		MaxTimestamp:    s.MaxTimestamp,
		ProbedAtUnix:    time.Now().Unix(),
	}
	if err := cache.Put(ctx, put); err != nil {
		logger.Warn().Err(err).Str("dir", dir).Msg("repoprobe: probe cache write failed")
	}
	return s, nil
}
