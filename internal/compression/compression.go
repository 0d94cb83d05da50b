// Package compression dispatches reads and writes of deltarepo's XML
// documents (deltarepos.xml, deltametadata.xml) across the compression
// formats the mirror ecosystem actually uses: gzip, xz and bzip2, plus
// uncompressed. Reads auto-detect from the stream's magic bytes; writes
// are explicit, since there is no way to guess what a caller wants.
package compression

import (
	"bufio"
	"compress/bzip2"
	"fmt"
	"io"

	dsnetbzip2 "github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"

	"github.com/prn-tf/deltarepo/internal/deltaerrors"
)

// Type identifies a compression format.
type Type string

const (
	None  Type = "none"
	Gzip  Type = "gzip"
	XZ    Type = "xz"
	Bzip2 Type = "bz2"
)

// Suffix returns the filename suffix conventionally used for a format.
func Suffix(t Type) string {
	switch t {
	case Gzip:
		return ".gz"
	case XZ:
		return ".xz"
	case Bzip2:
		return ".bz2"
	default:
		return ""
	}
}

var magic = []struct {
	t      Type
	prefix []byte
}{
	{Gzip, []byte{0x1f, 0x8b}},
	{XZ, []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}},
	{Bzip2, []byte{'B', 'Z', 'h'}},
}

// DetectReader peeks at the start of r and returns a reader that
// transparently decompresses the stream according to its magic bytes,
// along with the detected Type. Unrecognized magic is treated as
// uncompressed data rather than an error, since plain XML is a valid input.
func DetectReader(r io.Reader) (io.Reader, Type, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, None, fmt.Errorf("compression: peek: %w", err)
	}

	for _, m := range magic {
		if len(head) >= len(m.prefix) && bytesHasPrefix(head, m.prefix) {
			rc, err := newDecompressReader(br, m.t)
			return rc, m.t, err
		}
	}
	return br, None, nil
}

func bytesHasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func newDecompressReader(r io.Reader, t Type) (io.Reader, error) {
	switch t {
	case Gzip:
		return gzip.NewReader(r)
	case XZ:
		return xz.NewReader(r)
	case Bzip2:
		// The standard library's bzip2 reader is read-only but adequate;
		// no third-party bzip2 reader appears anywhere in the pack.
		return bzip2.NewReader(r), nil
	default:
		return r, nil
	}
}

// NewWriter wraps w so that writes to it are compressed in the requested
// format. The caller must Close the returned writer to flush trailers.
// An explicitly unknown Type is a hard error: unlike reads, writes have no
// stream to infer a format from.
func NewWriter(w io.Writer, t Type) (io.WriteCloser, error) {
	switch t {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriter(w), nil
	case XZ:
		return xz.NewWriter(w)
	case Bzip2:
		return dsnetbzip2.NewWriter(w, nil)
	default:
		return nil, fmt.Errorf("%w: compression %q", deltaerrors.ErrUnknownAlgorithm, t)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
