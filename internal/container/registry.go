// Package container hosts a signature-keyed dispatcher over the concrete
// source.Demuxer adapters in its subpackages, mirroring the way the
// teacher's internal/ingest.Registry dispatches a new stream to a handler
// by its InputFormat rather than making every caller name a container type.
package container

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/ffms2go/ffms2go/internal/container/avidemux"
	"github.com/ffms2go/ffms2go/internal/container/mkvdemux"
	"github.com/ffms2go/ffms2go/internal/container/mp4demux"
	"github.com/ffms2go/ffms2go/internal/container/tsdemux"
	"github.com/ffms2go/ffms2go/internal/source"
)

// sniffWindow is how many leading bytes Open reads to match a signature.
// The longest signature any registered format currently checks is 12 bytes
// (AVI's "RIFF....AVI "); this leaves headroom.
const sniffWindow = 32

// OpenFunc opens path with a specific container adapter.
type OpenFunc func(path string) (source.Demuxer, error)

type signature struct {
	name  string
	match func(header []byte) bool
	open  OpenFunc
}

// Registry dispatches Open to the first registered signature whose match
// function accepts the file's leading bytes.
type Registry struct {
	signatures []signature
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a signature. Signatures are tried in registration order;
// the first match wins.
func (r *Registry) Register(name string, match func(header []byte) bool, open OpenFunc) {
	r.signatures = append(r.signatures, signature{name: name, match: match, open: open})
}

// Open sniffs path's header and dispatches to the matching adapter's Open.
func (r *Registry) Open(path string) (source.Demuxer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", path, err)
	}
	header := make([]byte, sniffWindow)
	n, readErr := io.ReadFull(f, header)
	f.Close()
	if readErr != nil && readErr != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("container: read signature of %s: %w", path, readErr)
	}
	header = header[:n]

	for _, s := range r.signatures {
		if s.match(header) {
			return s.open(path)
		}
	}
	return nil, fmt.Errorf("container: %s matches no registered container signature", path)
}

// Default is the Registry pre-populated with every container adapter this
// module ships.
var Default = buildDefault()

func buildDefault() *Registry {
	r := NewRegistry()

	r.Register("mpeg-ts", func(h []byte) bool {
		return len(h) > 0 && h[0] == 0x47
	}, func(path string) (source.Demuxer, error) { return tsdemux.Open(path) })

	r.Register("mp4", func(h []byte) bool {
		return len(h) >= 8 && bytes.Equal(h[4:8], []byte("ftyp"))
	}, func(path string) (source.Demuxer, error) { return mp4demux.Open(path) })

	r.Register("avi", func(h []byte) bool {
		return len(h) >= 12 && bytes.Equal(h[0:4], []byte("RIFF")) && bytes.Equal(h[8:12], []byte("AVI "))
	}, func(path string) (source.Demuxer, error) { return avidemux.Open(path) })

	r.Register("matroska", func(h []byte) bool {
		return len(h) >= 4 && h[0] == 0x1A && h[1] == 0x45 && h[2] == 0xDF && h[3] == 0xA3
	}, func(path string) (source.Demuxer, error) { return mkvdemux.Open(path) })

	return r
}
