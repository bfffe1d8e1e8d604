// Package source defines the narrow collaborator contracts this library
// speaks to: the container demuxer, the video/audio decoders, and the
// optional bitstream parser. These are the only seams the core engine
// (track tables, indexer, video/audio sources) uses to reach the outside
// world; concrete adapters live under internal/container.
package source

import "context"

// Packet is one demuxed container packet belonging to a single track.
type Packet struct {
	StreamIndex int
	PTS         int64 // track timebase units; PTSUnset if not carried
	DTS         int64 // track timebase units; PTSUnset if not carried
	FilePos     int64 // byte offset of the packet's start, -1 if unknown
	KeyFrame    bool
	Discard     bool // demuxer-level DISCARD flag
	Payload     []byte
	Duration    int64
}

// PTSUnset is the sentinel a Demuxer uses for a packet that carries no
// presentation timestamp.
const PTSUnset = int64(-1) << 62

// StreamInfo describes one elementary stream as reported by a Demuxer.
type StreamInfo struct {
	Index        int
	Kind         StreamKind
	CodecID      string
	TimebaseNum  int64
	TimebaseDen  int64
	SampleRate   int
	Channels     int
	SampleFormat string
}

// StreamKind mirrors track.Kind without importing the track package, to
// keep this contracts package leaf-level and dependency-free.
type StreamKind int

const (
	StreamVideo StreamKind = iota
	StreamAudio
	StreamOther
)

// Demuxer is the external container-parsing collaborator (spec.md §6.2).
// Implementations must support re-reading the same packet stream after a
// seek; at least one of SeekByPTS or SeekByByte must succeed for a source
// built on top of this Demuxer to be usable.
type Demuxer interface {
	// Streams returns the elementary streams discovered after opening.
	Streams() []StreamInfo

	// NextPacket returns the next packet in the container, or io.EOF when
	// exhausted. Implementations should honor ctx cancellation promptly.
	NextPacket(ctx context.Context) (Packet, error)

	// SeekByPTS seeks the given stream to the packet at or immediately
	// before pts. Returns an error (wrapped in ffmserr.ErrSeekRefused by the
	// caller) if the container has no PTS-based seek path.
	SeekByPTS(stream int, pts int64) error

	// SeekByByte seeks the underlying reader to filePos and resumes
	// demuxing from there.
	SeekByByte(stream int, filePos int64) error

	// Close releases any resources (open file handles, read buffers).
	Close() error
}

// VideoFrame is a single decoded picture as reported by a VideoDecoder.
type VideoFrame struct {
	PTS         int64
	Width       int
	Height      int
	PixelFormat string
	PictType    PictType
	Interlaced  bool
	TopFieldFst bool
	KeyFrame    bool
	Pixels      []byte
}

// PictType mirrors track.FrameType for the decoder-facing contract.
type PictType int

const (
	PictUnknown PictType = iota
	PictI
	PictP
	PictB
)

// VideoDecoder is the external video-decoding collaborator.
type VideoDecoder interface {
	// SendPacket submits a packet for decoding.
	SendPacket(ctx context.Context, pkt Packet) error

	// ReceiveFrame returns the next decoded frame, or ErrAgain if the
	// decoder needs more packets before it can emit one.
	ReceiveFrame(ctx context.Context) (VideoFrame, error)

	// Flush discards any buffered reference frames; called after a seek.
	Flush() error

	// SetSkipNonReference hints the decoder to skip decoding frames that
	// are never referenced, cheapening the forward-decode walk to a seek
	// target (spec.md §4.5 step 4).
	SetSkipNonReference(skip bool)

	HasBFrames() bool
	ThreadCount() int
	CodecID() string
}

// AudioChunk is a contiguous run of decoded PCM as reported by an
// AudioDecoder.
type AudioChunk struct {
	Samples      int
	Channels     int
	SampleRate   int
	SampleFormat string
	Bytes        []byte
}

// AudioDecoder is the external audio-decoding collaborator. Format must not
// change mid-track; callers detect that and fail with
// ffmserr.ErrAudioFormatChange.
type AudioDecoder interface {
	SendPacket(ctx context.Context, pkt Packet) error
	ReceiveChunk(ctx context.Context) (AudioChunk, error)
	Flush() error
}

// ParsedPicture is what a BitstreamParser extracts from one packet.
type ParsedPicture struct {
	RepeatPict      int
	PictType        PictType
	FieldPicture    bool
	BottomField     bool
	IncompleteField bool // this packet is the second of a field pair
	Hidden          bool // frame is decoded but never displayed (VP8/VP9 alt-ref)
}

// BitstreamParser is the optional per-codec collaborator the indexer uses
// for H.264 field-pair detection, HEVC key-frame detection and VP8/VP9
// uncompressed-header visibility inspection (spec.md §4.3, §6.2).
type BitstreamParser interface {
	ParsePicture(payload []byte) (ParsedPicture, error)
}

// ProgressFunc is the host-supplied progress callback (spec.md §6.2).
// Returning true cancels the indexing operation in progress.
type ProgressFunc func(currentBytes, totalBytes int64) (cancel bool)

// ErrAgain is returned by ReceiveFrame/ReceiveChunk when the decoder has
// buffered the packet but has no output ready yet.
var ErrAgain = errAgain{}

type errAgain struct{}

func (errAgain) Error() string { return "decoder: no frame ready" }
