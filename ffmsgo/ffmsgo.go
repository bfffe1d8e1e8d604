// Package ffmsgo is the public embedding API (spec.md §6.3): a thin façade
// over internal/track, internal/indexstore, internal/indexer,
// internal/videosource, internal/audiosource and internal/container,
// mirroring the way the teacher repository splits a small public package
// tree over its internal/ implementation.
//
// A host embeds this library by registering a VideoDecoder/AudioDecoder
// implementation per codec ID it cares about (RegisterVideoDecoder,
// RegisterAudioDecoder) before calling BuildIndex or OpenVideoSource /
// OpenAudioSource; the container itself is auto-detected from the file's
// leading bytes (internal/container.Default) the way the teacher's
// ingest.Registry dispatches a new stream by its InputFormat rather than
// making every caller name a container type.
package ffmsgo

import (
	"context"

	"github.com/ffms2go/ffms2go/internal/audiosource"
	"github.com/ffms2go/ffms2go/internal/bitstream"
	"github.com/ffms2go/ffms2go/internal/container"
	"github.com/ffms2go/ffms2go/internal/ffmserr"
	"github.com/ffms2go/ffms2go/internal/indexer"
	"github.com/ffms2go/ffms2go/internal/indexstore"
	"github.com/ffms2go/ffms2go/internal/source"
	coretrack "github.com/ffms2go/ffms2go/internal/track"
	"github.com/ffms2go/ffms2go/internal/videosource"
)

// Re-exported collaborator contracts (spec.md §6.2). These are Go type
// aliases, not new types: a host implements them without ever importing an
// internal package directly, and values of these types flow straight into
// internal/source's identical interfaces.
type (
	Demuxer         = source.Demuxer
	VideoDecoder    = source.VideoDecoder
	AudioDecoder    = source.AudioDecoder
	BitstreamParser = source.BitstreamParser
	Packet          = source.Packet
	VideoFrame      = source.VideoFrame
	AudioChunk      = source.AudioChunk
	PictType        = source.PictType
	StreamInfo      = source.StreamInfo
	StreamKind      = source.StreamKind
	ProgressFunc    = source.ProgressFunc
)

// Re-exported picture types (spec.md §3).
const (
	PictUnknown = source.PictUnknown
	PictI       = source.PictI
	PictP       = source.PictP
	PictB       = source.PictB
)

// Frame is the decoded picture GetFrame returns (spec.md §6.3).
type Frame = VideoFrame

// TrackTable is one track's finalized frame/sample table (spec.md §3).
// WriteTimecodes is defined on it directly (internal/track/builder.go).
type TrackTable = coretrack.TrackTable

// Index is the persisted index document (spec.md §3, §6.1). Write,
// MatchesFile and the Tracks/IncompleteTracks accessors are defined on it
// directly (internal/indexstore).
type Index = indexstore.Index

// ErrorHandlingMode selects what an indexing run does when a track hits a
// decode/parse error (spec.md §7).
type ErrorHandlingMode = indexstore.ErrorHandlingMode

const (
	Abort      = indexstore.Abort
	ClearTrack = indexstore.ClearTrack
	StopTrack  = indexstore.StopTrack
	Ignore     = indexstore.Ignore
)

// ComponentVersions fingerprints the demuxer/decoder/parser build an index
// was produced with (spec.md §6.1; SPEC_FULL.md §9).
type ComponentVersions = indexstore.ComponentVersions

// SeekMode selects how aggressively GetFrame seeks rather than decodes
// forward linearly (spec.md §4.5 step 2).
type SeekMode = videosource.SeekMode

const (
	LinearNoRewind = videosource.LinearNoRewind
	Linear         = videosource.Linear
	Normal         = videosource.Normal
	Unsafe         = videosource.Unsafe
	Aggressive     = videosource.Aggressive
)

// FFMSVersion and DefaultComponents are the fingerprint values BuildIndex
// stamps into a freshly built Index when IndexOptions leaves them at their
// zero value, and the values ReadIndex validates against (spec.md §6.3's
// ReadIndex takes no such parameter, so this library fixes them at package
// scope rather than threading them through every call — see DESIGN.md).
const FFMSVersion uint32 = 1

var DefaultComponents = ComponentVersions{1, 1, 1, 1}

// IndexOptions configures BuildIndex (spec.md §6.3).
type IndexOptions struct {
	// TracksToIndex selects which stream indices to build FrameRecords for;
	// nil indexes every discovered stream.
	TracksToIndex []int

	ErrorPolicy ErrorHandlingMode

	// Progress is invoked periodically during the forward pass; returning
	// true cancels indexing (spec.md §4.3 step 4).
	Progress ProgressFunc

	// DemuxerOptions is recorded in the Index and returned by ReadIndex so
	// a host can reapply the same options on reopen (SPEC_FULL.md §9).
	DemuxerOptions map[string]string

	// FFMSVersion/Components override the package defaults for this build;
	// left zero, FFMSVersion and DefaultComponents are used.
	FFMSVersion uint32
	Components  ComponentVersions
}

// BuildIndex opens path, auto-detects its container, and runs the indexer's
// single forward pass (spec.md §4.3) to produce a complete Index.
func BuildIndex(ctx context.Context, path string, opts IndexOptions) (*Index, error) {
	sig, err := indexstore.ComputeFileSignature(path)
	if err != nil {
		return nil, err
	}

	demux, err := container.Default.Open(path)
	if err != nil {
		return nil, err
	}
	defer demux.Close()

	ffmsVersion := opts.FFMSVersion
	if ffmsVersion == 0 {
		ffmsVersion = FFMSVersion
	}
	components := opts.Components
	if components == (ComponentVersions{}) {
		components = DefaultComponents
	}

	audioDecoders := map[int]source.AudioDecoder{}
	parsers := map[int]source.BitstreamParser{}
	for _, st := range demux.Streams() {
		switch st.Kind {
		case source.StreamAudio:
			if factory, ok := lookupAudioDecoder(st.CodecID); ok {
				dec, err := factory(st)
				if err != nil {
					return nil, err
				}
				audioDecoders[st.Index] = dec
			}
		case source.StreamVideo:
			if p := bitstreamParserFor(st.CodecID); p != nil {
				parsers[st.Index] = p
			}
		}
	}

	ix, err := indexer.BuildIndex(ctx, demux, sig, opts.DemuxerOptions, indexer.Options{
		TracksToIndex: opts.TracksToIndex,
		ErrorPolicy:   opts.ErrorPolicy,
		Parsers:       parsers,
		AudioDecoders: audioDecoders,
		Progress:      opts.Progress,
		FFMSVersion:   ffmsVersion,
		Components:    components,
	})
	if err != nil {
		return nil, err
	}
	return ix, nil
}

// ReadIndex deserializes path and validates it against this build's
// fingerprint (spec.md §6.3).
func ReadIndex(path string) (*Index, error) {
	return indexstore.ReadIndex(path, FFMSVersion, DefaultComponents)
}

// bitstreamParserFor selects the field/alt-ref detection parser BuildIndex
// wires in for a video codec (spec.md §4.3 step 2); codecs with no
// registered parser get no field-pair or alt-ref detection, which is a
// correct (if conservative) default.
func bitstreamParserFor(codecID string) source.BitstreamParser {
	switch codecID {
	case "h264", "avc", "avc1":
		return bitstream.NewParser()
	case "hevc", "h265", "hvc1":
		return bitstream.NewHEVCParser()
	case "vp8":
		return bitstream.NewVP8Parser()
	case "vp9":
		return bitstream.NewVP9Parser()
	default:
		return nil
	}
}

// VideoSource is a frame-accurate seeking video source bound to one track
// (spec.md §4.5, component C5).
type VideoSource struct {
	src   *videosource.Source
	demux source.Demuxer
}

// OpenVideoSource opens path's container, binds to the video track at
// position trackNum in ix.Tracks, and constructs a decoder for it via
// whatever VideoDecoder factory was registered for that stream's codec.
//
// trackNum addresses the same position BuildIndex enumerated streams in:
// with IndexOptions.TracksToIndex left nil (the common case), that is the
// container's own absolute stream index, since every discovered stream —
// video, audio, or other — gets a Tracks[] entry in stream order. A
// restricted TracksToIndex breaks that 1:1 correspondence; callers that
// restrict indexing are responsible for tracking which original stream
// index each surviving Tracks[] entry came from.
func OpenVideoSource(path string, ix *Index, trackNum int, threads int, mode SeekMode) (*VideoSource, error) {
	if trackNum < 0 || trackNum >= len(ix.Tracks) {
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: track %d out of range (have %d)", trackNum, len(ix.Tracks))
	}
	tt := ix.Tracks[trackNum]
	if tt.Kind != coretrack.Video {
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: track %d is not a video track", trackNum)
	}

	demux, err := container.Default.Open(path)
	if err != nil {
		return nil, err
	}
	streams := demux.Streams()
	if trackNum >= len(streams) {
		demux.Close()
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: track %d has no matching stream in %s", trackNum, path)
	}
	info := streams[trackNum]

	factory, ok := lookupVideoDecoder(info.CodecID)
	if !ok {
		demux.Close()
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: no video decoder registered for codec %q", info.CodecID)
	}
	decoder, err := factory(info, threads)
	if err != nil {
		demux.Close()
		return nil, err
	}

	src := videosource.Open(demux, decoder, tt, trackNum, mode)
	return &VideoSource{src: src, demux: demux}, nil
}

// GetFrame implements spec.md §4.5's main operation.
func (vs *VideoSource) GetFrame(n int) (*Frame, error) {
	frame, err := vs.src.GetFrame(context.Background(), n)
	if err != nil {
		return nil, err
	}
	return &frame, nil
}

// Close releases the underlying container handle.
func (vs *VideoSource) Close() error {
	return vs.demux.Close()
}

// AudioSource is a sample-accurate audio source bound to one track
// (spec.md §4.6, component C6).
type AudioSource struct {
	src   *audiosource.Source
	demux source.Demuxer

	// fillGaps and drcScale are accepted per spec.md §6.3's signature but
	// are not exercised: this port's indexer does not detect container-
	// level timestamp discontinuities (FillGaps would need indexer-side
	// gap recording this pass does not add — see DESIGN.md), and DRC
	// application belongs inside an AC3-aware AudioDecoder, not here,
	// since source.AudioDecoder carries no DRC hook.
	fillGaps bool
	drcScale float64
}

// OpenAudioSource opens path's container, binds to the audio track at
// position trackNum in ix.Tracks (see OpenVideoSource's doc comment for how
// trackNum addresses Tracks[]), and constructs a decoder for it via
// whatever AudioDecoder factory was registered for that stream's codec.
//
// adjustDelay, when true, shifts every sample index so that sample 0 lines
// up with the track's first recorded PTS converted into this track's own
// sample domain, correcting for an audio track whose media starts partway
// into the file's overall timeline.
func OpenAudioSource(path string, ix *Index, trackNum int, adjustDelay bool, fillGaps bool, drcScale float64) (*AudioSource, error) {
	if trackNum < 0 || trackNum >= len(ix.Tracks) {
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: track %d out of range (have %d)", trackNum, len(ix.Tracks))
	}
	tt := ix.Tracks[trackNum]
	if tt.Kind != coretrack.Audio {
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: track %d is not an audio track", trackNum)
	}

	demux, err := container.Default.Open(path)
	if err != nil {
		return nil, err
	}
	streams := demux.Streams()
	if trackNum >= len(streams) {
		demux.Close()
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: track %d has no matching stream in %s", trackNum, path)
	}
	info := streams[trackNum]

	factory, ok := lookupAudioDecoder(info.CodecID)
	if !ok {
		demux.Close()
		return nil, ffmserr.Newf(ffmserr.CategoryUnsupported, "ffmsgo: no audio decoder registered for codec %q", info.CodecID)
	}
	decoder, err := factory(info)
	if err != nil {
		demux.Close()
		return nil, err
	}

	var delay int64
	if adjustDelay && len(tt.Records) > 0 {
		delay = ptsToSamples(tt.Records[0].PTS, tt.TimebaseNum, tt.TimebaseDen, info.SampleRate)
	}

	bytesPerFrame := info.Channels * bytesPerSample(info.SampleFormat)
	if bytesPerFrame <= 0 {
		bytesPerFrame = 2 // mono 16-bit fallback, matching the common s16 case
	}

	src := audiosource.Open(demux, decoder, tt, trackNum, bytesPerFrame, audiosource.Options{DelayAdjust: delay})
	return &AudioSource{src: src, demux: demux, fillGaps: fillGaps, drcScale: drcScale}, nil
}

// GetAudio implements spec.md §4.6's main operation.
func (as *AudioSource) GetAudio(start, count int64, dst []byte) error {
	return as.src.GetAudio(context.Background(), start, count, dst)
}

// Close releases the underlying container handle.
func (as *AudioSource) Close() error {
	return as.demux.Close()
}

func ptsToSamples(pts, timebaseNum, timebaseDen int64, sampleRate int) int64 {
	if timebaseDen == 0 || sampleRate == 0 {
		return 0
	}
	return (pts * timebaseNum * int64(sampleRate)) / timebaseDen
}

func bytesPerSample(format string) int {
	switch format {
	case "s8", "u8":
		return 1
	case "s16", "u16":
		return 2
	case "s32", "u32", "flt":
		return 4
	case "dbl":
		return 8
	default:
		return 2
	}
}
