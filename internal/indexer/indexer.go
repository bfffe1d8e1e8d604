// Package indexer implements the single forward pass over a container that
// builds per-track frame/sample tables (spec.md §4.3): for every packet of a
// video or audio track it appends a FrameRecord to that track, decoding audio to
// count samples, and finalizes each track's table when the walk completes.
package indexer

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ffms2go/ffms2go/internal/ffmserr"
	"github.com/ffms2go/ffms2go/internal/indexstore"
	"github.com/ffms2go/ffms2go/internal/source"
	"github.com/ffms2go/ffms2go/internal/track"
)

// trailingRecordSampleThreshold and trailingRecordCountThreshold implement
// the pathological-trailing-audio-record guard (spec.md §4.3, §9 "do not
// guess" — the threshold is preserved exactly as given).
const (
	trailingRecordSampleThreshold = 1_000_000
	trailingRecordCountThreshold  = 10
)

// Options configures a single indexing run.
type Options struct {
	// TracksToIndex selects which stream indices to build FrameRecords for;
	// nil means all streams the Demuxer reports.
	TracksToIndex []int

	ErrorPolicy indexstore.ErrorHandlingMode

	// Parsers maps a video stream index to its optional bitstream parser
	// (spec.md §4.3 step 2); a stream with no entry gets no field/alt-ref
	// detection and every record is treated as a single visible frame.
	Parsers map[int]source.BitstreamParser

	// AudioDecoders supplies the per-stream decoder collaborator audio
	// tracks need to count samples (spec.md §4.3 step 3). Video
	// streams need no decoder unless frame_type/repeat_pict enrichment via
	// decode is desired, which this port does not attempt (bitstream
	// parsing from the Demuxer's raw payload is sufficient, matching
	// spec.md's own step 2 wording).
	AudioDecoders map[int]source.AudioDecoder

	Progress source.ProgressFunc

	FFMSVersion uint32
	Components  indexstore.ComponentVersions
}

type trackState struct {
	info           source.StreamInfo
	table          *track.TrackTable
	firstAudio     bool
	audioFmt       audioFormat
	prevFieldPic   bool
	prevFieldKnown bool
	err            error
	cleared        bool
	stopped        bool
	syntheticPTS   int64
}

type audioFormat struct {
	sampleRate int
	channels   int
	format     string
}

// BuildIndex performs the forward pass described by spec.md §4.3 and
// returns a fully finalized Index. The caller is expected to have already
// computed the file's signature (internal/indexstore.ComputeFileSignature);
// BuildIndex does not touch the file at the byte level itself, only through
// demux.
func BuildIndex(ctx context.Context, demux source.Demuxer, sig indexstore.FileSignature, demuxerOpts map[string]string, opts Options) (*indexstore.Index, error) {
	streams := demux.Streams()
	wanted := map[int]bool{}
	if opts.TracksToIndex == nil {
		for _, s := range streams {
			wanted[s.Index] = true
		}
	} else {
		for _, idx := range opts.TracksToIndex {
			wanted[idx] = true
		}
	}

	states := make(map[int]*trackState, len(streams))
	for _, s := range streams {
		if !wanted[s.Index] {
			continue
		}
		kind := track.Other
		switch s.Kind {
		case source.StreamVideo:
			kind = track.Video
		case source.StreamAudio:
			kind = track.Audio
		}
		states[s.Index] = &trackState{
			info:  s,
			table: track.NewTable(kind, s.TimebaseNum, s.TimebaseDen),
		}
	}

	ix := indexstore.New(opts.FFMSVersion, opts.Components, opts.ErrorPolicy, sig, demuxerOpts)

	// The forward pass runs on one errgroup goroutine, a second watches for
	// the host's progress-callback-driven cancellation and cancels the
	// shared context (the forward pass itself has already returned
	// CANCELLED by then), and errgroup.WithContext ties their lifetimes
	// together — the same
	// split cmd/prism/main.go uses between its server goroutines and its
	// signal handling (spec.md §4.3 step 4, §5 cancellation).
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(cctx)

	progressCancel := make(chan struct{})

	g.Go(func() error {
		select {
		case <-progressCancel:
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	g.Go(func() error {
		defer cancel()
		return runForwardPass(gctx, demux, states, ix, opts, progressCancel)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	trackIdx := 0
	for _, s := range streams {
		st, ok := states[s.Index]
		if !ok {
			continue
		}
		dropPathologicalTrailingRecord(st.table)
		if n := st.table.Len(); n > 0 && st.syntheticPTS >= int64(n) {
			st.table.HasTS = false
		}
		st.table.Finalize(track.FinalizeOptions{
			TryReorder:       st.table.Kind == track.Video,
			TryHidePAFFPairs: st.table.Kind == track.Video,
		})
		ix.Tracks = append(ix.Tracks, st.table)
		if st.cleared || st.stopped {
			ix.MarkIncomplete(trackIdx)
		}
		trackIdx++
	}

	return ix, nil
}

// runForwardPass reads packets from demux until EOF, indexing each one into
// its track's table, and reports progress through opts.Progress. When the
// host's progress callback asks for cancellation, runForwardPass closes
// progressCancel, which the sibling errgroup goroutine in BuildIndex turns
// into ctx cancellation, and returns a CANCELLED error at once. Cancellation
// of the caller's own ctx is observed through ctx.Err() before each packet.
func runForwardPass(ctx context.Context, demux source.Demuxer, states map[int]*trackState, ix *indexstore.Index, opts Options, progressCancel chan struct{}) error {
	var totalBytes int64
	if len(states) > 0 {
		totalBytes = 1 // unknown length is common for pipes; host-supplied progress reporting degrades gracefully
	}

	for {
		if err := ctx.Err(); err != nil {
			return ffmserr.New(ffmserr.CategoryCancelled, ffmserr.ErrCancelled)
		}

		pkt, err := demux.NextPacket(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return ffmserr.Newf(ffmserr.CategoryParser, "indexer: read packet: %w", err)
		}

		st, ok := states[pkt.StreamIndex]
		if !ok {
			continue
		}
		if st.stopped {
			continue
		}

		if opts.Progress != nil {
			if opts.Progress(pkt.FilePos, totalBytes) {
				close(progressCancel)
				return ffmserr.New(ffmserr.CategoryCancelled, ffmserr.ErrCancelled)
			}
		}

		if err := indexPacket(ctx, st, pkt, opts); err != nil {
			if !applyErrorPolicy(ix, pkt.StreamIndex, st, opts.ErrorPolicy, err) {
				return err
			}
		}
	}
}

func indexPacket(ctx context.Context, st *trackState, pkt source.Packet, opts Options) error {
	pts := resolvePTS(st, pkt)

	switch st.table.Kind {
	case track.Video:
		return indexVideoPacket(st, pkt, pts, opts)
	case track.Audio:
		return indexAudioPacket(ctx, st, pkt, pts, opts)
	default:
		return nil // Other tracks are not materialized (track.Other)
	}
}

// resolvePTS implements spec.md §4.3 step 1: DTS substitution and synthetic
// PTS assignment when the container supplies neither. st.syntheticPTS counts
// how many records this track ended up synthesizing, so HasTS can be set at
// finalize time to false iff every record was synthesized (spec.md §3),
// rather than on the first one encountered.
func resolvePTS(st *trackState, pkt source.Packet) int64 {
	t := st.table
	pts := pkt.PTS
	if t.UseDTS || pts == source.PTSUnset {
		if pkt.DTS != source.PTSUnset {
			pts = pkt.DTS
		}
	}
	if pts == source.PTSUnset {
		st.syntheticPTS++
		if t.Len() == 0 {
			return 0
		}
		prev := t.Records[t.Len()-1]
		dur := pkt.Duration
		if dur == 0 {
			dur = 1
		}
		return prev.PTS + dur
	}
	return pts
}

func indexVideoPacket(st *trackState, pkt source.Packet, pts int64, opts Options) error {
	rec := track.FrameRecord{
		PTS:        pts,
		FilePos:    pkt.FilePos,
		KeyFrame:   pkt.KeyFrame,
		Type:       track.FrameUnknown,
		RepeatPict: -1,
		Hidden:     pkt.Discard,
	}

	if parser, ok := opts.Parsers[pkt.StreamIndex]; ok {
		pic, err := parser.ParsePicture(pkt.Payload)
		if err == nil {
			rec.Type = frameTypeFromPict(pic.PictType)
			rec.RepeatPict = pic.RepeatPict
			if pic.Hidden {
				rec.Hidden = true
			}
			if pic.FieldPicture {
				// Second field of a top/bottom pair: spec.md §4.3 step 2
				// wants it marked as carrying no independent file position,
				// so maybeHideFrames (run during track.Finalize) can confirm
				// it as hidden from the PTS-equality + FilePos==-1 rule.
				if st.prevFieldKnown && st.prevFieldPic {
					rec.FilePos = -1
					st.prevFieldPic = false // pair complete; the next field starts a new pair
				} else {
					st.prevFieldPic = true
				}
				st.prevFieldKnown = true
			} else {
				st.prevFieldKnown = true
				st.prevFieldPic = false
			}
		}
	}

	st.table.Append(rec)
	return nil
}

func frameTypeFromPict(p source.PictType) track.FrameType {
	switch p {
	case source.PictI:
		return track.FrameI
	case source.PictP:
		return track.FrameP
	case source.PictB:
		return track.FrameB
	default:
		return track.FrameUnknown
	}
}

func indexAudioPacket(ctx context.Context, st *trackState, pkt source.Packet, pts int64, opts Options) error {
	dec, ok := opts.AudioDecoders[pkt.StreamIndex]
	if !ok {
		return ffmserr.Newf(ffmserr.CategoryCodec, "stream %d: %w", pkt.StreamIndex, errNoDecoder)
	}

	if err := dec.SendPacket(ctx, pkt); err != nil {
		return ffmserr.Newf(ffmserr.CategoryCodec, "audio decode: %w", err)
	}

	var produced int64
	for {
		chunk, err := dec.ReceiveChunk(ctx)
		if err != nil {
			if err == source.ErrAgain {
				break
			}
			return ffmserr.Newf(ffmserr.CategoryCodec, "audio decode: %w", err)
		}

		fmtNow := audioFormat{sampleRate: chunk.SampleRate, channels: chunk.Channels, format: chunk.SampleFormat}
		if !st.firstAudio {
			st.firstAudio = true
			st.audioFmt = fmtNow
		} else if fmtNow != st.audioFmt {
			return ffmserr.New(ffmserr.CategoryUnsupported, ffmserr.ErrAudioFormatChange)
		}
		produced += int64(chunk.Samples)
	}

	sampleStart := int64(0)
	if n := st.table.Len(); n > 0 {
		prev := st.table.Records[n-1]
		sampleStart = prev.SampleStart + prev.SampleCount
	}

	st.table.Append(track.FrameRecord{
		PTS:         pts,
		FilePos:     pkt.FilePos,
		RepeatPict:  -1,
		SampleStart: sampleStart,
		SampleCount: produced,
	})
	return nil
}

// applyErrorPolicy implements spec.md §7's per-track error policy. It
// returns true if the error was handled (indexing of this track continues
// or is cleanly stopped) and false if indexing must abort entirely.
func applyErrorPolicy(ix *indexstore.Index, streamIdx int, st *trackState, mode indexstore.ErrorHandlingMode, err error) bool {
	switch mode {
	case indexstore.Abort:
		return false
	case indexstore.ClearTrack:
		slog.Warn("indexer: clearing track after error", "stream", streamIdx, "error", err)
		st.table = track.NewTable(st.table.Kind, st.table.TimebaseNum, st.table.TimebaseDen)
		st.cleared = true
		return true
	case indexstore.StopTrack:
		slog.Warn("indexer: stopping track after error", "stream", streamIdx, "error", err)
		st.stopped = true
		return true
	case indexstore.Ignore:
		slog.Debug("indexer: ignoring packet error", "stream", streamIdx, "error", err)
		return true
	default:
		return false
	}
}

// dropPathologicalTrailingRecord implements spec.md §4.3's trailing-record
// heuristic guard: a known pathology in certain lossless audio streams
// leaves a malformed trailing packet whose decoded sample_count is
// absurdly large in a track with very few records.
func dropPathologicalTrailingRecord(t *track.TrackTable) {
	if t.Kind != track.Audio {
		return
	}
	n := t.Len()
	if n == 0 || n > trailingRecordCountThreshold {
		return
	}
	last := t.Records[n-1]
	if last.SampleCount > trailingRecordSampleThreshold {
		t.DropLast()
	}
}

var errNoDecoder = errors.New("indexer: no audio decoder configured for stream")
