// Package videosource implements the frame-accurate seeking video source
// (spec.md §4.5, component C5): given a visible frame number it seeks,
// decodes forward with the decoder's required reorder delay, and yields the
// exact decoded frame, correcting for open-GOP uncertainty and PAFF/B-frame
// reordering along the way.
package videosource

import (
	"context"

	"github.com/ffms2go/ffms2go/internal/ffmserr"
	"github.com/ffms2go/ffms2go/internal/source"
	"github.com/ffms2go/ffms2go/internal/track"
)

// SeekMode selects how aggressively get_frame will seek rather than decode
// forward linearly (spec.md §4.5 step 2).
type SeekMode int

const (
	LinearNoRewind SeekMode = iota
	Linear
	Normal
	Unsafe
	Aggressive
)

// seekOffsetStep is SEEK_OFFSET_STEP from spec.md's property P7.
const seekOffsetStep = 10

// aggressiveEOSMargin is the "+1" end-of-stream drain margin for Aggressive
// seeking (spec.md §9 — origin unclear, preserved exactly as given).
const aggressiveEOSMargin = 1

// Source is a frame-accurate video source bound to one track.
type Source struct {
	demux    source.Demuxer
	decoder  source.VideoDecoder
	table    *track.TrackTable
	stream   int
	seekMode SeekMode

	delay        int
	delayCounter int
	doubledDelay bool

	currentFrame int // next record index expected from the decoder, in decode order
	lastFrameNum int
	hasLast      bool
	lastFrame    source.VideoFrame

	// seenInterlaced tracks the PAFF delay-doubling heuristic trigger
	// condition: an interlaced packet followed by a non-repeated packet with
	// no pending decoder output (spec.md §9).
	seenInterlaced bool

	// pendingFilePos queues the FilePos of each packet submitted to the
	// decoder, FIFO. Popped as frames come back out so the has_ts=false
	// fallback in correlate (spec.md §4.5 step 5) has a FilePos to match
	// against even though the decoder's own output carries only PTS.
	pendingFilePos []int64
}

// Open constructs a Source bound to stream in table, computing the initial
// decoder delay from the decoder's declared properties (spec.md §4.5
// "Decoder delay discipline").
func Open(demux source.Demuxer, decoder source.VideoDecoder, table *track.TrackTable, stream int, mode SeekMode) *Source {
	return &Source{
		demux:        demux,
		decoder:      decoder,
		table:        table,
		stream:       stream,
		seekMode:     mode,
		delay:        computeDelay(decoder),
		lastFrameNum: -1,
	}
}

// computeDelay implements the codec-specific reorder-delay table from
// spec.md §4.5: a decoder without B-frames gets 0; with B-frames, H.264 is
// worst-cased at 15, VC-1 at 7+threads-1, and every other codec gets the
// decoder's thread count. The decoder contract exposes no declared reorder
// delay, so no codec uses one.
func computeDelay(decoder source.VideoDecoder) int {
	if !decoder.HasBFrames() {
		return 0
	}
	switch decoder.CodecID() {
	case "h264":
		return 15
	case "vc1":
		return 7 + decoder.ThreadCount() - 1
	default:
		return decoder.ThreadCount()
	}
}

// GetFrame implements spec.md §4.5's main operation.
func (s *Source) GetFrame(ctx context.Context, n int) (source.VideoFrame, error) {
	if s.hasLast && n == s.lastFrameNum {
		return s.lastFrame, nil
	}

	target := s.table.RealFrameNumber(n)

	if err := s.maybeSeek(ctx, n, target); err != nil {
		return source.VideoFrame{}, err
	}

	frame, err := s.decodeUntil(ctx, target)
	if err != nil {
		return source.VideoFrame{}, err
	}

	s.lastFrameNum = n
	s.hasLast = true
	s.lastFrame = frame
	return frame, nil
}

// maybeSeek implements spec.md §4.5 step 2-3: decide whether a seek is
// needed for this seek mode, and if so perform it.
func (s *Source) maybeSeek(ctx context.Context, visibleN, target int) error {
	switch s.seekMode {
	case LinearNoRewind:
		if target < s.currentFrame {
			return ffmserr.New(ffmserr.CategorySeeking, ffmserr.ErrNonlinearAccess)
		}
		return nil
	case Linear:
		if target >= s.currentFrame {
			return nil
		}
	case Normal, Unsafe:
		keyframe := s.table.ClosestKeyFrameBefore(target)
		if target >= s.currentFrame && keyframe <= s.currentFrame+seekOffsetStep {
			return nil
		}
	case Aggressive:
		if target >= s.currentFrame && target <= s.currentFrame+seekOffsetStep {
			return nil
		}
	}
	return s.seekTo(ctx, target)
}

// seekTarget computes the record index to issue a container seek to, per
// spec.md §4.5 step 3.
func (s *Source) seekTarget(target int) int {
	if s.seekMode == Aggressive {
		last := s.table.Len() - 1
		limit := last - s.delay - aggressiveEOSMargin
		if target > limit {
			target = limit
		}
		if target < 0 {
			target = 0
		}
		return target
	}
	return s.table.ClosestKeyFrameBefore(target)
}

func (s *Source) seekTo(ctx context.Context, target int) error {
	seekRec := s.seekTarget(target)
	if seekRec < 0 {
		seekRec = 0
	}
	rec := s.table.Records[seekRec]

	if err := s.demux.SeekByPTS(s.stream, rec.PTS); err != nil {
		if err := s.demux.SeekByByte(s.stream, rec.FilePos); err != nil {
			return ffmserr.New(ffmserr.CategorySeeking, ffmserr.ErrSeekRefused)
		}
	}
	if err := s.decoder.Flush(); err != nil {
		return ffmserr.Newf(ffmserr.CategoryCodec, "flush after seek: %w", err)
	}
	s.delayCounter = 0
	s.currentFrame = seekRec
	s.hasLast = false
	s.pendingFilePos = nil
	return nil
}

// decodeUntil implements spec.md §4.5 steps 4-6: decode forward, correlating
// decoded frames to records, until the target record has been produced.
func (s *Source) decodeUntil(ctx context.Context, target int) (source.VideoFrame, error) {
	seeksAttempted := 0
	nextSeekTarget := target
	for {
		skip := s.currentFrame+s.delay < target
		s.decoder.SetSkipNonReference(skip)

		pkt, err := s.demux.NextPacket(ctx)
		if err != nil {
			return source.VideoFrame{}, ffmserr.Newf(ffmserr.CategoryDecoding, "decode forward: %w", err)
		}
		if pkt.StreamIndex != s.stream {
			continue
		}

		s.detectPAFFDelayDoubling(pkt)

		s.pendingFilePos = append(s.pendingFilePos, pkt.FilePos)
		s.delayCounter++
		if err := s.decoder.SendPacket(ctx, pkt); err != nil {
			return source.VideoFrame{}, ffmserr.Newf(ffmserr.CategoryCodec, "decode: %w", err)
		}

		for {
			frame, err := s.decoder.ReceiveFrame(ctx)
			if err != nil {
				if err == source.ErrAgain {
					break
				}
				return source.VideoFrame{}, ffmserr.Newf(ffmserr.CategoryCodec, "decode: %w", err)
			}

			var filePos int64 = -1
			if len(s.pendingFilePos) > 0 {
				filePos = s.pendingFilePos[0]
				s.pendingFilePos = s.pendingFilePos[1:]
			}
			if s.delayCounter > 0 {
				s.delayCounter--
			}

			recIdx, ok := s.correlate(frame, filePos)
			if !ok {
				if seeksAttempted >= target {
					return source.VideoFrame{}, ffmserr.New(ffmserr.CategorySeeking, ffmserr.ErrFrameAccurateSeekImpossible)
				}
				nextSeekTarget -= seekOffsetStep
				if nextSeekTarget < 0 {
					return source.VideoFrame{}, ffmserr.New(ffmserr.CategorySeeking, ffmserr.ErrFrameAccurateSeekImpossible)
				}
				seeksAttempted++
				if err := s.seekTo(ctx, nextSeekTarget); err != nil {
					return source.VideoFrame{}, err
				}
				continue
			}

			s.currentFrame = recIdx
			if recIdx == target {
				return frame, nil
			}
		}
	}
}

// correlate maps a decoded frame back to its record index, following the
// PTS-then-FilePos-then-closest fallback chain of spec.md §4.5 step 5.
func (s *Source) correlate(frame source.VideoFrame, filePos int64) (int, bool) {
	if visible, ok := s.table.FrameFromPTS(frame.PTS); ok {
		return s.table.RealFrameNumber(visible), true
	}
	if !s.table.HasTS && filePos >= 0 {
		if visible := s.table.FrameFromPos(filePos); visible >= 0 {
			return s.table.RealFrameNumber(visible), true
		}
	}
	if s.seekMode == Unsafe || s.seekMode == Aggressive {
		if visible, ok := s.table.ClosestFrameFromPTS(frame.PTS); ok {
			return s.table.RealFrameNumber(visible), true
		}
	}
	return 0, false
}

// detectPAFFDelayDoubling implements the brittle heuristic from spec.md §9:
// the first time an interlaced packet is followed by a non-repeated packet
// with no pending decoder output, double the reorder delay contribution.
func (s *Source) detectPAFFDelayDoubling(pkt source.Packet) {
	if s.doubledDelay {
		return
	}
	if pkt.Discard {
		s.seenInterlaced = true
		return
	}
	if s.seenInterlaced && s.delayCounter == 0 {
		s.delay *= 2
		s.doubledDelay = true
	}
	s.seenInterlaced = false
}
