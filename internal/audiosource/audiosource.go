// Package audiosource implements the sample-accurate audio source (spec.md
// §4.6, component C6): given a sample range it combines cache hits with
// forward decoding from the nearest keyframe to produce exactly the
// requested number of samples, zero-padding past the end of the track.
package audiosource

import (
	"context"

	"github.com/ffms2go/ffms2go/internal/audiocache"
	"github.com/ffms2go/ffms2go/internal/ffmserr"
	"github.com/ffms2go/ffms2go/internal/source"
	"github.com/ffms2go/ffms2go/internal/track"
)

// prefillFrames is PREFILL from spec.md §4.6: how many records earlier than
// the actual seek target the Source anchors its seek to, so the decoder's
// internal state has settled by the time decoding reaches the target
// sample. Decoded output that falls entirely before the target is warm-up
// and is discarded rather than cached.
const prefillFrames = 15

// Options configures delay-adjust (spec.md §4.6, applied at step 1 before
// cache lookup). There is no gap-filling option: samples the decoder does not
// produce are left as the zero fill GetAudio writes first.
type Options struct {
	// DelayAdjust shifts every requested start by this many samples, used to
	// synchronize against a reference track's first-PTS difference.
	DelayAdjust int64
}

// Source is a sample-accurate audio source bound to one track.
type Source struct {
	demux   source.Demuxer
	decoder source.AudioDecoder
	table   *track.TrackTable
	stream  int
	cache   *audiocache.Cache

	frameBytes    int
	currentSample int64

	opts Options
}

// Open constructs a Source. bytesPerFrame is channels*bytes-per-output-sample,
// used both for cache block sizing and for zero-fill/copy math.
func Open(demux source.Demuxer, decoder source.AudioDecoder, table *track.TrackTable, stream int, bytesPerFrame int, opts Options) *Source {
	return &Source{
		demux:         demux,
		decoder:       decoder,
		table:         table,
		stream:        stream,
		cache:         audiocache.New(bytesPerFrame, audiocache.DefaultCapacity),
		frameBytes:    bytesPerFrame,
		currentSample: 0, // a freshly opened decoder is already positioned at sample 0
		opts:          opts,
	}
}

// GetAudio implements spec.md §4.6's main operation: dst must be sized
// count*frameBytes.
func (s *Source) GetAudio(ctx context.Context, start, count int64, dst []byte) error {
	start += s.opts.DelayAdjust

	for i := range dst {
		dst[i] = 0
	}

	served := s.cache.FillRequest(start, count, dst)
	if served >= start+count {
		return nil
	}

	if s.currentSample != served {
		if err := s.seekTo(ctx, served); err != nil {
			return err
		}
	}

	// warmupBoundary is the sample position decoding must reach before any
	// decoded chunk is trusted enough to cache; fixed at the point the seek
	// (if any) targeted, so chunks produced while walking forward from an
	// earlier anchor are discarded rather than cached.
	return s.decodeLoop(ctx, start, count, served, served, dst)
}

func (s *Source) seekTo(ctx context.Context, served int64) error {
	anchor := s.closestAudioKeyFrameBefore(served) - prefillFrames
	if anchor < 0 {
		anchor = 0
	}
	rec := s.table.Records[anchor]

	if err := s.demux.SeekByPTS(s.stream, rec.PTS); err != nil {
		if err := s.demux.SeekByByte(s.stream, rec.FilePos); err != nil {
			return ffmserr.New(ffmserr.CategorySeeking, ffmserr.ErrSeekRefused)
		}
	}
	if err := s.decoder.Flush(); err != nil {
		return ffmserr.Newf(ffmserr.CategoryCodec, "flush after seek: %w", err)
	}
	s.currentSample = rec.SampleStart
	return nil
}

// closestAudioKeyFrameBefore returns the record index of the nearest record
// at or before the record containing sampleIdx. Audio tracks have no
// open-GOP concept, so this is a direct scan (tables are small).
func (s *Source) closestAudioKeyFrameBefore(sampleIdx int64) int {
	best := 0
	for i, r := range s.table.Records {
		if r.SampleStart > sampleIdx {
			break
		}
		best = i
	}
	return best
}

func (s *Source) decodeLoop(ctx context.Context, start, count, served, warmupBoundary int64, dst []byte) error {
	end := start + count

	for served < end {
		pkt, err := s.demux.NextPacket(ctx)
		if err != nil {
			// End of track reached before the request was filled: the
			// unfilled tail stays zero (spec.md §4.6 step 5, silence
			// padding).
			return nil
		}
		if pkt.StreamIndex != s.stream {
			continue
		}

		if err := s.decoder.SendPacket(ctx, pkt); err != nil {
			return ffmserr.Newf(ffmserr.CategoryCodec, "audio decode: %w", err)
		}

		for {
			chunk, err := s.decoder.ReceiveChunk(ctx)
			if err != nil {
				if err == source.ErrAgain {
					break
				}
				return ffmserr.Newf(ffmserr.CategoryCodec, "audio decode: %w", err)
			}

			recStart := s.currentSample
			recEnd := recStart + int64(chunk.Samples)
			s.currentSample = recEnd

			if recEnd <= warmupBoundary {
				continue
			}

			s.cache.CacheBlock(recStart, int64(chunk.Samples), chunk.Bytes)

			dstOff := (served - start) * int64(s.frameBytes)
			if dstOff < 0 {
				dstOff = 0
			}
			served = s.cache.FillRequest(served, end-served, dst[dstOff:])

			if served >= end {
				return nil
			}
		}
	}
	return nil
}
