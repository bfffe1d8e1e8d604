package ffmsgo

import "sync"

// VideoDecoderFactory constructs a VideoDecoder for one opened video
// stream. threads is OpenVideoSource's own threads parameter, passed
// straight through so the decoder can size its own thread pool the way
// spec.md §4.5's delay formula expects ThreadCount() to reflect it.
type VideoDecoderFactory func(info StreamInfo, threads int) (VideoDecoder, error)

// AudioDecoderFactory constructs an AudioDecoder for one opened audio
// stream.
type AudioDecoderFactory func(info StreamInfo) (AudioDecoder, error)

var (
	decoderMu     sync.RWMutex
	videoDecoders = map[string]VideoDecoderFactory{}
	audioDecoders = map[string]AudioDecoderFactory{}
)

// RegisterVideoDecoder makes a VideoDecoder implementation available to
// BuildIndex and OpenVideoSource for the given codec ID (the same string a
// Demuxer reports in StreamInfo.CodecID) — the package-level registration
// idiom this pack's own codec/mp3 decoder uses for codec.RegisterFormat,
// generalized here to one registration per codec ID rather than per magic
// byte sequence, since the container adapter has already identified the
// codec by the time a decoder is needed.
//
// Intended to be called from an init() in the host's chosen decoder
// package, mirroring how image decoders register themselves with the
// standard library's image package.
func RegisterVideoDecoder(codecID string, factory VideoDecoderFactory) {
	decoderMu.Lock()
	defer decoderMu.Unlock()
	videoDecoders[codecID] = factory
}

// RegisterAudioDecoder makes an AudioDecoder implementation available to
// BuildIndex (which needs one itself, to count samples per track) and
// OpenAudioSource for the given codec ID.
func RegisterAudioDecoder(codecID string, factory AudioDecoderFactory) {
	decoderMu.Lock()
	defer decoderMu.Unlock()
	audioDecoders[codecID] = factory
}

func lookupVideoDecoder(codecID string) (VideoDecoderFactory, bool) {
	decoderMu.RLock()
	defer decoderMu.RUnlock()
	f, ok := videoDecoders[codecID]
	return f, ok
}

func lookupAudioDecoder(codecID string) (AudioDecoderFactory, bool) {
	decoderMu.RLock()
	defer decoderMu.RUnlock()
	f, ok := audioDecoders[codecID]
	return f, ok
}
