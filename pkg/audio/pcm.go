package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrDecode is returned when a wire payload is not valid base64.
	ErrDecode = errors.New("audio: malformed base64 payload")

	// ErrMalformedAudio is returned when PCM bytes do not align to whole
	// 16-bit samples across all channels.
	ErrMalformedAudio = errors.New("audio: malformed pcm data")
)

// PCMMIMEType returns the MIME descriptor for 16-bit PCM at rate.
func PCMMIMEType(rate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(rate)
}

// EncodeFrame converts float samples to little-endian int16 PCM and wraps the
// base64 of it in a Blob tagged for the model input rate. Samples outside
// [-1, 1] saturate at the int16 limits.
func EncodeFrame(samples []float32) Blob {
	return Blob{
		MIMEType: PCMMIMEType(InputSampleRate),
		Data:     base64.StdEncoding.EncodeToString(FloatToPCM16(samples)),
	}
}

// FloatToPCM16 packs samples as little-endian int16 after scaling by 32768.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodeBase64 reverses the transport encoding of an audio payload.
func DecodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return data, nil
}

// DecodeAudioData interprets data as interleaved little-endian int16 PCM with
// the given channel count and returns a Buffer of float samples in [-1, 1].
func DecodeAudioData(data []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, fmt.Errorf("%w: channel count %d", ErrMalformedAudio, channels)
	}
	if len(data)%(2*channels) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedAudio, len(data), 2*channels)
	}

	frames := len(data) / 2 / channels
	buf := &Buffer{
		SampleRate: sampleRate,
		Channels:   make([][]float32, channels),
	}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := range frames {
		for c := range channels {
			off := (i*channels + c) * 2
			buf.Channels[c][i] = float32(int16(binary.LittleEndian.Uint16(data[off:]))) / 32768
		}
	}
	return buf, nil
}
