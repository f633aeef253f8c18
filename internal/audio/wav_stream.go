package audio

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteWAVHeaderStreaming writes a 44-byte WAV header for a stream whose
// total length is not known in advance. Both the RIFF chunk size and the data
// sub-chunk size are set to 0xFFFFFFFF, the conventional streaming marker.
func WriteWAVHeaderStreaming(w io.Writer, sampleRate int) (int, error) {
	if sampleRate < 1 {
		return 0, fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	const blockAlign = Channels * BitDepth / 8

	var hdr [44]byte
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 0xFFFFFFFF)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], Channels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], uint32(sampleRate*blockAlign))
	binary.LittleEndian.PutUint16(hdr[32:34], blockAlign)
	binary.LittleEndian.PutUint16(hdr[34:36], BitDepth)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], 0xFFFFFFFF)

	return w.Write(hdr[:])
}

// AppendPCM16LE appends samples to dst as little-endian 16-bit integers.
func AppendPCM16LE(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}

	return dst
}

// WritePCM16Samples writes samples to w as little-endian 16-bit integers.
func WritePCM16Samples(w io.Writer, samples []int16) (int, error) {
	return w.Write(AppendPCM16LE(make([]byte, 0, len(samples)*2), samples))
}
