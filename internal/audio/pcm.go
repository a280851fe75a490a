package audio

import (
	"encoding/binary"
	"fmt"
)

// DecodePCM16 converts little-endian signed 16-bit PCM into float32
// samples in [-1, 1).
func DecodePCM16(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("pcm16 payload has odd length %d", len(b))
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(b[2*i:]))
		out[i] = float32(v) / 32768
	}
	return out, nil
}
