package endpoint

import (
	"encoding/binary"
	"math"
)

// Classifier decides whether a captured chunk carries speech.
type Classifier interface {
	Speech(chunk []byte) bool
}

// SizeClassifier treats a chunk as speech when its encoded size exceeds Threshold.
// Compressed codecs spend few bytes on silence, so size tracks voice activity.
type SizeClassifier struct {
	Threshold int
}

func (c SizeClassifier) Speech(chunk []byte) bool {
	return len(chunk) > c.Threshold
}

// RMSClassifier measures the RMS amplitude of little-endian 16-bit PCM.
type RMSClassifier struct {
	Threshold float64
}

func (c RMSClassifier) Speech(chunk []byte) bool {
	return RMS(chunk) > c.Threshold
}

// RMS returns the root mean square of s16le samples in pcm.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
