package audio

import (
	"math"
)

// Resample converts interleaved little-endian 16-bit PCM at inputRate with
// inputChannels into mono little-endian 16-bit PCM at targetRate.
//
// Rate conversion is decimation by block averaging: the ratio is
// round(inputRate/targetRate), clamped to at least 1. Each block of ratio
// input frames becomes one output sample, the average of the channel-averaged
// frames in the block. A trailing partial frame is truncated; a trailing
// partial block still produces one output sample.
func Resample(pcm []byte, inputRate, inputChannels, targetRate int) []byte {
	if inputRate <= 0 || inputChannels <= 0 || targetRate <= 0 {
		return nil
	}

	frameSize := 2 * inputChannels
	frames := len(pcm) / frameSize
	if frames == 0 {
		return nil
	}

	ratio := int(math.Round(float64(inputRate) / float64(targetRate)))
	if ratio < 1 {
		ratio = 1
	}

	blocks := (frames + ratio - 1) / ratio
	out := make([]byte, 0, blocks*2)

	for block := 0; block < blocks; block++ {
		start := block * ratio
		end := start + ratio
		if end > frames {
			end = frames
		}

		var sum float64
		for f := start; f < end; f++ {
			var frameSum float64
			for ch := 0; ch < inputChannels; ch++ {
				i := f*frameSize + ch*2
				sample := int16(pcm[i]) | int16(pcm[i+1])<<8
				frameSum += float64(sample)
			}
			sum += frameSum / float64(inputChannels)
		}

		avg := math.Round(sum / float64(end-start))
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		s := int16(avg)
		out = append(out, byte(s), byte(s>>8))
	}

	return out
}

// PCMBytes converts int16 samples to interleaved little-endian bytes.
func PCMBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
