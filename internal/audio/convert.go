package audio

// ToStereo48k converts interleaved samples in f to 48 kHz stereo. Mono input
// is duplicated to both channels; extra channels beyond two are dropped.
// Rate conversion is linear interpolation, which is adequate for speech.
func ToStereo48k(f Format, samples []int16) []int16 {
	if f.Channels <= 0 {
		return nil
	}
	stereo := toStereo(f.Channels, samples)
	if f.SampleRate == SampleRate || f.SampleRate <= 0 {
		return stereo
	}
	return resampleStereo(stereo, f.SampleRate, SampleRate)
}

func toStereo(channels int, samples []int16) []int16 {
	switch channels {
	case 2:
		return samples
	case 1:
		out := make([]int16, len(samples)*2)
		for i, s := range samples {
			out[2*i] = s
			out[2*i+1] = s
		}
		return out
	default:
		n := len(samples) / channels
		out := make([]int16, n*2)
		for i := 0; i < n; i++ {
			out[2*i] = samples[i*channels]
			out[2*i+1] = samples[i*channels+1]
		}
		return out
	}
}

func resampleStereo(in []int16, from, to int) []int16 {
	frames := len(in) / 2
	if frames == 0 {
		return nil
	}
	outFrames := int(int64(frames) * int64(to) / int64(from))
	out := make([]int16, outFrames*2)
	step := float64(from) / float64(to)
	for i := 0; i < outFrames; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		k := j + 1
		if k >= frames {
			k = frames - 1
		}
		for c := 0; c < 2; c++ {
			a := float64(in[2*j+c])
			b := float64(in[2*k+c])
			out[2*i+c] = int16(a + (b-a)*frac)
		}
	}
	return out
}

// Chunk splits interleaved stereo samples into frames of FrameSize samples
// per channel, zero-padding the final frame.
func Chunk(samples []int16) [][]int16 {
	per := FrameSize * Channels
	var out [][]int16
	for off := 0; off < len(samples); off += per {
		fr := make([]int16, per)
		copy(fr, samples[off:min(off+per, len(samples))])
		out = append(out, fr)
	}
	return out
}
