package audio

// Smoothstep returns the smoothstep interpolation for t in [0,1].
// Formula: 3t^2 - 2t^3.
func Smoothstep(t float64) float64 {
	if t <= 0 {
		return 0
	}
	if t >= 1 {
		return 1
	}
	return t * t * (3 - 2*t)
}

// FadeEdges returns a copy of interleaved samples with a smoothstep fade-in
// over the first fadeFrames frames and a fade-out over the last fadeFrames.
// The fade is clamped to half the clip so short clips never overlap.
func FadeEdges(samples []int16, channels, fadeFrames int) []int16 {
	out := make([]int16, len(samples))
	copy(out, samples)
	if channels <= 0 || fadeFrames <= 0 {
		return out
	}

	frames := len(out) / channels
	if fadeFrames > frames/2 {
		fadeFrames = frames / 2
	}
	for i := 0; i < fadeFrames; i++ {
		gain := Smoothstep(float64(i) / float64(fadeFrames))
		head := i * channels
		tail := (frames - 1 - i) * channels
		for c := 0; c < channels; c++ {
			out[head+c] = scale(out[head+c], gain)
			out[tail+c] = scale(out[tail+c], gain)
		}
	}
	return out
}

func scale(s int16, gain float64) int16 {
	v := float64(s) * gain
	if v > 32767 {
		v = 32767
	} else if v < -32768 {
		v = -32768
	}
	return int16(v)
}
