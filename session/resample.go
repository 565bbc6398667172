package session

// Resample переводит моно семплы из srcRate в dstRate линейной интерполяцией.
// При равных частотах возвращает исходный срез.
func Resample(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate == dstRate || srcRate <= 0 || dstRate <= 0 {
		return samples
	}

	step := float64(srcRate) / float64(dstRate)
	out := make([]float32, int(float64(len(samples))/step))
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j >= last {
			out[i] = samples[last]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = samples[j] + (samples[j+1]-samples[j])*frac
	}
	return out
}
