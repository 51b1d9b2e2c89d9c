package worker

// SkewSample is one clock probe: local time before sending the request,
// the remote time reported, local time after the reply. All in epoch ms.
type SkewSample struct {
	Before int64
	Remote int64
	After  int64
}

// Offset is remote minus the local midpoint of the round trip.
func (s SkewSample) Offset() int64 {
	return s.Remote - (s.Before+s.After)/2
}

// ComputeSkew averages the sample offsets. Division truncates toward zero.
func ComputeSkew(samples []SkewSample) int64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s.Offset()
	}
	return sum / int64(len(samples))
}
