package registry

// Quality is a coarse signal strength bucket.
type Quality string

const (
	QualityUnknown   Quality = "Unknown"
	QualityExcellent Quality = "Excellent"
	QualityGood      Quality = "Good"
	QualityFair      Quality = "Fair"
	QualityWeak      Quality = "Weak"
)

// SignalQuality buckets an RSSI reading. Absent or 0 is Unknown, never Weak.
func SignalQuality(rssi *int) Quality {
	if rssi == nil || *rssi == 0 {
		return QualityUnknown
	}
	switch v := *rssi; {
	case v >= -50:
		return QualityExcellent
	case v >= -60:
		return QualityGood
	case v >= -70:
		return QualityFair
	default:
		return QualityWeak
	}
}

// Quality returns the signal bucket of the descriptor.
func (d Descriptor) Quality() Quality {
	return SignalQuality(d.RSSI)
}
