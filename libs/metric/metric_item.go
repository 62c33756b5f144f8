package metric

// MetricItem - 一个独立的模块对应一个MetricItem
type MetricItem interface {
	JSONString() string
}
