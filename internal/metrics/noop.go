package metrics

// NoopCollector discards every metric.
type NoopCollector struct{}

func (NoopCollector) ConnectionOpened(string)         {}
func (NoopCollector) ConnectionClosed(string)         {}
func (NoopCollector) CommandProcessed(string, string) {}
func (NoopCollector) RateLimited(string)              {}
func (NoopCollector) MessageAccepted(int, int)        {}
func (NoopCollector) MessageRejected(string)          {}
func (NoopCollector) SigningResult(string)            {}
func (NoopCollector) RelayResult(string, bool)        {}
func (NoopCollector) AuthAttempt(bool)                {}
func (NoopCollector) MessageFetched(int)              {}
