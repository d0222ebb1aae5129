package session

// Observer receives lifecycle notifications from the Gateway and Channel.
// Implementations must be safe for concurrent use and must not block.
type Observer interface {
	RefreshAttempted(ok bool)
	RequestRetried()
	StreamConnected()
	StreamReconnectScheduled()
	EventReceived(kind EventKind)
	EventDropped()
}

type nopObserver struct{}

func (nopObserver) RefreshAttempted(bool)     {}
func (nopObserver) RequestRetried()           {}
func (nopObserver) StreamConnected()          {}
func (nopObserver) StreamReconnectScheduled() {}
func (nopObserver) EventReceived(EventKind)   {}
func (nopObserver) EventDropped()             {}
