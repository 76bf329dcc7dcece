package paycode

import "time"

// Observer receives settlement and generation events. server.Metrics
// implements it.
type Observer interface {
	ObserveRedemption(outcome Outcome, elapsed time.Duration)
	ObserveCodeCreated()
	ObserveCodeCollision()
	ObserveCodeSpaceExhausted()
}

type nopObserver struct{}

func (nopObserver) ObserveRedemption(Outcome, time.Duration) {}
func (nopObserver) ObserveCodeCreated() {}
func (nopObserver) ObserveCodeCollision() {}
func (nopObserver) ObserveCodeSpaceExhausted() {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
