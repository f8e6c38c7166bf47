package capture

// Observer receives loop events as they happen. Implementations must be cheap
// and non-blocking; they run on the capture goroutine.
type Observer interface {
	StateChanged(state State)
	PacketCaptured(frames, samples int)
	SamplesEvicted(n int)
	NoData()
	SinkFailed(err error)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) StateChanged(State)      {}
func (NopObserver) PacketCaptured(int, int) {}
func (NopObserver) SamplesEvicted(int)      {}
func (NopObserver) NoData()                 {}
func (NopObserver) SinkFailed(error)        {}

// Observers fans events out to several observers
type Observers []Observer

func (o Observers) StateChanged(state State) {
	for _, ob := range o {
		ob.StateChanged(state)
	}
}

func (o Observers) PacketCaptured(frames, samples int) {
	for _, ob := range o {
		ob.PacketCaptured(frames, samples)
	}
}

func (o Observers) SamplesEvicted(n int) {
	for _, ob := range o {
		ob.SamplesEvicted(n)
	}
}

func (o Observers) NoData() {
	for _, ob := range o {
		ob.NoData()
	}
}

func (o Observers) SinkFailed(err error) {
	for _, ob := range o {
		ob.SinkFailed(err)
	}
}
