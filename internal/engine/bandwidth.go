package engine

import (
	"sync"
	"time"
)

// Smoothing constants. The asymmetric pair lets the displayed rate rise
// quickly on bursts but decay gradually through brief stalls instead of
// flickering to zero.
const (
	bandwidthInterval = 500 * time.Millisecond
	bandwidthWindow   = 20
	alphaUp           = 0.6
	alphaDown         = 0.35
)

// BandwidthTracker samples a counter on a fixed sub-second interval,
// converts the delta to a rate and applies asymmetric EMA smoothing. One
// smoothed value is delivered per tick; after Stop returns, no further
// ticks are delivered.
type BandwidthTracker struct {
	counter  *AtomicCounter
	interval time.Duration
	onSample func(bytesPerSec float64)

	mu       sync.Mutex
	samples  []float64
	smoothed float64
	peak     float64

	lastBytes int64
	lastTime  time.Time

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewBandwidthTracker creates a tracker over the given counter. onSample
// receives one smoothed bytes/sec value per tick.
func NewBandwidthTracker(counter *AtomicCounter, onSample func(bytesPerSec float64)) *BandwidthTracker {
	return &BandwidthTracker{
		counter:  counter,
		interval: bandwidthInterval,
		onSample: onSample,
		done:     make(chan struct{}),
	}
}

// Start launches the sampling loop.
func (bt *BandwidthTracker) Start() {
	bt.lastBytes = bt.counter.Get()
	bt.lastTime = time.Now()

	bt.wg.Add(1)
	go func() {
		defer bt.wg.Done()
		ticker := time.NewTicker(bt.interval)
		defer ticker.Stop()
		for {
			select {
			case <-bt.done:
				return
			case <-ticker.C:
				bt.tick()
			}
		}
	}()
}

// Stop halts sampling and waits for the loop to exit, guaranteeing no
// tick is delivered after it returns.
func (bt *BandwidthTracker) Stop() {
	bt.once.Do(func() { close(bt.done) })
	bt.wg.Wait()
}

func (bt *BandwidthTracker) tick() {
	nowBytes := bt.counter.Get()
	nowTime := time.Now()

	elapsed := nowTime.Sub(bt.lastTime).Seconds()
	if elapsed <= 0 {
		return
	}
	raw := float64(nowBytes-bt.lastBytes) / elapsed
	bt.lastBytes = nowBytes
	bt.lastTime = nowTime

	smoothed := bt.addSample(raw)
	if bt.onSample != nil {
		bt.onSample(smoothed)
	}
}

// addSample applies the rolling average then the asymmetric EMA and
// returns the smoothed rate.
func (bt *BandwidthTracker) addSample(raw float64) float64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.samples = append(bt.samples, raw)
	if len(bt.samples) > bandwidthWindow {
		bt.samples = bt.samples[1:]
	}
	var sum float64
	for _, s := range bt.samples {
		sum += s
	}
	rolling := sum / float64(len(bt.samples))

	alpha := alphaDown
	if rolling > bt.smoothed {
		alpha = alphaUp
	}
	bt.smoothed = alpha*rolling + (1-alpha)*bt.smoothed
	if bt.smoothed > bt.peak {
		bt.peak = bt.smoothed
	}
	return bt.smoothed
}

// Rate returns the latest smoothed rate in bytes/sec.
func (bt *BandwidthTracker) Rate() float64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.smoothed
}

// Peak returns the highest smoothed rate observed.
func (bt *BandwidthTracker) Peak() float64 {
	bt.mu.Lock()
	defer bt.mu.Unlock()
	return bt.peak
}
