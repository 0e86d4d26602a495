package gateguard

import (
	"sync"

	"github.com/krishna-kudari/gateguard/breaker"
)

// adaptiveController turns the breaker's outcome stream into a limit scaling
// factor. It keeps an exponentially-smoothed error rate per downstream name
// and maps it onto [minAdaptiveFactor, 1.0]:
//
//	factor = clamp(0.25, 1.0, 1 - alpha * errorRate)
//
// Rules with Algorithm == Adaptive multiply their configured limit by the
// factor of the downstream they name (1.0 when unknown). The controller
// subscribes to events rather than holding a breaker reference, which keeps
// the breaker/limiter dependency one-directional.
type adaptiveController struct {
	mu    sync.Mutex
	rates map[string]float64
	done  chan struct{}
}

const (
	adaptiveAlpha     = 1.0
	adaptiveBeta      = 0.2 // smoothing weight of each new sample
	minAdaptiveFactor = 0.25
)

func newAdaptiveController() *adaptiveController {
	return &adaptiveController{
		rates: make(map[string]float64),
		done:  make(chan struct{}),
	}
}

// consume drains breaker events until the channel closes or stop is called.
func (a *adaptiveController) consume(events <-chan breaker.Event) {
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			switch e.Kind {
			case breaker.KindSuccess:
				a.observe(e.Name, 0)
			case breaker.KindFailure:
				a.observe(e.Name, 1)
			case breaker.KindTransition:
				// An open circuit means full failure pressure.
				if e.To == breaker.Open {
					a.observe(e.Name, 1)
				}
			}
		case <-a.done:
			return
		}
	}
}

func (a *adaptiveController) observe(name string, sample float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.rates[name]
	a.rates[name] = prev*(1-adaptiveBeta) + sample*adaptiveBeta
}

// factor returns the current limit multiplier for a downstream name.
func (a *adaptiveController) factor(name string) float64 {
	a.mu.Lock()
	rate := a.rates[name]
	a.mu.Unlock()

	f := 1 - adaptiveAlpha*rate
	if f < minAdaptiveFactor {
		f = minAdaptiveFactor
	}
	if f > 1 {
		f = 1
	}
	return f
}

func (a *adaptiveController) stop() {
	select {
	case <-a.done:
	default:
		close(a.done)
	}
}
