// Package dispatcher runs the central receive/admit/dispatch loop: it
// demultiplexes inbound broker frames by destination, consults the
// admission controller, and hands accepted jobs to the matching
// processor.
package dispatcher

import (
	"fmt"
	"os"
	"sync"

	"github.com/neutrons/post-processing-agent/pkg/admission"
	"github.com/neutrons/post-processing-agent/pkg/log"
	"github.com/neutrons/post-processing-agent/pkg/metrics"
	"github.com/neutrons/post-processing-agent/pkg/registry"
	"github.com/neutrons/post-processing-agent/pkg/session"
	"github.com/neutrons/post-processing-agent/pkg/types"
	"github.com/rs/zerolog"
)

// Session is the subset of session.Manager the dispatcher depends on;
// tests substitute a fake that never touches the network.
type Session interface {
	Subscribe(destination string) (<-chan session.Inbound, error)
	Send(destination string, msg types.Message) error
	HandlePing(body types.Message) error
}

// Config configures a Dispatcher.
type Config struct {
	PingDestination  string
	ErrorDestination string
}

// Dispatcher is the receive/admit/dispatch control loop.
type Dispatcher struct {
	cfg       Config
	sess      Session
	registry  *registry.Registry
	admission *admission.Controller
	hostname  string

	wg sync.WaitGroup
}

// New constructs a Dispatcher.
func New(cfg Config, sess Session, reg *registry.Registry, adm *admission.Controller) *Dispatcher {
	hostname, _ := os.Hostname()
	return &Dispatcher{cfg: cfg, sess: sess, registry: reg, admission: adm, hostname: hostname}
}

// Run subscribes to every registered destination plus the ping
// destination, then services inbound frames until stop is closed. It
// returns as soon as stop is closed, or once every subscription
// channel has been closed.
func (d *Dispatcher) Run(stop <-chan struct{}) error {
	logger := log.WithComponent("dispatcher")

	destinations := append(append([]string{}, d.registry.Subscriptions()...), d.cfg.PingDestination)
	merged := make(chan session.Inbound)
	var subWG sync.WaitGroup

	for _, dest := range destinations {
		in, err := d.sess.Subscribe(dest)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", dest, err)
		}
		subWG.Add(1)
		go func(ch <-chan session.Inbound) {
			defer subWG.Done()
			for frame := range ch {
				select {
				case merged <- frame:
				case <-stop:
					return
				}
			}
		}(in)
	}

	go func() {
		subWG.Wait()
		close(merged)
	}()

	for {
		select {
		case frame, ok := <-merged:
			if !ok {
				return nil
			}
			d.handleFrame(frame, logger)
		case <-stop:
			return nil
		}
	}
}

func (d *Dispatcher) handleFrame(frame session.Inbound, logger zerolog.Logger) {
	if frame.ParseErr != nil {
		_ = frame.Nack()
		d.publishUnexpectedError(fmt.Sprintf("failed to parse inbound frame on %s: %v", frame.Destination, frame.ParseErr))
		return
	}

	if frame.Destination == d.cfg.PingDestination {
		if err := d.sess.HandlePing(frame.Body); err != nil {
			logger.Warn().Err(err).Msg("failed to reply to ping")
		}
		_ = frame.Ack()
		return
	}

	proc, ok := d.registry.Lookup(frame.Destination)
	if !ok {
		_ = frame.Nack()
		d.publishUnexpectedError(fmt.Sprintf("no processor registered for destination %s", frame.Destination))
		return
	}

	instrument := frame.Body.Upper("instrument")
	decision := d.admission.Admit(instrument)
	if decision == admission.Reject {
		_ = frame.Nack()
		metrics.JobsTotal.WithLabelValues("rejected").Inc()
		return
	}
	_ = frame.Ack()

	// Stamp the processor's hostname onto the job message on receipt,
	// identifying which agent instance handled it; the reduction
	// processor overwrites it with the classifier's matched line when an
	// ignorable error downgrades a failure to a successful completion.
	frame.Body["information"] = d.hostname

	d.admission.WaitForSlot(nil)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		onSpawn := func(pid int, instrument string, msg types.Message) {
			d.admission.Record(pid, instrument, msg)
		}
		if err := proc.Handle(frame.Body, d.sess.Send, onSpawn); err != nil {
			logger.Warn().Err(err).Str("destination", frame.Destination).Msg("processor failed")
			d.publishUnexpectedError(err.Error())
		}
	}()
}

func (d *Dispatcher) publishUnexpectedError(reason string) {
	if d.cfg.ErrorDestination == "" {
		return
	}
	_ = d.sess.Send(d.cfg.ErrorDestination, types.Message{"error": reason})
}

// Wait blocks until every in-flight processor invocation spawned by
// Run has returned. Call after Run returns, during shutdown drain.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
