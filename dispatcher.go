package dnsprox

import (
	"expvar"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"github.com/pkg/errors"
)

// Forwarder answers queries on behalf of a dispatcher. Implementations must always
// return a response, failures are expressed in the response code.
type Forwarder interface {
	Forward(q *dns.Msg, timeout time.Duration) *dns.Msg
	fmt.Stringer
}

// Requester identifies the origin of a query within a listener. It is passed back
// to the listener unchanged together with the response.
type Requester interface{}

// Deliverer is implemented by listeners to receive the responses to the queries
// they submitted to a dispatcher.
type Deliverer interface {
	Deliver(response []byte, requester Requester)
}

// DelivererFunc is a function that can be used as Deliverer.
type DelivererFunc func(response []byte, requester Requester)

// Deliver calls f(response, requester).
func (f DelivererFunc) Deliver(response []byte, requester Requester) {
	f(response, requester)
}

// Dispatcher hands queries from a listener to a forwarder without blocking the
// listener, and delivers the responses back to it.
type Dispatcher struct {
	id        string
	forwarder Forwarder
	deliverer Deliverer
	opt       DispatcherOptions
	metrics   *DispatcherMetrics
}

// DispatcherOptions contains options used by the dispatcher.
type DispatcherOptions struct {
	// Timeout passed to the forwarder for every query. 0 uses the forwarder's defaults.
	Timeout time.Duration

	// Runs the forwarding of individual queries. Uses one goroutine per query if nil.
	Scheduler Scheduler
}

type DispatcherMetrics struct {
	// Count of submitted queries.
	query *expvar.Int
	// Count of rejected queries that couldn't be parsed.
	malformed *expvar.Int
	// Count of delivered responses.
	deliver *expvar.Int
	// Queries currently being forwarded.
	inflight *expvar.Int
}

func NewDispatcherMetrics(id string) *DispatcherMetrics {
	return &DispatcherMetrics{
		query:     getVarInt("dispatcher", id, "query"),
		malformed: getVarInt("dispatcher", id, "malformed"),
		deliver:   getVarInt("dispatcher", id, "deliver"),
		inflight:  getVarInt("dispatcher", id, "inflight"),
	}
}

// NewDispatcher returns a dispatcher forwarding queries to f and delivering the
// responses to d.
func NewDispatcher(id string, f Forwarder, d Deliverer, opt DispatcherOptions) *Dispatcher {
	if opt.Scheduler == nil {
		opt.Scheduler = GoScheduler{}
	}
	return &Dispatcher{
		id:        id,
		forwarder: f,
		deliverer: d,
		opt:       opt,
		metrics:   NewDispatcherMetrics(id),
	}
}

// Submit schedules a query in wire format for forwarding and returns right away.
// The response is delivered exactly once, possibly out of order with other queries.
// Queries that can't be parsed are rejected with an error and never delivered.
func (d *Dispatcher) Submit(query []byte, requester Requester) error {
	q := new(dns.Msg)
	if err := q.Unpack(query); err != nil {
		d.metrics.malformed.Add(1)
		return errors.Wrap(ErrMalformedQuery, err.Error())
	}
	d.metrics.query.Add(1)
	d.metrics.inflight.Add(1)
	d.opt.Scheduler.Go(func() {
		defer d.metrics.inflight.Add(-1)
		d.deliver(q, d.forwarder.Forward(q, d.opt.Timeout), requester)
	})
	return nil
}

func (d *Dispatcher) String() string {
	return d.id
}

func (d *Dispatcher) deliver(q, a *dns.Msg, requester Requester) {
	log := logger(d.id, q)
	b, err := a.Pack()
	if err != nil {
		log.WithError(err).Error("failed to pack response, responding with SERVFAIL")
		if b, err = servfail(q).Pack(); err != nil {
			// The query was unpacked from the wire, this can't really happen
			log.WithError(err).Error("failed to pack SERVFAIL response")
			b = nil
		}
	}
	log.WithField("rcode", rCode(a)).Debug("delivering response")
	d.metrics.deliver.Add(1)
	d.deliverer.Deliver(b, requester)
}
