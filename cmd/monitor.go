package cmd

import (
	"expvar"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CraigKelly/prefetch/sampler"
)

// expvar names are process global, so only the first monitor is published
var publishOnce sync.Once

type monitor struct {
	info     *expvar.Map
	registry *prometheus.Registry
	stopped  chan struct{}
	server   *http.Server
	addr     string
	last     sampler.Stats

	TreeSize    *expvar.Int
	MaxIters    *expvar.Int
	BurnIn      *expvar.Int
	RunTime     *expvar.Float
	Batches     *expvar.Int
	Evaluations *expvar.Int
	Values      *expvar.Int
	AcceptRate  *expvar.Float
	RecentMean  *expvar.Float

	batchesTotal     prometheus.Counter
	evaluationsTotal prometheus.Counter
	stepsTotal       prometheus.Counter
	acceptsTotal     prometheus.Counter
	tailValue        prometheus.Gauge
}

func newMonitor() *monitor {
	m := &monitor{
		info:     new(expvar.Map).Init(),
		registry: prometheus.NewRegistry(),

		TreeSize:    new(expvar.Int),
		MaxIters:    new(expvar.Int),
		BurnIn:      new(expvar.Int),
		RunTime:     new(expvar.Float),
		Batches:     new(expvar.Int),
		Evaluations: new(expvar.Int),
		Values:      new(expvar.Int),
		AcceptRate:  new(expvar.Float),
		RecentMean:  new(expvar.Float),

		batchesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefetch_batches_total",
			Help: "Proposal trees built, evaluated and walked.",
		}),
		evaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefetch_evaluations_total",
			Help: "Posterior evaluations, wasted branches included.",
		}),
		stepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefetch_steps_total",
			Help: "Chain values kept.",
		}),
		acceptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prefetch_accepts_total",
			Help: "Kept chain values that accepted their proposal.",
		}),
		tailValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prefetch_tail_value",
			Help: "Most recent chain value.",
		}),
	}

	m.info.Set("Tree-Size", m.TreeSize)
	m.info.Set("Max-Iterations", m.MaxIters)
	m.info.Set("Burn-In", m.BurnIn)
	m.info.Set("Run-Time", m.RunTime)
	m.info.Set("Batches", m.Batches)
	m.info.Set("Evaluations", m.Evaluations)
	m.info.Set("Values", m.Values)
	m.info.Set("Accept-Rate", m.AcceptRate)
	m.info.Set("Recent-Mean", m.RecentMean)

	m.registry.MustRegister(
		m.batchesTotal,
		m.evaluationsTotal,
		m.stepsTotal,
		m.acceptsTotal,
		m.tailValue,
	)

	return m
}

// Start begins serving /debug/vars and /metrics on addr
func (m *monitor) Start(addr string) error {
	if m.server != nil {
		return errors.Errorf("BUG: You may only start the process monitor once")
	}

	publishOnce.Do(func() {
		expvar.Publish("prefetch-progress", m.info)
	})

	mux := http.NewServeMux()
	mux.Handle("/debug/vars", expvar.Handler())
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	// Help the user and redirect to the expvar page
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/debug/vars", http.StatusTemporaryRedirect)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "Could not listen on %s for monitor", addr)
	}

	m.addr = ln.Addr().String()
	m.stopped = make(chan struct{})
	m.server = &http.Server{Handler: mux}

	// Actual server that will close the stopped channel on exit
	go func() {
		defer close(m.stopped)
		m.server.Serve(ln)
	}()

	fmt.Fprintf(os.Stderr, "HTTP now available at %v (see debug/vars/ and metrics/)\n", m.addr)
	return nil
}

// Addr is the address actually listened on, empty before Start
func (m *monitor) Addr() string {
	return m.addr
}

// Configure records the run settings
func (m *monitor) Configure(treeSize int, maxIters int, burnIn int) {
	m.TreeSize.Set(int64(treeSize))
	m.MaxIters.Set(int64(maxIters))
	m.BurnIn.Set(int64(burnIn))
}

// Update copies the chain's progress into expvar and prometheus
func (m *monitor) Update(ch *sampler.Chain, runTime time.Duration) {
	st := ch.Stats

	m.RunTime.Set(runTime.Seconds())
	m.Batches.Set(st.Batches)
	m.Evaluations.Set(st.Evaluations)
	m.Values.Set(int64(ch.Len()))
	m.AcceptRate.Set(st.AcceptRate())
	m.RecentMean.Set(ch.Recent.Mean())

	m.batchesTotal.Add(float64(st.Batches - m.last.Batches))
	m.evaluationsTotal.Add(float64(st.Evaluations - m.last.Evaluations))
	m.stepsTotal.Add(float64(st.Steps - m.last.Steps))
	m.acceptsTotal.Add(float64(st.Accepts - m.last.Accepts))
	m.tailValue.Set(ch.Current)
	m.last = st
}

func (m *monitor) Stop() {
	if m.server == nil {
		return
	}

	m.server.Close()

	select {
	case <-m.stopped:
		fmt.Fprintf(os.Stderr, "HTTP Info Stopped\n")
	case <-time.After(2 * time.Second):
		fmt.Fprintf(os.Stderr, "HTTP would NOT stop: just continuing on\n")
	}
}
