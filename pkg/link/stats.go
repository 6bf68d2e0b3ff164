package link

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/longg-net/longg/pkg/errdefs"
)

// Stats counts link activity. Counters are exported through the registerer
// given to NewStats.
type Stats struct {
	DatagramsRead     prometheus.Counter
	DatagramsSent     prometheus.Counter
	DatagramsReceived prometheus.Counter
	DatagramsWritten  prometheus.Counter
	FragmentsSent     prometheus.Counter
	FragmentsReceived prometheus.Counter
	LinkLosses        prometheus.Counter
	Errors            *prometheus.CounterVec
	QueueDrops        *prometheus.CounterVec

	airtimeMu sync.Mutex
	airtime   *hdrhistogram.Histogram
}

// NewStats creates the link counters and registers them with reg, if non-nil.
func NewStats(reg prometheus.Registerer) *Stats {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "longg",
			Subsystem: "link",
			Name:      name,
			Help:      help,
		})
	}
	s := &Stats{
		DatagramsRead:     counter("tun_datagrams_read_total", "Datagrams read from the TUN device."),
		DatagramsSent:     counter("datagrams_sent_total", "Datagrams whose every fragment was acknowledged."),
		DatagramsReceived: counter("datagrams_reassembled_total", "Datagrams rebuilt from received fragments."),
		DatagramsWritten:  counter("tun_datagrams_written_total", "Datagrams written to the TUN device."),
		FragmentsSent:     counter("fragments_sent_total", "Fragments acknowledged by the peer radio."),
		FragmentsReceived: counter("fragments_received_total", "Fragments read from the receive radio."),
		LinkLosses:        counter("link_losses_total", "Fragments dropped after exhausting hardware retransmits."),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "longg",
			Subsystem: "link",
			Name:      "errors_total",
			Help:      "Errors by kind.",
		}, []string{"kind"}),
		QueueDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "longg",
			Subsystem: "link",
			Name:      "queue_drops_total",
			Help:      "Datagrams dropped by a full hand-off queue.",
		}, []string{"queue"}),
		// 1µs to 10s with 3 significant figures.
		airtime: hdrhistogram.New(1, 10_000_000, 3),
	}
	if reg != nil {
		reg.MustRegister(
			s.DatagramsRead, s.DatagramsSent, s.DatagramsReceived, s.DatagramsWritten,
			s.FragmentsSent, s.FragmentsReceived, s.LinkLosses, s.Errors, s.QueueDrops,
		)
	}
	return s
}

func (s *Stats) countError(err error) {
	kind := "other"
	switch {
	case errors.Is(err, errdefs.ErrIO):
		kind = "io"
	case errors.Is(err, errdefs.ErrBus):
		kind = "bus"
	case errors.Is(err, errdefs.ErrProtocol):
		kind = "protocol"
	case errors.Is(err, errdefs.ErrConfig):
		kind = "config"
	}
	s.Errors.WithLabelValues(kind).Inc()
}

func (s *Stats) observeAirtime(d time.Duration) {
	s.airtimeMu.Lock()
	defer s.airtimeMu.Unlock()
	_ = s.airtime.RecordValue(d.Microseconds())
}

// AirtimeQuantile returns the q-th percentile (0-100) of per-datagram
// transmit time.
func (s *Stats) AirtimeQuantile(q float64) time.Duration {
	s.airtimeMu.Lock()
	defer s.airtimeMu.Unlock()
	return time.Duration(s.airtime.ValueAtQuantile(q)) * time.Microsecond
}

func (s *Stats) logAirtime() {
	s.airtimeMu.Lock()
	defer s.airtimeMu.Unlock()
	if s.airtime.TotalCount() == 0 {
		return
	}
	slog.Info("Datagram airtime (µs)",
		slog.Int64("count", s.airtime.TotalCount()),
		slog.Int64("min", s.airtime.Min()),
		slog.Int64("max", s.airtime.Max()),
		slog.Float64("mean", s.airtime.Mean()),
		slog.Int64("p50", s.airtime.ValueAtQuantile(50)),
		slog.Int64("p90", s.airtime.ValueAtQuantile(90)),
		slog.Int64("p99", s.airtime.ValueAtQuantile(99)))
}
