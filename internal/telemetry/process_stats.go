package telemetry

import (
	"context"
	"errors"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const report_process_stats = "process.stats"

// ProcessSample is one reading of the relay process.
type ProcessSample struct {
	// CPUPercent is the usage since the previous sample, 0 on the first one.
	CPUPercent float64
	RSS        uint64
	// OpenFiles includes sockets, every held document stream keeps one open.
	OpenFiles  int32
	HeapAlloc  uint64
	Goroutines int
}

// ProcessSampler reads resource usage of the current process.
type ProcessSampler struct {
	proc *process.Process
}

func NewProcessSampler(ctx context.Context) (*ProcessSampler, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &ProcessSampler{proc: proc}, nil
}

// Sample returns whatever could be read, err joins the readings that failed.
func (s *ProcessSampler) Sample(ctx context.Context) (ProcessSample, error) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	sample := ProcessSample{
		HeapAlloc:  memStats.HeapAlloc,
		Goroutines: runtime.NumGoroutine(),
	}

	var errs []error
	cpuPercent, err := s.proc.PercentWithContext(ctx, 0)
	if err != nil {
		errs = append(errs, err)
	}
	sample.CPUPercent = cpuPercent

	memory, err := s.proc.MemoryInfoWithContext(ctx)
	if err != nil {
		errs = append(errs, err)
	} else {
		sample.RSS = memory.RSS
	}

	fds, err := s.proc.NumFDsWithContext(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	sample.OpenFiles = fds

	return sample, errors.Join(errs...)
}

type processGauges struct {
	cpu        metric.Float64Gauge
	rss        metric.Int64Gauge
	openFiles  metric.Int64Gauge
	heap       metric.Int64Gauge
	goroutines metric.Int64Gauge
}

func newProcessGauges(meter metric.Meter, tel API) processGauges {
	float64Gauge := func(name, unit string) metric.Float64Gauge {
		gauge, err := meter.Float64Gauge(name, metric.WithUnit(unit))
		if err != nil {
			tel.ReportBroken(report_process_stats, err, name)
			return noop.Float64Gauge{}
		}
		return gauge
	}
	int64Gauge := func(name, unit string) metric.Int64Gauge {
		gauge, err := meter.Int64Gauge(name, metric.WithUnit(unit))
		if err != nil {
			tel.ReportBroken(report_process_stats, err, name)
			return noop.Int64Gauge{}
		}
		return gauge
	}

	return processGauges{
		cpu:        float64Gauge("process.cpu.usage", "%"),
		rss:        int64Gauge("process.memory.rss", "By"),
		openFiles:  int64Gauge("process.open_files", "{file}"),
		heap:       int64Gauge("process.heap.alloc", "By"),
		goroutines: int64Gauge("process.goroutines", "{goroutine}"),
	}
}

func (g processGauges) record(ctx context.Context, sample ProcessSample) {
	g.cpu.Record(ctx, sample.CPUPercent)
	g.rss.Record(ctx, int64(sample.RSS))
	g.openFiles.Record(ctx, int64(sample.OpenFiles))
	g.heap.Record(ctx, int64(sample.HeapAlloc))
	g.goroutines.Record(ctx, int64(sample.Goroutines))
}

// InstrumentProcessStats records a ProcessSample as gauges every interval
// until ctx is done.
func InstrumentProcessStats(ctx context.Context, tel API, interval time.Duration) error {
	sampler, err := NewProcessSampler(ctx)
	if err != nil {
		return err
	}
	gauges := newProcessGauges(otel.Meter("kapub/internal/telemetry"), tel)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sample, err := sampler.Sample(ctx)
				if err != nil {
					tel.ReportWarning(report_process_stats, err)
				}
				gauges.record(ctx, sample)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}
