package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ethereum-optimism/infra/op-coverage/covdata"
)

const (
	MetricsNamespace = "coverage"
)

// Run results recorded by RecordRun.
const (
	ResultSuccess     = "success"
	ResultTestFailure = "test_failure"
	ResultError       = "error"
)

var (
	Debug                bool = true
	validResults              = []string{ResultSuccess, ResultTestFailure, ResultError}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of coverage collection runs",
	}, []string{
		"run_id",
		"mode",
		"result",
	})

	phaseDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "phase_duration_seconds",
		Help:      "Duration of workflow phases",
	}, []string{
		"run_id",
		"mode",
		"phase",
	})

	totalPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "total_percent",
		Help:      "Aggregated workspace coverage percentage",
	}, []string{
		"run_id",
		"mode",
		"dimension",
	})

	groupPercent = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "group_percent",
		Help:      "Aggregated module/library coverage percentage",
	}, []string{
		"run_id",
		"mode",
		"kind",
		"name",
		"dimension",
	})

	instrumentedFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "instrumented_files",
		Help:      "Number of instrumented files in the raw coverage export",
	}, []string{
		"run_id",
		"mode",
	})

	profileFiles = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "profile_files",
		Help:      "Raw profile files found after collection",
	}, []string{
		"run_id",
		"mode",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

func RecordRun(runID string, mode string, result string) {
	if !isValidResult(result) {
		log.Error("RecordRun - invalid result", "result", result)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "runs_total",
			"run_id", runID,
			"mode", mode,
			"result", result)
	}
	runsTotal.WithLabelValues(runID, mode, result).Inc()
}

func RecordPhaseDuration(runID string, mode string, phase string, duration time.Duration) {
	if Debug {
		log.Debug("metric set",
			"m", "phase_duration_seconds",
			"run_id", runID,
			"mode", mode,
			"phase", phase,
			"duration", duration)
	}
	phaseDuration.WithLabelValues(runID, mode, phase).Set(duration.Seconds())
}

// RecordReport publishes the aggregated totals of one run: the three
// workspace-level percentages, per-group percentages and the instrumented
// file count.
func RecordReport(runID string, mode string, report *covdata.Report) {
	for dimension, metric := range map[string]covdata.Metric{
		"regions":   report.Total.Regions,
		"functions": report.Total.Functions,
		"lines":     report.Total.Lines,
	} {
		totalPercent.WithLabelValues(runID, mode, dimension).Set(float64(metric.Percent()))
	}
	for _, group := range report.Groups {
		groupPercent.WithLabelValues(runID, mode, string(group.Kind), group.Name, "lines").Set(float64(group.Lines.Percent()))
	}
	instrumentedFiles.WithLabelValues(runID, mode).Set(float64(report.InstrumentedFiles))
}

func RecordProfileFiles(runID string, mode string, count int) {
	if Debug {
		log.Debug("metric set",
			"m", "profile_files",
			"run_id", runID,
			"mode", mode,
			"count", count)
	}
	profileFiles.WithLabelValues(runID, mode).Set(float64(count))
}

func isValidResult(result string) bool {
	return slices.Contains(validResults, result)
}
