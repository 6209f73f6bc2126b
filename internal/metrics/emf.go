// Package metrics emits AWS CloudWatch Embedded Metric Format (EMF) documents.
// Each document is one JSON line; CloudWatch Logs extracts the metrics from
// it, so recording costs no API call.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"
)

// Namespace is the CloudWatch namespace for posting state metrics.
const Namespace = "AlbumPoster"

// Standard CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitPercent      = "Percent"
	UnitNone         = "None"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

type directive struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

type metadata struct {
	Timestamp         int64       `json:"Timestamp"`
	CloudWatchMetrics []directive `json:"CloudWatchMetrics"`
}

// Recorder accumulates one EMF document. It is not safe for concurrent use;
// create one per operation.
type Recorder struct {
	namespace string
	out       io.Writer
	now       func() time.Time

	dimensions map[string]string
	rollups    [][]string
	units      map[string]string
	fields     map[string]interface{}
}

var (
	functionName string
	initOnce     sync.Once
)

func initFunctionName() {
	functionName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
}

// New creates a Recorder writing to stdout. Inside Lambda the FunctionName
// dimension is added automatically.
func New(namespace string) *Recorder {
	initOnce.Do(initFunctionName)
	r := &Recorder{
		namespace:  namespace,
		out:        os.Stdout,
		now:        time.Now,
		dimensions: make(map[string]string),
		units:      make(map[string]string),
		fields:     make(map[string]interface{}),
	}
	if functionName != "" {
		r.dimensions["FunctionName"] = functionName
	}
	return r
}

// WithWriter redirects the flushed document, e.g. to a buffer in tests or to
// stderr for a CLI whose stdout carries command output.
func (r *Recorder) WithWriter(w io.Writer) *Recorder {
	r.out = w
	return r
}

// Dimension adds an indexed dimension to the full dimension set.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	r.fields[key] = value
	return r
}

// Rollup adds an extra dimension set made of already recorded dimension
// keys, so CloudWatch also aggregates the metrics at that coarser level.
func (r *Recorder) Rollup(keys ...string) *Recorder {
	r.rollups = append(r.rollups, keys)
	return r
}

// Metric records a value with a CloudWatch unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	r.units[name] = unit
	r.fields[name] = value
	return r
}

// Count records a count metric with value 1.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Property adds a searchable field that does not create a metric.
func (r *Recorder) Property(key string, value interface{}) *Recorder {
	if _, isMetric := r.units[key]; !isMetric {
		r.fields[key] = value
	}
	return r
}

func (r *Recorder) dimensionSets() [][]string {
	full := make([]string, 0, len(r.dimensions))
	for k := range r.dimensions {
		full = append(full, k)
	}
	sort.Strings(full)
	sets := [][]string{full}
	for _, keys := range r.rollups {
		set := make([]string, 0, len(keys))
		for _, k := range keys {
			if _, ok := r.dimensions[k]; ok {
				set = append(set, k)
			}
		}
		sort.Strings(set)
		sets = append(sets, set)
	}
	return sets
}

// Flush writes the document as a single line. Nothing is written when no
// metric was recorded. The Recorder must not be reused afterwards.
func (r *Recorder) Flush() {
	if len(r.units) == 0 {
		return
	}

	defs := make([]metricDef, 0, len(r.units))
	for name, unit := range r.units {
		defs = append(defs, metricDef{Name: name, Unit: unit})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	doc := make(map[string]interface{}, len(r.fields)+1)
	for k, v := range r.fields {
		doc[k] = v
	}
	doc["_aws"] = metadata{
		Timestamp: r.now().UnixMilli(),
		CloudWatchMetrics: []directive{{
			Namespace:  r.namespace,
			Dimensions: r.dimensionSets(),
			Metrics:    defs,
		}},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "emf: failed to marshal metrics: %v\n", err)
		return
	}
	fmt.Fprintln(r.out, string(data))
}
