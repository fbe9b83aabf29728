// Package metrics 定义入库与问答流程的 OpenTelemetry 指标。
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder 汇总各流程的计数与耗时。nil Recorder 的所有方法都是空操作。
type Recorder struct {
	ingestions     metric.Int64Counter
	ingestedChunks metric.Int64Counter
	ingestDuration metric.Float64Histogram
	queries        metric.Int64Counter
	queryDuration  metric.Float64Histogram
	bestDistance   metric.Float64Histogram
}

// NewRecorder 在给定 meter 上注册全部指标。
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	var (
		r   Recorder
		err error
	)
	if r.ingestions, err = meter.Int64Counter("docintel.ingestions",
		metric.WithDescription("Document ingestions by outcome")); err != nil {
		return nil, err
	}
	if r.ingestedChunks, err = meter.Int64Counter("docintel.ingested_chunks",
		metric.WithDescription("Chunks written to the vector index")); err != nil {
		return nil, err
	}
	if r.ingestDuration, err = meter.Float64Histogram("docintel.ingestion.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.queries, err = meter.Int64Counter("docintel.queries",
		metric.WithDescription("Questions answered by intent, mode and outcome")); err != nil {
		return nil, err
	}
	if r.queryDuration, err = meter.Float64Histogram("docintel.query.duration",
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if r.bestDistance, err = meter.Float64Histogram("docintel.query.best_distance",
		metric.WithDescription("Cosine distance of the closest chunk")); err != nil {
		return nil, err
	}
	return &r, nil
}

// RecordIngestion 记录一次入库。outcome 为 "ok" 或错误类别。
func (r *Recorder) RecordIngestion(ctx context.Context, outcome string, chunks int, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	r.ingestions.Add(ctx, 1, attrs)
	if chunks > 0 {
		r.ingestedChunks.Add(ctx, int64(chunks))
	}
	r.ingestDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordQuery 记录一次问答。bestDistance 为 nil 时不记录距离分布。
func (r *Recorder) RecordQuery(ctx context.Context, intent, mode, outcome string, bestDistance *float64, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("intent", intent),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	)
	r.queries.Add(ctx, 1, attrs)
	r.queryDuration.Record(ctx, d.Seconds(), attrs)
	if bestDistance != nil {
		r.bestDistance.Record(ctx, *bestDistance)
	}
}
