package metrics

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	coremetrics "github.com/minegrid/curtaild/core/metrics"
	"github.com/minegrid/curtaild/core/model"
	"github.com/minegrid/curtaild/infra/logger"
)

// InfluxSink writes curtailment events to an InfluxDB instance using the
// official client.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	log      logger.Logger
}

// NewInfluxSink creates a sink for the given InfluxDB endpoint.
func NewInfluxSink(url, token, org, bucket string) *InfluxSink {
	base := strings.TrimSuffix(url, "/api/v2/write")
	client := influxdb2.NewClientWithOptions(base, token,
		influxdb2.DefaultOptions().SetHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		log:      logger.New("influx-sink"),
	}
}

// NewInfluxSinkWithFallback pings the InfluxDB instance and returns a
// NopSink if the health check fails, so a down backend never blocks plans.
func NewInfluxSinkWithFallback(url, token, org, bucket string) coremetrics.Sink {
	sink := NewInfluxSink(url, token, org, bucket)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	health, err := sink.client.Health(ctx)
	if err != nil || health.Status != "pass" {
		if err != nil {
			sink.log.Errorf("influx health check error: %v", err)
		} else {
			sink.log.Errorf("influx health status: %s", health.Status)
		}
		sink.client.Close()
		return coremetrics.NopSink{}
	}
	return sink
}

// RecordExecutions writes one point per unit command outcome.
func (s *InfluxSink) RecordExecutions(events []coremetrics.ExecutionEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, e := range events {
		p := write.NewPointWithMeasurement("curtailment_execution").
			AddTag("plan_id", e.PlanID).
			AddTag("unit_id", e.UnitID).
			AddTag("action", string(e.Action)).
			AddTag("success", strconv.FormatBool(e.Success)).
			AddField("power_saved_kw", round3(e.PowerSavedKW)).
			AddField("latency_ms", round3(e.Latency.Seconds()*1000)).
			SetTime(e.Time)
		if err := s.writeAPI.WritePoint(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RecordPlanTransition writes a plan lifecycle point.
func (s *InfluxSink) RecordPlanTransition(planID string, from, to model.PlanStatus, at time.Time) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("plan_transition").
		AddTag("plan_id", planID).
		AddTag("from", string(from)).
		AddTag("to", string(to)).
		AddField("count", 1).
		SetTime(at)
	return s.writeAPI.WritePoint(ctx, p)
}

// RecordOptimization writes the outcome of a schedule optimization run.
func (s *InfluxSink) RecordOptimization(ev coremetrics.OptimizationEvent) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p := write.NewPointWithMeasurement("schedule_optimization").
		AddTag("plan_id", ev.PlanID).
		AddTag("status", ev.Status).
		AddField("achieved_uptime", round3(ev.AchievedUptime)).
		AddField("total_cost", round3(ev.TotalCost)).
		SetTime(ev.Time)
	return s.writeAPI.WritePoint(ctx, p)
}

// Close shuts the underlying client down.
func (s *InfluxSink) Close() { s.client.Close() }

func round3(f float64) float64 {
	return math.Round(f*1000) / 1000
}
