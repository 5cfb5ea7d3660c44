package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsRest       int64
	errorsStream     int64
	warnsRest        int64
	warnsStream      int64
	restCalls        int64
	streamEvents     int64
	orderTransitions int64
	reconnects       int64
)

func recordWarn(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&warnsStream, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&warnsRest, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "stream") {
		atomic.AddInt64(&errorsStream, 1)
	} else if strings.Contains(component, "rest") {
		atomic.AddInt64(&errorsRest, 1)
	}
}

// IncrementRestCall counts one issued REST request.
func IncrementRestCall() {
	atomic.AddInt64(&restCalls, 1)
}

// IncrementStreamEvent counts one decoded websocket event.
func IncrementStreamEvent() {
	atomic.AddInt64(&streamEvents, 1)
}

// IncrementOrderTransition counts one accepted order state update.
func IncrementOrderTransition() {
	atomic.AddInt64(&orderTransitions, 1)
}

// IncrementReconnect counts one websocket reconnect attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// StartReport begins periodic logging of system and engine statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memUsedMB := int64(0)
	if memStats != nil {
		memUsedMB = int64(memStats.Used) / 1024 / 1024
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_rest":       atomic.LoadInt64(&errorsRest),
		"errors_stream":     atomic.LoadInt64(&errorsStream),
		"warns_rest":        atomic.LoadInt64(&warnsRest),
		"warns_stream":      atomic.LoadInt64(&warnsStream),
		"rest_calls":        atomic.LoadInt64(&restCalls),
		"stream_events":     atomic.LoadInt64(&streamEvents),
		"order_transitions": atomic.LoadInt64(&orderTransitions),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memUsedMB,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsedMB))},
		{MetricName: aws.String("ErrorsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsRest)))},
		{MetricName: aws.String("ErrorsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsStream)))},
		{MetricName: aws.String("WarnsRest"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsRest)))},
		{MetricName: aws.String("WarnsStream"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsStream)))},
		{MetricName: aws.String("RestCalls"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&restCalls)))},
		{MetricName: aws.String("StreamEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&streamEvents)))},
		{MetricName: aws.String("OrderTransitions"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&orderTransitions)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	publishMetrics(ctx, data)
}
