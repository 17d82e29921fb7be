package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsMarket   int64
	errorsUser     int64
	warnsMarket    int64
	warnsUser      int64
	tickReads      int64
	orderEvReads   int64
	reconnects     int64
	pairsCreated   int64
	pairsCompleted int64
	pairsCancelled int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "market") {
		atomic.AddInt64(&warnsMarket, 1)
	} else if strings.Contains(component, "user") {
		atomic.AddInt64(&warnsUser, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "market") {
		atomic.AddInt64(&errorsMarket, 1)
	} else if strings.Contains(component, "user") {
		atomic.AddInt64(&errorsUser, 1)
	}
}

func IncrementTickRead(size int) {
	atomic.AddInt64(&tickReads, 1)
	recordChannel("market_ws", size)
}

func IncrementOrderEventRead(size int) {
	atomic.AddInt64(&orderEvReads, 1)
	recordChannel("user_ws", size)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementPairCreated() {
	atomic.AddInt64(&pairsCreated, 1)
}

func IncrementPairCompleted() {
	atomic.AddInt64(&pairsCompleted, 1)
}

func IncrementPairCancelled() {
	atomic.AddInt64(&pairsCancelled, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
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
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_market":     atomic.LoadInt64(&errorsMarket),
		"errors_user":       atomic.LoadInt64(&errorsUser),
		"warns_market":      atomic.LoadInt64(&warnsMarket),
		"warns_user":        atomic.LoadInt64(&warnsUser),
		"tick_reads":        atomic.LoadInt64(&tickReads),
		"order_event_reads": atomic.LoadInt64(&orderEvReads),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"pairs_created":     atomic.LoadInt64(&pairsCreated),
		"pairs_completed":   atomic.LoadInt64(&pairsCompleted),
		"pairs_cancelled":   atomic.LoadInt64(&pairsCancelled),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memMB,
		"channels":          channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsMarket"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsMarket)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsUser"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsUser)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsMarket"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsMarket)))},
		cwtypes.MetricDatum{MetricName: aws.String("WarnsUser"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnsUser)))},
		cwtypes.MetricDatum{MetricName: aws.String("TickReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&tickReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrderEventReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&orderEvReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		cwtypes.MetricDatum{MetricName: aws.String("PairsCreated"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pairsCreated)))},
		cwtypes.MetricDatum{MetricName: aws.String("PairsCompleted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pairsCompleted)))},
		cwtypes.MetricDatum{MetricName: aws.String("PairsCancelled"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&pairsCancelled)))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
