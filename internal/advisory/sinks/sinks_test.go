package sinks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/spiderhost/internal/advisory"
	"github.com/JakeFAU/spiderhost/internal/publisher/memory"
	"github.com/JakeFAU/spiderhost/internal/spider"
)

func TestPrometheusSinkRecordsAdvisories(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	now := time.Now()
	batch := []advisory.Event{
		advisory.NewLifecycleEvent("a", spider.StateCreated, now, ""),
		advisory.NewLifecycleEvent("a", spider.StateRunning, now, ""),
		advisory.NewLifecycleEvent("b", spider.StateCreated, now, ""),
		advisory.NewThreadEvent("a", advisory.KindThreadLimit, "t1", now, ""),
		advisory.NewThreadEvent("a", advisory.KindThreadLimit, "t2", now, ""),
	}
	require.NoError(t, sink.Consume(context.Background(), batch))

	require.InDelta(t, 2.0, testutil.ToFloat64(sink.advisories.WithLabelValues("a", "thread-limit")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.spiderStates.WithLabelValues("running")), 1e-9)
	require.InDelta(t, 1.0, testutil.ToFloat64(sink.spiderStates.WithLabelValues("created")), 1e-9)

	require.NoError(t, sink.Consume(context.Background(), []advisory.Event{
		advisory.NewLifecycleEvent("a", spider.StateUnloading, now, ""),
		advisory.NewLifecycleEvent("a", spider.StateUnloaded, now, ""),
	}))
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.spiderStates.WithLabelValues("running")), 1e-9)
	require.InDelta(t, 0.0, testutil.ToFloat64(sink.spiderStates.WithLabelValues("unloading")), 1e-9)
}

func TestPrometheusSinkDuplicateRegistration(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := NewPrometheusSink(reg)
	require.NoError(t, err)
	_, err = NewPrometheusSink(reg)
	require.Error(t, err)
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	require.NoError(t, sink.Consume(context.Background(), []advisory.Event{
		advisory.NewThreadEvent("a", advisory.KindThreadRepeat, "fetch", time.Now(), "name in use"),
		advisory.NewLifecycleEvent("a", spider.StateRunning, time.Now(), ""),
	}))

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, zap.WarnLevel, entries[0].Level)
	require.Equal(t, "fetch", entries[0].ContextMap()["thread"])
	require.Equal(t, zap.InfoLevel, entries[1].Level)
	require.Equal(t, "running", entries[1].ContextMap()["state"])
}

func TestPublisherSink(t *testing.T) {
	t.Parallel()

	pub := memory.New()
	sink, err := NewPublisherSink(pub, "spider-advisories")
	require.NoError(t, err)

	evt := advisory.NewThreadEvent("a", advisory.KindThreadClosed, "late", time.Now(), "")
	require.NoError(t, sink.Consume(context.Background(), []advisory.Event{evt}))

	msgs := pub.Topic("spider-advisories")
	require.Len(t, msgs, 1)
	require.Equal(t, "thread-closed", msgs[0].Attributes["kind"])
	require.Equal(t, evt, msgs[0].Payload)

	pub.FailWith(errors.New("offline"))
	require.Error(t, sink.Consume(context.Background(), []advisory.Event{evt}))

	_, err = NewPublisherSink(nil, "x")
	require.Error(t, err)
	_, err = NewPublisherSink(pub, "")
	require.Error(t, err)
}
