// Copyright 2025 Certen Protocol

// Package metrics registers the node's Prometheus instruments and serves
// them over HTTP. Components record into the exported instruments
// directly; nothing here is on any hot path's critical section.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BlocksProduced counts blocks this operator packaged.
	BlocksProduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollup_blocks_produced_total",
		Help: "Blocks packaged by the local block producer.",
	})

	// BlocksConfirmed counts blocks the L1 sync accepted.
	BlocksConfirmed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollup_blocks_confirmed_total",
		Help: "Blocks confirmed on L1 and applied locally.",
	})

	// BadBlocks counts submitted blocks that failed checkpoint
	// verification.
	BadBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollup_bad_blocks_total",
		Help: "Submitted blocks that failed local re-execution.",
	})

	// ChainStatus is 0 while Running, 1 while Halting.
	ChainStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollup_chain_status",
		Help: "0 = Running, 1 = Halting (a challenge is pending).",
	})

	// TipBlockNumber tracks the local tip.
	TipBlockNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollup_tip_block_number",
		Help: "Block number of the local canonical tip.",
	})

	// MemPoolSize tracks pending entries per category.
	MemPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rollup_mempool_entries",
		Help: "Pending mem-pool entries by category.",
	}, []string{"category"})

	// CyclesUsed observes the cycle consumption of packaged mem-blocks.
	CyclesUsed = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rollup_memblock_cycles_used",
		Help:    "Cycles consumed per packaged mem-block.",
		Buckets: prometheus.ExponentialBuckets(1e6, 4, 8),
	})

	// TxDropped counts mem-pool transactions dropped by failure kind.
	TxDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollup_mempool_tx_dropped_total",
		Help: "Mem-pool transactions dropped, by reason.",
	}, []string{"reason"})
)

// Serve exposes /metrics on addr. Blocks; run it on its own goroutine.
func Serve(addr string) error {
	logger := log.New(log.Writer(), "[Metrics] ", log.LstdFlags)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Printf("🚀 serving metrics on %s", addr)
	return http.ListenAndServe(addr, mux)
}
