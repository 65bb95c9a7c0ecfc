package httpapi

import (
	"fmt"
	"net/http"
)

// metrics writes the Prometheus text exposition format by hand.
func (s *Server) metrics(rw http.ResponseWriter, r *http.Request) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

	if s.deps.Ledger != nil {
		fmt.Fprintf(rw, "# HELP dieforward_ledger_slot Current ledger slot.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_ledger_slot gauge\n")
		fmt.Fprintf(rw, "dieforward_ledger_slot %d\n", s.deps.Ledger.Slot())
	}

	if s.deps.Chain != nil {
		if v, err := s.deps.Chain.Pool(); err == nil {
			fmt.Fprintf(rw, "# HELP dieforward_pool_lamports Pool balance.\n")
			fmt.Fprintf(rw, "# TYPE dieforward_pool_lamports gauge\n")
			fmt.Fprintf(rw, "dieforward_pool_lamports{kind=%q} %d\n", "total", v.Lamports)
			fmt.Fprintf(rw, "dieforward_pool_lamports{kind=%q} %d\n", "settleable", v.Settleable)

			fmt.Fprintf(rw, "# HELP dieforward_pool_outcomes_total Settled sessions by outcome.\n")
			fmt.Fprintf(rw, "# TYPE dieforward_pool_outcomes_total counter\n")
			fmt.Fprintf(rw, "dieforward_pool_outcomes_total{outcome=%q} %d\n", "death", v.Pool.TotalDeaths)
			fmt.Fprintf(rw, "dieforward_pool_outcomes_total{outcome=%q} %d\n", "victory", v.Pool.TotalVictories)

			fmt.Fprintf(rw, "# HELP dieforward_pool_lamports_total Lifetime lamport flows through the pool.\n")
			fmt.Fprintf(rw, "# TYPE dieforward_pool_lamports_total counter\n")
			fmt.Fprintf(rw, "dieforward_pool_lamports_total{flow=%q} %d\n", "staked", v.Pool.TotalStaked)
			fmt.Fprintf(rw, "dieforward_pool_lamports_total{flow=%q} %d\n", "paid_out", v.Pool.TotalPaidOut)
			fmt.Fprintf(rw, "dieforward_pool_lamports_total{flow=%q} %d\n", "fees", v.Pool.TotalFees)
		}
	}

	if s.deps.Dispatcher != nil {
		st := s.deps.Dispatcher.Stats()
		fmt.Fprintf(rw, "# HELP dieforward_settlements_total Settlement outcomes since start.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_settlements_total counter\n")
		fmt.Fprintf(rw, "dieforward_settlements_total{status=%q} %d\n", "paid", st.Paid)
		fmt.Fprintf(rw, "dieforward_settlements_total{status=%q} %d\n", "failed", st.Failed)
		fmt.Fprintf(rw, "dieforward_settlements_total{status=%q} %d\n", "reconcile", st.Reconcile)

		fmt.Fprintf(rw, "# HELP dieforward_settlement_retries_total Transport retries since start.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_settlement_retries_total counter\n")
		fmt.Fprintf(rw, "dieforward_settlement_retries_total %d\n", st.Retries)

		fmt.Fprintf(rw, "# HELP dieforward_settlement_queue_depth Settlement queue backlog.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_settlement_queue_depth gauge\n")
		fmt.Fprintf(rw, "dieforward_settlement_queue_depth %d\n", st.QueueDepth)
	}

	if s.deps.Index != nil {
		st := s.deps.Index.Stats()
		fmt.Fprintf(rw, "# HELP dieforward_index_queue_depth Tx index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "dieforward_index_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(rw, "# HELP dieforward_index_queue_capacity Tx index writer queue capacity.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_index_queue_capacity gauge\n")
		fmt.Fprintf(rw, "dieforward_index_queue_capacity %d\n", st.QueueCapacity)
		fmt.Fprintf(rw, "# HELP dieforward_index_dropped_total Tx log entries the index dropped.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_index_dropped_total counter\n")
		fmt.Fprintf(rw, "dieforward_index_dropped_total %d\n", st.DropTxTotal)
	}

	if s.deps.D1 != nil {
		st := s.deps.D1.Stats()
		fmt.Fprintf(rw, "# HELP dieforward_d1_sent_total Events mirrored to the remote index.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_d1_sent_total counter\n")
		fmt.Fprintf(rw, "dieforward_d1_sent_total %d\n", st.SentTotal)
		fmt.Fprintf(rw, "# HELP dieforward_d1_flush_fail_total Failed remote index flushes.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_d1_flush_fail_total counter\n")
		fmt.Fprintf(rw, "dieforward_d1_flush_fail_total %d\n", st.FlushFailTotal)
		fmt.Fprintf(rw, "# HELP dieforward_d1_dropped_total Events dropped by the remote index mirror.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_d1_dropped_total counter\n")
		fmt.Fprintf(rw, "dieforward_d1_dropped_total %d\n", st.QueueDroppedTotal)
	}

	if s.deps.Offsite != nil {
		st := s.deps.Offsite.Stats()
		fmt.Fprintf(rw, "# HELP dieforward_offsite_queue_depth Files waiting for off-site upload.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_offsite_queue_depth gauge\n")
		fmt.Fprintf(rw, "dieforward_offsite_queue_depth %d\n", st.QueueDepth)
		fmt.Fprintf(rw, "# HELP dieforward_offsite_files_total Off-site mirror outcomes per file.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_offsite_files_total counter\n")
		fmt.Fprintf(rw, "dieforward_offsite_files_total{result=%q} %d\n", "uploaded", st.Uploaded)
		fmt.Fprintf(rw, "dieforward_offsite_files_total{result=%q} %d\n", "failed", st.Failed)
		fmt.Fprintf(rw, "dieforward_offsite_files_total{result=%q} %d\n", "dropped", st.Dropped)
		fmt.Fprintf(rw, "dieforward_offsite_files_total{result=%q} %d\n", "unchanged", st.Skipped)
		fmt.Fprintf(rw, "# HELP dieforward_offsite_last_success_ms Unix ms of the last successful upload.\n")
		fmt.Fprintf(rw, "# TYPE dieforward_offsite_last_success_ms gauge\n")
		fmt.Fprintf(rw, "dieforward_offsite_last_success_ms %d\n", st.LastSuccessMS)
	}
}
