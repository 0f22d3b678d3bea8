package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 奖励引擎的 Prometheus 指标
type Metrics struct {
	Heartbeats      *prometheus.CounterVec
	RewardsMinted   *prometheus.CounterVec
	CapReached      prometheus.Counter
	AttentionChecks *prometheus.CounterVec
	Claims          *prometheus.CounterVec
	ViewerEvents    *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
	SweepRuns       prometheus.Counter
}

// New 创建并注册指标，reg 为 nil 时不注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "littlewatch_heartbeats_total",
			Help: "Heartbeats processed, by outcome",
		}, []string{"outcome"}),
		RewardsMinted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "littlewatch_rewards_minted_total",
			Help: "Reward records written to the ledger, by type",
		}, []string{"type"}),
		CapReached: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "littlewatch_daily_cap_reached_total",
			Help: "Mints truncated by the daily watch cap",
		}),
		AttentionChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "littlewatch_attention_checks_total",
			Help: "Attention checks, by result",
		}, []string{"result"}),
		Claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "littlewatch_claims_total",
			Help: "Claim requests, by outcome",
		}, []string{"outcome"}),
		ViewerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "littlewatch_viewer_events_total",
			Help: "Viewer join/leave events",
		}, []string{"event"}),
		SessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "littlewatch_sessions_closed_total",
			Help: "Watch sessions closed, by reason",
		}, []string{"reason"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "littlewatch_sweep_runs_total",
			Help: "Completed sweeper passes",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Heartbeats,
			m.RewardsMinted,
			m.CapReached,
			m.AttentionChecks,
			m.Claims,
			m.ViewerEvents,
			m.SessionsClosed,
			m.SweepRuns,
		)
	}
	return m
}
