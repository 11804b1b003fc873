package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

// TestRecordTransition_CountsByTarget は遷移先ごとにカウントされることを検証する。
func TestRecordTransition_CountsByTarget(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTransition("SENT")
	c.RecordTransition("SENT")
	c.RecordTransition("COMPLETED")

	mf := gather(t, reg, "signflow_envelope_transitions_total")
	got := map[string]float64{}
	for _, m := range mf.GetMetric() {
		got[labelValue(m, "to")] = m.GetCounter().GetValue()
	}
	if got["SENT"] != 2 || got["COMPLETED"] != 1 {
		t.Errorf("unexpected counts: %v", got)
	}
}

// TestRecordNotification_Result は通知結果のラベルを検証する。
func TestRecordNotification_Result(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotification("signing_request", true)
	c.RecordNotification("signing_request", false)

	mf := gather(t, reg, "signflow_notifications_total")
	results := map[string]bool{}
	for _, m := range mf.GetMetric() {
		results[labelValue(m, "result")] = true
	}
	if !results["ok"] || !results["failed"] {
		t.Errorf("expected ok and failed series, got %v", results)
	}
}

// TestRecordCertification_ObservesDuration は証明処理の回数と所要時間を検証する。
func TestRecordCertification_ObservesDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCertification("success", 150*time.Millisecond)
	c.RecordFallbackRender()

	h := gather(t, reg, "signflow_certification_duration_seconds")
	if n := h.GetMetric()[0].GetHistogram().GetSampleCount(); n != 1 {
		t.Errorf("sample count = %d, want 1", n)
	}
	fb := gather(t, reg, "signflow_render_fallback_total")
	if v := fb.GetMetric()[0].GetCounter().GetValue(); v != 1 {
		t.Errorf("fallback count = %v, want 1", v)
	}
}
