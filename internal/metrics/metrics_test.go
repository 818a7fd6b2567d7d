package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は指定名・ラベル値のメトリクスを探す。
func findMetric(t *testing.T, reg *prometheus.Registry, name, labelValue string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelValue == "" {
				return m
			}
			for _, lp := range m.GetLabel() {
				if lp.GetValue() == labelValue {
					return m
				}
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, labelValue)
	return nil
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	if c := NewCollector(reg); c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordCheckoutProvisioning は結果別カウンタとレイテンシが記録されることを検証する。
func TestRecordCheckoutProvisioning(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordCheckoutProvisioning("cached", 10*time.Millisecond)
	c.RecordCheckoutProvisioning("cached", 10*time.Millisecond)
	c.RecordCheckoutProvisioning("created", 300*time.Millisecond)

	if v := findMetric(t, reg, "linkvault_checkout_provisioning_total", "cached").GetCounter().GetValue(); v != 2 {
		t.Errorf("cached = %v, want 2", v)
	}
	if v := findMetric(t, reg, "linkvault_checkout_provisioning_total", "created").GetCounter().GetValue(); v != 1 {
		t.Errorf("created = %v, want 1", v)
	}
	if n := findMetric(t, reg, "linkvault_checkout_provisioning_latency_seconds", "").GetHistogram().GetSampleCount(); n != 3 {
		t.Errorf("latency sample count = %d, want 3", n)
	}
}

// TestRecordWebhook は受信・処理カウンタを検証する。
func TestRecordWebhook(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWebhookReceived("accepted")
	c.RecordWebhookReceived("rejected")
	c.RecordWebhookProcessed("processed")

	if v := findMetric(t, reg, "linkvault_webhook_received_total", "rejected").GetCounter().GetValue(); v != 1 {
		t.Errorf("rejected = %v, want 1", v)
	}
	if v := findMetric(t, reg, "linkvault_webhook_processed_total", "processed").GetCounter().GetValue(); v != 1 {
		t.Errorf("processed = %v, want 1", v)
	}
}

// TestRecordTokenRefresh はトークンリフレッシュのカウンタを検証する。
func TestRecordTokenRefresh(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordTokenRefresh("skipped")
	c.RecordTokenRefresh("refreshed")
	c.RecordTokenRefresh("refreshed")

	if v := findMetric(t, reg, "linkvault_token_refresh_total", "refreshed").GetCounter().GetValue(); v != 2 {
		t.Errorf("refreshed = %v, want 2", v)
	}
}

// TestRecordHTTPStatus はステータスコード別カウンタを検証する。
func TestRecordHTTPStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(201)
	c.RecordHTTPStatus(409)
	c.RecordHTTPStatus(409)

	if v := findMetric(t, reg, "linkvault_http_status_total", "409").GetCounter().GetValue(); v != 2 {
		t.Errorf("409 = %v, want 2", v)
	}
}
