package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegisterCleanly(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.MessageReceived("discord")
	m.MessageSent("discord")
	m.RecordLLMRequest("anthropic", "claude-sonnet-4-5", "success", 1.2, 100, 50)
	m.RecordToolExecution("web_search", "success", 0.3)
	m.RecordScreeningVerdict("allow")
	m.RecordError("provider", "timeout")
	m.ActiveConversations.Set(3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Fatal("no metric families registered")
	}
}

func TestMetricsCounterValues(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.MessageReceived("discord")
	m.MessageReceived("discord")
	m.MessageSent("discord")

	inbound := testutil.ToFloat64(m.MessageCounter.WithLabelValues("discord", "inbound"))
	if inbound != 2 {
		t.Errorf("inbound counter = %v, want 2", inbound)
	}
	outbound := testutil.ToFloat64(m.MessageCounter.WithLabelValues("discord", "outbound"))
	if outbound != 1 {
		t.Errorf("outbound counter = %v, want 1", outbound)
	}
}

func TestMetricsTokenAccounting(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.RecordLLMRequest("openai", "gpt-4o", "success", 0.8, 120, 40)
	m.RecordLLMRequest("openai", "gpt-4o", "error", 0.1, 10, 0)

	prompt := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("openai", "gpt-4o", "prompt"))
	if prompt != 130 {
		t.Errorf("prompt tokens = %v, want 130", prompt)
	}
	errCount := testutil.ToFloat64(m.LLMRequestCounter.WithLabelValues("openai", "gpt-4o", "error"))
	if errCount != 1 {
		t.Errorf("error requests = %v, want 1", errCount)
	}
}

func TestMetricsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	m.ActiveConversations.Set(7)
	if got := testutil.ToFloat64(m.ActiveConversations); got != 7 {
		t.Errorf("active conversations = %v, want 7", got)
	}
}
