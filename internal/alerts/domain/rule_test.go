package alerts

import "testing"

func TestRuleValidate(t *testing.T) {
	device := int64(3)
	cases := []struct {
		name  string
		rule  Rule
		valid bool
	}{
		{name: "threshold total", rule: Rule{Name: "a", Kind: KindThresholdRate, ThresholdBytesPerSec: 1}, valid: true},
		{name: "threshold zero", rule: Rule{Name: "a", Kind: KindThresholdRate}},
		{name: "average without window", rule: Rule{Name: "a", Kind: KindThresholdRate, ThresholdBytesPerSec: 1, Evaluation: EvaluationAverage}},
		{name: "offline all devices", rule: Rule{Name: "a", Kind: KindDeviceOffline, OfflineMinutes: 5}, valid: true},
		{name: "offline on total", rule: Rule{Name: "a", Kind: KindDeviceOffline, OfflineMinutes: 5, Scope: ScopeTotal}},
		{name: "device scope without id", rule: Rule{Name: "a", Kind: KindThresholdRate, ThresholdBytesPerSec: 1, Scope: ScopeDevice}},
		{name: "device scope", rule: Rule{Name: "a", Kind: KindDeviceOffline, OfflineMinutes: 5, Scope: ScopeDevice, DeviceID: &device}, valid: true},
		{name: "device id on total", rule: Rule{Name: "a", Kind: KindThresholdRate, ThresholdBytesPerSec: 1, DeviceID: &device}},
		{name: "unknown kind", rule: Rule{Name: "a", Kind: "latency"}},
		{name: "blank name", rule: Rule{Name: "  ", Kind: KindThresholdRate, ThresholdBytesPerSec: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := tc.rule
			rule.Normalize()
			err := rule.Validate()
			if tc.valid && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
