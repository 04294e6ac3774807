package approval

import "testing"

// Scenario 2: "a plan whose canonical form contains a delete_patient
// step" must classify Critical even with no urgency/financial/link
// signal present.
func TestClassify_BareDestructiveActionIsCritical(t *testing.T) {
	result := Classify(ActionPlan{"action": "delete_patient"}, "")
	if result.Level != RiskCritical {
		t.Fatalf("expected Critical for a bare destructive action plan, got %s (%s)", result.Level, result.Reasoning)
	}
}

func TestClassify_NonDestructiveLowRiskPlanAutoApproves(t *testing.T) {
	result := Classify(ActionPlan{"action": "read_file"}, "")
	if result.Level != RiskLow {
		t.Fatalf("expected Low for a harmless plan, got %s", result.Level)
	}
}

func TestClassify_DestructiveVerbVariantsDetected(t *testing.T) {
	for _, action := range []string{"drop_table", "purge_records", "terminate_session", "revoke_access", "wipe_device"} {
		result := Classify(ActionPlan{"action": action}, "")
		if result.Level != RiskCritical {
			t.Errorf("action %q: expected Critical, got %s", action, result.Level)
		}
	}
}
