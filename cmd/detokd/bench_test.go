package main

import "testing"

func TestMakeBenchBatch(t *testing.T) {
	reqIDs := []string{"a", "b", "c"}

	cases := []struct {
		name        string
		round       int64
		wantPrompts bool
		wantFrees   bool
		wantReqs    int
	}{
		{name: "first-round-registers", round: 0, wantPrompts: true, wantReqs: 3},
		{name: "middle-round-decodes", round: 1, wantReqs: 3},
		{name: "final-round-frees-only", round: 4, wantFrees: true, wantReqs: 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			batch := makeBenchBatch(reqIDs, tc.round, 5, 4, 100)
			if err := batch.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if len(batch.ReqIDs) != tc.wantReqs {
				t.Fatalf("expected %d requests, got %d", tc.wantReqs, len(batch.ReqIDs))
			}
			if tc.wantFrees && len(batch.FreeReqIDs) != len(reqIDs) {
				t.Fatalf("expected all requests freed, got %v", batch.FreeReqIDs)
			}
			for i := range batch.ReqIDs {
				hasPrompt := len(batch.PromptTokenIDs[i]) > 0
				if hasPrompt != tc.wantPrompts {
					t.Fatalf("round %d: prompt presence = %v, want %v", tc.round, hasPrompt, tc.wantPrompts)
				}
				if len(batch.NewTokenIDs[i]) != 1 {
					t.Fatalf("expected one new id per request, got %v", batch.NewTokenIDs[i])
				}
			}
		})
	}
}
