package database

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAlertRoundTrip(t *testing.T) {
	db := openTestDB(t)

	id, err := db.InsertAlert(&AlertRecord{
		TimestampNs: 123456789,
		Level:       "CRITICAL",
		PID:         4242,
		Comm:        "stress-ng",
		Score:       0.93,
		Reason:      "cache_miss_spike burst_pattern",
	})
	if err != nil {
		t.Fatalf("InsertAlert: %v", err)
	}
	if id <= 0 {
		t.Fatalf("row id should be positive, got %d", id)
	}

	records, err := db.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d alerts, want 1", len(records))
	}

	rec := records[0]
	if rec.TimestampNs != 123456789 || rec.Level != "CRITICAL" ||
		rec.PID != 4242 || rec.Comm != "stress-ng" || rec.Reason != "cache_miss_spike burst_pattern" {
		t.Errorf("alert fields mismatch: %+v", rec)
	}
}

func TestRecentAlertsOrderAndLimit(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 5; i++ {
		_, err := db.InsertAlert(&AlertRecord{
			TimestampNs: uint64(i),
			Level:       "INFO",
			Reason:      "oscillation",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	records, err := db.RecentAlerts(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 3 {
		t.Fatalf("got %d alerts, want 3", len(records))
	}
	// Newest first.
	if records[0].TimestampNs != 4 || records[2].TimestampNs != 2 {
		t.Errorf("wrong order: %v %v %v",
			records[0].TimestampNs, records[1].TimestampNs, records[2].TimestampNs)
	}
}

func TestBaselineRoundTrip(t *testing.T) {
	db := openTestDB(t)

	latest, err := db.LatestBaseline()
	if err != nil {
		t.Fatal(err)
	}
	if latest != nil {
		t.Fatal("fresh database should have no baseline")
	}

	if err := db.InsertBaseline(&BaselineRecord{
		MeanCacheMissRate:  0.01,
		StdCacheMissRate:   0.001,
		MeanBranchMissRate: 0.005,
		StdBranchMissRate:  0.0005,
		MeanIPC:            1.5,
		StdIPC:             0.05,
		SampleCount:        60000,
	}); err != nil {
		t.Fatal(err)
	}

	latest, err = db.LatestBaseline()
	if err != nil {
		t.Fatal(err)
	}
	if latest == nil {
		t.Fatal("baseline should be found")
	}
	if latest.MeanIPC != 1.5 || latest.SampleCount != 60000 {
		t.Errorf("baseline fields mismatch: %+v", latest)
	}
}

func TestMatchInsert(t *testing.T) {
	db := openTestDB(t)

	alertID, err := db.InsertAlert(&AlertRecord{Level: "WARNING", Reason: "ipc_collapse"})
	if err != nil {
		t.Fatal(err)
	}

	if err := db.InsertMatch(&MatchRecord{
		AlertID:  alertID,
		RuleID:   "rule-1",
		RuleName: "IPC collapse from unknown comm",
		Severity: "high",
		Details:  `["Matched conditions: selection"]`,
	}); err != nil {
		t.Fatalf("InsertMatch: %v", err)
	}

	var count int
	if err := db.Db.QueryRow("SELECT COUNT(*) FROM rule_matches WHERE alert_id = ?", alertID).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("got %d matches, want 1", count)
	}
}
