package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.ConnectionsActive == nil {
		t.Error("ConnectionsActive metric is nil")
	}
	if m.BytesUploaded == nil {
		t.Error("BytesUploaded metric is nil")
	}
}

func TestRecordConnectDisconnect(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordConnect()
	m.RecordConnect()
	m.RecordDisconnect()

	active := testutil.ToFloat64(m.ConnectionsActive)
	if active != 1 {
		t.Errorf("ConnectionsActive = %v, want 1", active)
	}
	total := testutil.ToFloat64(m.ConnectionsTotal)
	if total != 2 {
		t.Errorf("ConnectionsTotal = %v, want 2", total)
	}
}

func TestRecordUDPAssociation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUDPAssociationOpen()
	m.RecordUDPAssociationOpen()
	m.RecordUDPAssociationClose()

	active := testutil.ToFloat64(m.UDPAssociationsActive)
	if active != 1 {
		t.Errorf("UDPAssociationsActive = %v, want 1", active)
	}
	total := testutil.ToFloat64(m.UDPAssociationsTotal)
	if total != 2 {
		t.Errorf("UDPAssociationsTotal = %v, want 2", total)
	}
}

func TestDefaultMetrics(t *testing.T) {
	m1 := Default()
	m2 := Default()

	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
}

type fakeUI struct {
	upload, download uint64
	calls            int
}

func (f *fakeUI) ReportTraffic(upload, download uint64) {
	f.upload, f.download = upload, download
	f.calls++
}

func TestTrafficCounters_AddUploadDownload(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	ui := &fakeUI{}
	tc := NewTrafficCounters(m, ui)

	tc.AddUpload(100)
	tc.AddUpload(50)
	tc.AddDownload(200)

	upload, download := tc.Totals()
	if upload != 150 {
		t.Errorf("upload = %d, want 150", upload)
	}
	if download != 200 {
		t.Errorf("download = %d, want 200", download)
	}

	if ui.calls != 3 {
		t.Errorf("ReportTraffic called %d times, want 3", ui.calls)
	}
	if ui.upload != 150 || ui.download != 200 {
		t.Errorf("last ReportTraffic call = (%d, %d), want (150, 200)", ui.upload, ui.download)
	}

	gotUploaded := testutil.ToFloat64(m.BytesUploaded)
	if gotUploaded != 150 {
		t.Errorf("BytesUploaded metric = %v, want 150", gotUploaded)
	}
}

func TestTrafficCounters_MonotonicWithoutUIOrMetrics(t *testing.T) {
	tc := NewTrafficCounters(nil, nil)

	tc.AddUpload(10)
	tc.AddDownload(5)
	tc.AddUpload(10)

	upload, download := tc.Totals()
	if upload != 20 || download != 5 {
		t.Errorf("Totals() = (%d, %d), want (20, 5)", upload, download)
	}
}
