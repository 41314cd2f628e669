package netstats

import "testing"

func TestRecordRTTFirstSample(t *testing.T) {
	s := New()
	s.RecordRTT(100)
	snap := s.Snapshot()
	if snap.RTTMs != 100 || snap.RTTVarMs != 50 {
		t.Fatalf("got RTT=%v VAR=%v, want 100/50", snap.RTTMs, snap.RTTVarMs)
	}
	if snap.MinRTTMs != 100 || snap.MaxRTTMs != 100 {
		t.Fatalf("min/max = %v/%v, want 100/100", snap.MinRTTMs, snap.MaxRTTMs)
	}
}

func TestRecordRTTEWMA(t *testing.T) {
	s := New()
	s.RecordRTT(100)
	s.RecordRTT(108)
	snap := s.Snapshot()
	// delta=8, rtt += 8/8=1 -> 101; var += (8-50)/4 = -10.5 -> 39.5
	if snap.RTTMs != 101 {
		t.Fatalf("RTT = %v, want 101", snap.RTTMs)
	}
	if snap.RTTVarMs != 39.5 {
		t.Fatalf("VAR = %v, want 39.5", snap.RTTVarMs)
	}
}

func TestRecordRTTMinMax(t *testing.T) {
	s := New()
	s.RecordRTT(100)
	s.RecordRTT(50)
	s.RecordRTT(200)
	snap := s.Snapshot()
	if snap.MinRTTMs != 50 || snap.MaxRTTMs != 200 {
		t.Fatalf("min/max = %v/%v, want 50/200", snap.MinRTTMs, snap.MaxRTTMs)
	}
}

func TestJitterAccumulation(t *testing.T) {
	s := New()
	s.RecordPacketReceived(100, 1000, 1010)
	s.RecordPacketReceived(100, 1020, 1032) // D = |(1032-1020)-(1010-1000)| = |12-10|=2
	snap := s.Snapshot()
	want := 2.0 / 16
	if snap.JitterMs != want {
		t.Fatalf("jitter = %v, want %v", snap.JitterMs, want)
	}
}

func TestLossRate(t *testing.T) {
	s := New()
	s.RecordPacketReceived(10, 0, 0)
	s.RecordPacketReceived(10, 0, 0)
	s.RecordPacketReceived(10, 0, 0)
	s.RecordPacketLost(1)
	snap := s.Snapshot()
	if got, want := snap.LossRate(), 0.25; got != want {
		t.Fatalf("loss rate = %v, want %v", got, want)
	}
}

func TestLossRateNoSamples(t *testing.T) {
	s := New()
	if got := s.Snapshot().LossRate(); got != 0 {
		t.Fatalf("loss rate = %v, want 0", got)
	}
}

func TestGradeExcellent(t *testing.T) {
	s := New()
	s.RecordRTT(10)
	for i := 0; i < 100; i++ {
		s.RecordPacketReceived(10, 0, 0)
	}
	snap := s.Snapshot()
	if g := snap.Grade(); g != GradeExcellent {
		t.Fatalf("grade = %v, want Excellent", g)
	}
}

func TestGradeBadOnHighLoss(t *testing.T) {
	s := New()
	s.RecordRTT(10)
	s.RecordPacketReceived(10, 0, 0)
	s.RecordPacketLost(100)
	snap := s.Snapshot()
	if g := snap.Grade(); g != GradeBad {
		t.Fatalf("grade = %v, want Bad", g)
	}
}

func TestMOSBounds(t *testing.T) {
	s := New()
	s.RecordRTT(10)
	for i := 0; i < 100; i++ {
		s.RecordPacketReceived(10, 0, 0)
	}
	mos := s.Snapshot().MOS()
	if mos < 1 || mos > 4.5 {
		t.Fatalf("MOS = %v, want in [1, 4.5]", mos)
	}
	// A pristine link should score well above the floor.
	if mos < 4.0 {
		t.Fatalf("MOS = %v, want a good-quality score for a pristine link", mos)
	}
}

func TestMOSDegradesUnderLoss(t *testing.T) {
	good := New()
	good.RecordRTT(20)
	for i := 0; i < 100; i++ {
		good.RecordPacketReceived(10, 0, 0)
	}

	bad := New()
	bad.RecordRTT(300)
	bad.RecordPacketReceived(10, 0, 0)
	bad.RecordPacketLost(50)

	if bad.Snapshot().MOS() >= good.Snapshot().MOS() {
		t.Fatalf("expected degraded link to score lower MOS")
	}
}

func TestUpdateBandwidth(t *testing.T) {
	s := New()
	s.UpdateBandwidth(1000) // seed window
	s.RecordPacketReceived(1250, 0, 0) // 1250 bytes = 10000 bits
	s.UpdateBandwidth(1100)            // 100 ms elapsed -> 10000 bits / 100 ms = 100 kbps
	snap := s.Snapshot()
	if snap.BandwidthKbps != 100 {
		t.Fatalf("bandwidth = %v, want 100", snap.BandwidthKbps)
	}
}

func TestOutOfOrderCounter(t *testing.T) {
	s := New()
	s.RecordOutOfOrder()
	s.RecordOutOfOrder()
	if got := s.Snapshot().OutOfOrder; got != 2 {
		t.Fatalf("out-of-order = %v, want 2", got)
	}
}
