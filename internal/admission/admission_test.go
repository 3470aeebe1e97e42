package admission

import (
	"net"
	"testing"
)

func udpAddr(ip string, port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
}

func TestDisabledAdmissionAlwaysAllows(t *testing.T) {
	a := New(Config{})
	for i := 0; i < 100; i++ {
		if !a.Allow(udpAddr("10.0.0.1", 6000+i)) {
			t.Fatalf("disabled Admission refused attempt %d", i)
		}
	}
}

func TestMaxConnectionsPerIPRefusesBeyondLimit(t *testing.T) {
	a := New(Config{Enabled: true, MaxConnectionsPerIP: 2})

	addr1 := udpAddr("10.0.0.1", 6000)
	addr2 := udpAddr("10.0.0.1", 6001)
	addr3 := udpAddr("10.0.0.1", 6002)

	if !a.Allow(addr1) {
		t.Fatal("first connection from IP should be admitted")
	}
	if !a.Allow(addr2) {
		t.Fatal("second connection from IP should be admitted")
	}
	if a.Allow(addr3) {
		t.Fatal("third connection from IP should be refused at MaxConnectionsPerIP=2")
	}
}

func TestReleaseFreesUpSlot(t *testing.T) {
	a := New(Config{Enabled: true, MaxConnectionsPerIP: 1})

	addr := udpAddr("10.0.0.2", 6000)
	if !a.Allow(addr) {
		t.Fatal("first connection should be admitted")
	}
	if a.Allow(udpAddr("10.0.0.2", 6001)) {
		t.Fatal("second connection should be refused while the first is active")
	}

	a.Release(addr)

	if !a.Allow(udpAddr("10.0.0.2", 6002)) {
		t.Fatal("connection after Release should be admitted")
	}
}

func TestMaxConnectionsPerMinuteBansAfterWindowExceeded(t *testing.T) {
	a := New(Config{
		Enabled:                 true,
		MaxConnectionsPerMinute: 2,
		BanDurationSeconds:      60,
	})

	addr := func(port int) *net.UDPAddr { return udpAddr("10.0.0.3", port) }

	if !a.Allow(addr(6000)) {
		t.Fatal("1st attempt should be admitted")
	}
	if !a.Allow(addr(6001)) {
		t.Fatal("2nd attempt should be admitted")
	}
	if a.Allow(addr(6002)) {
		t.Fatal("3rd attempt within the minute should trip the per-minute ban")
	}
	if !a.IsBanned(addr(6003)) {
		t.Fatal("IP should be banned after tripping MaxConnectionsPerMinute")
	}
	if a.Allow(addr(6004)) {
		t.Fatal("attempts while banned should be refused")
	}
}

func TestDistinctIPsAreTrackedIndependently(t *testing.T) {
	a := New(Config{Enabled: true, MaxConnectionsPerIP: 1})

	if !a.Allow(udpAddr("10.0.0.4", 6000)) {
		t.Fatal("first IP's connection should be admitted")
	}
	if !a.Allow(udpAddr("10.0.0.5", 6000)) {
		t.Fatal("a different IP should not be affected by another IP's limit")
	}
}
