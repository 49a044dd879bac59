package bucket

import (
	"strings"
	"testing"
	"time"
)

func TestTypesFromYAML(t *testing.T) {
	data := []byte(`
ip:
  size: 10
  per_interval: 10
  interval: 1000
  overrides:
    - name: lan
      match: "192.168.*"
      size: 100
      per_interval: 100
      interval: 1000
unlimited_t:
  size: 1000
  unlimited: true
`)
	types, err := TypesFromYAML(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	ip := types["ip"]
	if ip == nil || ip.Size != 10 || ip.Interval != time.Second {
		t.Fatalf("unexpected ip type: %+v", ip)
	}
	if len(ip.Overrides) != 1 || ip.Overrides[0].Match != "192.168.*" {
		t.Fatalf("unexpected overrides: %+v", ip.Overrides)
	}
	if !types["unlimited_t"].Unlimited {
		t.Fatalf("unlimited flag lost")
	}
}

func TestTypesFromYAMLRejectsUnknownFields(t *testing.T) {
	data := []byte(`
ip:
  size: 10
  per_interval: 10
  interval: 1000
  burst: 50
`)
	if _, err := TypesFromYAML(data); err == nil || !strings.Contains(err.Error(), "burst") {
		t.Fatalf("expected unknown-field rejection, got %v", err)
	}
}

func TestTypesFromYAMLValidates(t *testing.T) {
	data := []byte(`
ip:
  size: 0
  per_interval: 10
  interval: 1000
`)
	if _, err := TypesFromYAML(data); err == nil {
		t.Fatalf("expected validation failure")
	}
}
