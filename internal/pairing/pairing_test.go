package pairing

import (
	"net/url"
	"strings"
	"testing"

	"github.com/termlink/termlink/internal/config"
)

func TestPairingURLShape(t *testing.T) {
	cfg := &config.Config{
		Port:       9847,
		DaemonName: "workbench",
		DeviceID:   "abc-123",
		AuthToken:  "s3cret",
	}

	raw, err := PairingURL(cfg)
	if err != nil {
		t.Skipf("no network route in test environment: %v", err)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("pairing URL does not parse: %v", err)
	}
	if u.Scheme != "termlink" {
		t.Errorf("expected termlink scheme, got %q", u.Scheme)
	}
	if u.Port() != "9847" {
		t.Errorf("expected port 9847, got %q", u.Port())
	}
	q := u.Query()
	if q.Get("device_id") != "abc-123" || q.Get("device_name") != "workbench" || q.Get("token") != "s3cret" {
		t.Errorf("query mismatch: %v", q)
	}
}

func TestPairingURLOmitsEmptyToken(t *testing.T) {
	cfg := &config.Config{Port: 9847, DaemonName: "workbench", DeviceID: "abc"}

	raw, err := PairingURL(cfg)
	if err != nil {
		t.Skipf("no network route in test environment: %v", err)
	}
	if strings.Contains(raw, "token=") {
		t.Errorf("empty token should be omitted: %s", raw)
	}
}

func TestConnectionInfoJSON(t *testing.T) {
	ci := ConnectionInfo{Host: "192.168.1.20", Port: 9847, DeviceID: "abc", DeviceName: "workbench"}

	blob, err := ci.JSON()
	if err != nil {
		t.Fatalf("JSON failed: %v", err)
	}
	if !strings.Contains(blob, `"host": "192.168.1.20"`) || !strings.Contains(blob, `"port": 9847`) {
		t.Errorf("unexpected JSON: %s", blob)
	}
	if strings.Contains(blob, "token") {
		t.Errorf("empty token should be omitted: %s", blob)
	}
}

func TestRenderQRProducesBlocks(t *testing.T) {
	out, err := RenderQR("termlink://192.168.1.20:9847?device_id=abc")
	if err != nil {
		t.Fatalf("RenderQR failed: %v", err)
	}
	if !strings.ContainsAny(out, "█▀▄") {
		t.Error("expected half-block characters in terminal QR output")
	}
}
