// Package pairing renders the connection QR code that links a mobile client
// to this daemon.
package pairing

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/termlink/termlink/internal/config"
)

// ConnectionInfo is the plain-JSON form of the pairing payload, for clients
// that cannot scan the QR code.
type ConnectionInfo struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	Token      string `json:"token,omitempty"`
}

// Info collects the connection details a client needs to pair.
func Info(cfg *config.Config) (ConnectionInfo, error) {
	host, err := localAddress()
	if err != nil {
		return ConnectionInfo{}, err
	}
	return ConnectionInfo{
		Host:       host,
		Port:       cfg.GetPort(),
		DeviceID:   cfg.GetDeviceID(),
		DeviceName: cfg.GetDaemonName(),
		Token:      cfg.GetAuthToken(),
	}, nil
}

// JSON renders the connection info as indented JSON.
func (ci ConnectionInfo) JSON() (string, error) {
	data, err := json.MarshalIndent(ci, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PairingURL builds the termlink:// URL a client scans to connect.
func PairingURL(cfg *config.Config) (string, error) {
	host, err := localAddress()
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("device_id", cfg.GetDeviceID())
	q.Set("device_name", cfg.GetDaemonName())
	if token := cfg.GetAuthToken(); token != "" {
		q.Set("token", token)
	}

	u := url.URL{
		Scheme:   "termlink",
		Host:     net.JoinHostPort(host, strconv.Itoa(cfg.GetPort())),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// RenderQR returns the pairing URL as a terminal-printable QR code.
func RenderQR(pairingURL string) (string, error) {
	code, err := qrcode.New(pairingURL, qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("failed to build qr code: %w", err)
	}
	return code.ToSmallString(false), nil
}

// localAddress finds the interface address a LAN peer would reach us on.
// The UDP dial never sends a packet; it only resolves the route.
func localAddress() (string, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return "", fmt.Errorf("no network route available: %w", err)
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return "", fmt.Errorf("cannot determine local address")
	}
	return addr.IP.String(), nil
}
