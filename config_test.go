package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	config, err := LoadConfig(WithDefaults())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.BindAddress != "0.0.0.0:8080" {
		t.Errorf("unexpected default bind address: %q", config.BindAddress)
	}
	if config.SerialPort != "/dev/ttyUSB0" {
		t.Errorf("unexpected default serial port: %q", config.SerialPort)
	}
	if config.BaudRate != 115200 {
		t.Errorf("unexpected default baud rate: %d", config.BaudRate)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
serial_port = "/dev/ttyACM1"
baud_rate = 230400
apn = "iot.example"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	config, err := LoadConfig(WithDefaults(), WithFile(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.SerialPort != "/dev/ttyACM1" {
		t.Errorf("file value not applied: %q", config.SerialPort)
	}
	if config.BaudRate != 230400 {
		t.Errorf("file value not applied: %d", config.BaudRate)
	}
	if config.APN != "iot.example" {
		t.Errorf("file value not applied: %q", config.APN)
	}
	if config.BindAddress != "0.0.0.0:8080" {
		t.Errorf("default clobbered by partial file: %q", config.BindAddress)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	if _, err := LoadConfig(WithDefaults(), WithFile("")); err != nil {
		t.Errorf("empty path must be a no-op, got %v", err)
	}

	if _, err := LoadConfig(WithDefaults(), WithFile("/nonexistent/config.toml")); err == nil {
		t.Error("expected error for unreadable config file")
	}
}

func TestLoadConfigOptionOverlay(t *testing.T) {
	config, err := LoadConfig(WithDefaults(), WithOptions(Options{
		SerialPort: "/dev/ttyUSB3",
		Debug:      true,
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if config.SerialPort != "/dev/ttyUSB3" {
		t.Errorf("flag value not applied: %q", config.SerialPort)
	}
	if !config.Debug {
		t.Error("debug flag not applied")
	}
	if config.BaudRate != 115200 {
		t.Errorf("unset flag clobbered default: %d", config.BaudRate)
	}
}
