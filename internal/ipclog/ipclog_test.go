package ipclog_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-iscsi/initiator/internal/ipclog"
	"github.com/go-iscsi/initiator/pkg/config"
)

func TestNewRespectsLevel(t *testing.T) {
	logger, err := ipclog.New(config.LogConfig{Level: "warn", Format: "text"})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	var buf bytes.Buffer
	logger.SetOutput(&buf)

	logger.Info("should be suppressed")
	logger.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should be suppressed") {
		t.Errorf("info line leaked through a warn-level logger: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn line missing: %q", out)
	}
}

func TestNewRejectsBadLevel(t *testing.T) {
	if _, err := ipclog.New(config.LogConfig{Level: "deafening", Format: "text"}); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestScrubFieldsMasksSecrets(t *testing.T) {
	fields := ipclog.ScrubFields(map[string]string{
		"CHAP_N": "alice",
		"CHAP_R": "0xdeadbeef",
		"TargetName": "iqn.2016-01.com.example:target0",
	})
	if fields["CHAP_R"] != "**********" {
		t.Errorf("CHAP_R not scrubbed: %v", fields["CHAP_R"])
	}
	if fields["CHAP_N"] != "alice" {
		t.Errorf("CHAP_N should not be scrubbed, got %v", fields["CHAP_N"])
	}
	if fields["TargetName"] != "iqn.2016-01.com.example:target0" {
		t.Errorf("TargetName should pass through unchanged")
	}
}

func TestIsSensitive(t *testing.T) {
	cases := map[string]bool{
		"CHAP_R":        true,
		"chap_c":        true,
		"secret":        true,
		"InitiatorName": false,
		"TargetAddress": false,
	}
	for key, want := range cases {
		if got := ipclog.IsSensitive(key); got != want {
			t.Errorf("IsSensitive(%q) = %v, want %v", key, got, want)
		}
	}
}
