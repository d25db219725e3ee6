package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestGetVersion(t *testing.T) {
	v := getVersion()

	if v == "" {
		t.Error("getVersion() returned empty string")
	}

	// Tests run without ldflags, so expect "dev" or a module version.
	if v != "dev" && !strings.HasPrefix(v, "v") {
		t.Errorf("getVersion() = %q, want 'dev' or 'vX.Y.Z'", v)
	}
}

func TestGetVersion_Ldflags(t *testing.T) {
	old := version
	version = "v9.9.9"
	defer func() { version = old }()

	if got := getVersion(); got != "v9.9.9" {
		t.Errorf("getVersion() = %q, want v9.9.9", got)
	}
}

func TestVersionCmd(t *testing.T) {
	cmd := newVersionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.Run(cmd, nil)

	if !strings.HasPrefix(out.String(), "thumbstack ") {
		t.Errorf("version output = %q, want prefix 'thumbstack '", out.String())
	}
}
