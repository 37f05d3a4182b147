package main

import (
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestVersion_Human_ShowsVersionInfo(t *testing.T) {
	testEnv(t)

	out := mustRun(t, "version")
	for _, want := range []string{"fieldsync dev", "commit:", "built:", "go:", "os:     " + runtime.GOOS + "/" + runtime.GOARCH} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "FIELDSYNC") {
		t.Error("banner should only be drawn on a terminal")
	}
}

func TestVersion_JSON_ReturnsValidJSON(t *testing.T) {
	testEnv(t)

	var info versionInfo
	if err := json.Unmarshal([]byte(mustRun(t, "version", "--json")), &info); err != nil {
		t.Fatalf("version --json is not valid JSON: %v", err)
	}
	if info.Version != version || info.Go != runtime.Version() {
		t.Errorf("info = %+v", info)
	}
}

func TestVersion_BannerOnTTY(t *testing.T) {
	testEnv(t)
	defer setMockTTY(true)()

	out := mustRun(t, "version")
	if !strings.Contains(out, "FIELDSYNC") {
		t.Errorf("TTY output should include the banner:\n%s", out)
	}
}
