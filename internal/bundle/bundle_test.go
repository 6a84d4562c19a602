package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

const plistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>%s</string>
	<key>CFBundleVersion</key>
	<string>1.0.0</string>
	%s
</dict>
</plist>
`

func writeBundle(t *testing.T, dir, id, extra string, macos bool) string {
	t.Helper()
	infoDir := dir
	if macos {
		infoDir = filepath.Join(dir, "Contents")
	}
	if err := os.MkdirAll(infoDir, 0o755); err != nil {
		t.Fatal(err)
	}
	dat := []byte(fmt.Sprintf(plistTemplate, id, extra))
	if err := os.WriteFile(filepath.Join(infoDir, "Info.plist"), dat, 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	a := writeBundle(t, filepath.Join(root, "A.kext"), "com.example.a", "", true)
	b := writeBundle(t, filepath.Join(root, "A.kext", "Contents", "PlugIns", "B.kext"), "com.example.b", "", true)
	c := writeBundle(t, filepath.Join(root, "sub", "C.kext"), "com.example.c", "", false)

	got, err := Discover(root)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	want := []string{a, b, c}
	slices.Sort(want)
	if !slices.Equal(got, want) {
		t.Errorf("Discover() = %v, want %v", got, want)
	}

	// a bundle path finds itself and its plug-ins
	got, err = Discover(a)
	if err != nil {
		t.Fatalf("Discover(bundle) error = %v", err)
	}
	if !slices.Equal(got, []string{a, b}) {
		t.Errorf("Discover(bundle) = %v, want %v", got, []string{a, b})
	}
}

func TestLoadCodeless(t *testing.T) {
	dir := writeBundle(t, filepath.Join(t.TempDir(), "Codeless.kext"), "com.example.codeless", `
	<key>OSBundleLibraries</key>
	<dict>
		<key>com.apple.kpi.libkern</key>
		<string>8.0</string>
		<key>com.apple.iokit.IOPCIFamily</key>
		<string>1.0</string>
	</dict>`, true)

	m, err := Load(dir, Options{Arch: "arm64e"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if m.ID != "com.example.codeless" {
		t.Errorf("ID = %q", m.ID)
	}
	if m.HasCode() {
		t.Error("codeless bundle reports code")
	}
	want := []string{"com.apple.iokit.IOPCIFamily", "com.apple.kpi.libkern"}
	if !slices.Equal(m.Dependencies, want) {
		t.Errorf("Dependencies = %v, want %v", m.Dependencies, want)
	}
	if got := m.Info.Libraries()["com.apple.kpi.libkern"]; got != "8.0" {
		t.Errorf("required libkern version = %q, want 8.0", got)
	}
}

func TestLoadErrors(t *testing.T) {
	tmp := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"no info plist", filepath.Join(tmp, "Empty.kext")},
		{"no identifier", writeBundle(t, filepath.Join(tmp, "NoID.kext"), "", "", false)},
		{"missing executable", writeBundle(t, filepath.Join(tmp, "NoExe.kext"), "com.example.noexe",
			"<key>CFBundleExecutable</key>\n\t<string>NoExe</string>", true)},
	}
	if err := os.MkdirAll(filepath.Join(tmp, "Empty.kext"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.path, Options{}); err == nil {
				t.Error("Load() succeeded, want error")
			}
		})
	}
}

func TestLoadAllFilter(t *testing.T) {
	root := t.TempDir()
	writeBundle(t, filepath.Join(root, "A.kext"), "com.example.a", "", true)
	writeBundle(t, filepath.Join(root, "B.kext"), "com.example.b", "", true)
	writeBundle(t, filepath.Join(root, "Broken.kext"), "", "", true)

	mods, err := LoadAll(Options{IDs: []string{"com.example.b"}}, root)
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(mods) != 1 || mods[0].ID != "com.example.b" {
		t.Fatalf("LoadAll() = %v, want only com.example.b", mods)
	}
}
