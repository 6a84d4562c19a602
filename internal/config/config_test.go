package config

import (
	"runtime"
	"testing"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("KCBUILD_ARCH", "x86_64")
	t.Setenv("KCBUILD_WORKERS", "3")

	d, err := LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error = %v", err)
	}
	if d.Arch != "x86_64" {
		t.Errorf("Arch = %q, want x86_64", d.Arch)
	}
	if d.Workers != 3 {
		t.Errorf("Workers = %d, want 3", d.Workers)
	}
	if d.Kind != "root" {
		t.Errorf("Kind = %q, want the root default", d.Kind)
	}
}

func TestLoadDefaultsWorkers(t *testing.T) {
	t.Setenv("KCBUILD_WORKERS", "0")
	d, err := LoadDefaults()
	if err != nil {
		t.Fatalf("LoadDefaults() error = %v", err)
	}
	if d.Workers != runtime.NumCPU() {
		t.Errorf("Workers = %d, want %d", d.Workers, runtime.NumCPU())
	}
}

func TestLoadConfig(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]any
		wantErr bool
	}{
		{
			name: "root",
			set:  map[string]any{"create.kernel": "kernel.release", "create.output": "kc"},
		},
		{
			name:    "root without kernel",
			set:     map[string]any{"create.output": "kc"},
			wantErr: true,
		},
		{
			name:    "no output",
			set:     map[string]any{"create.kernel": "kernel.release"},
			wantErr: true,
		},
		{
			name: "pageable",
			set:  map[string]any{"create.kind": "sys", "create.parent": []string{"boot.kc"}, "create.output": "sys.kc"},
		},
		{
			name:    "pageable without parent",
			set:     map[string]any{"create.kind": "pageable", "create.output": "sys.kc"},
			wantErr: true,
		},
		{
			name:    "bad strip mode",
			set:     map[string]any{"create.kernel": "k", "create.output": "kc", "create.strip": "some"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			viper.Reset()
			t.Cleanup(viper.Reset)
			for k, v := range tt.set {
				viper.Set(k, v)
			}
			c, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && len(c.Create.Arch) != 1 {
				t.Errorf("Arch = %v, want the single default arch", c.Create.Arch)
			}
		})
	}
}
