// Package device makes the one-time compute device decision for a process.
package device

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Preferences accepted by Resolve.
const (
	Auto        = "auto"
	Accelerator = "accelerator"
	CPU         = "cpu"
)

// Device is the resolved decision. It is created once at startup and passed
// to whatever needs it.
type Device struct {
	Kind      string `json:"kind"`
	Requested string `json:"requested"`
	Brand     string `json:"brand"`
	Cores     int    `json:"cores"`
	Features  string `json:"features,omitempty"`
}

// Accelerated reports whether the accelerated path was granted.
func (d Device) Accelerated() bool { return d.Kind == Accelerator }

func (d Device) String() string {
	if d.Features == "" {
		return fmt.Sprintf("%s (%s, %d cores)", d.Kind, d.Brand, d.Cores)
	}
	return fmt.Sprintf("%s (%s, %d cores, %s)", d.Kind, d.Brand, d.Cores, d.Features)
}

// Probe reports whether the host offers an accelerated SIMD path.
type Probe func() (ok bool, features []string)

// HostProbe checks the running CPU with cpuid.
func HostProbe() (bool, []string) {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		return true, []string{"AVX512F", "AVX512DQ"}
	case cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3):
		return true, []string{"AVX2", "FMA3"}
	case cpuid.CPU.Supports(cpuid.ASIMD):
		return true, []string{"ASIMD"}
	}
	return false, nil
}

// Resolve turns a preference into a Device using HostProbe.
func Resolve(preference string) (Device, error) {
	return ResolveWith(preference, HostProbe)
}

// ResolveWith turns a preference into a Device. An accelerator that is
// requested but unavailable falls back to the CPU without an error; only an
// unknown preference is rejected.
func ResolveWith(preference string, probe Probe) (Device, error) {
	pref := strings.ToLower(strings.TrimSpace(preference))
	if pref == "" {
		pref = Auto
	}
	if pref != Auto && pref != Accelerator && pref != CPU {
		return Device{}, fmt.Errorf("unknown device %q (want auto, accelerator or cpu)", preference)
	}

	d := Device{
		Kind:      CPU,
		Requested: pref,
		Brand:     cpuid.CPU.BrandName,
		Cores:     runtime.NumCPU(),
	}
	if d.Brand == "" {
		d.Brand = runtime.GOARCH
	}
	if pref == CPU {
		return d, nil
	}
	if ok, features := probe(); ok {
		d.Kind = Accelerator
		d.Features = strings.Join(features, ",")
	}
	return d, nil
}
