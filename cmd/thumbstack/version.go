package main

import "runtime/debug"

// version is set at release time: -ldflags "-X main.version=v1.0.0".
var version = ""

// getVersion returns the ldflags version, else the module version recorded
// by "go install @version", else "dev".
func getVersion() string {
	if version != "" {
		return version
	}

	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}

	return "dev"
}
