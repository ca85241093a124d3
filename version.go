// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package publisher

import (
	"fmt"
	"runtime/debug"
)

// Version information for the publisher.
const (
	Version      = "0.3.0"
	VersionMajor = 0
	VersionMinor = 3
	VersionPatch = 0
)

// Commit is the VCS revision, set at link time with
// -ldflags "-X github.com/edgeo-scada/publisher.Commit=...".
var Commit = ""

// VersionInfo contains detailed version information.
type VersionInfo struct {
	Version   string
	Major     int
	Minor     int
	Patch     int
	Commit    string
	GoVersion string
}

// GetVersion returns the current version information. Commit falls back to
// the revision recorded in the build info.
func GetVersion() VersionInfo {
	v := VersionInfo{
		Version: Version,
		Major:   VersionMajor,
		Minor:   VersionMinor,
		Patch:   VersionPatch,
		Commit:  Commit,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		v.GoVersion = bi.GoVersion
		for _, s := range bi.Settings {
			if s.Key == "vcs.revision" && v.Commit == "" {
				v.Commit = s.Value
			}
		}
	}
	return v
}

// String renders "0.3.0 (abc1234, go1.24.0)".
func (v VersionInfo) String() string {
	commit := v.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" {
		commit = "unknown"
	}
	return fmt.Sprintf("%s (%s, %s)", v.Version, commit, v.GoVersion)
}
