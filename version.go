package wsys

import (
	"fmt"
	"runtime/debug"
)

// Set with -ldflags "-X github.com/glycerine/wsys.LAST_GIT_COMMIT_HASH=..."
var LAST_GIT_COMMIT_HASH string
var NEAREST_GIT_TAG string
var GIT_BRANCH string
var GO_VERSION string

// ProtocolVersion bumps whenever the packet or control
// framing changes.
const ProtocolVersion = 1

func GetCodeVersion(programName string) string {
	s := fmt.Sprintf("%s protocol: %v / commit: %s / nearest-git-tag: %s / branch: %s / go version: %s\n",
		programName, ProtocolVersion, LAST_GIT_COMMIT_HASH, NEAREST_GIT_TAG, GIT_BRANCH, GO_VERSION)
	if bi, ok := debug.ReadBuildInfo(); ok {
		s += fmt.Sprintf("module: %v %v\n", bi.Main.Path, bi.Main.Version)
	}
	return s
}
