package subteam

import (
	"os"
	"strings"

	"conductor/pkg/proto"
)

// ReceiptMarker is the completion receipt a worker must write at the end of
// its artifact. An artifact without it is treated as an interrupted write,
// not a finished deliverable.
const ReceiptMarker = "<!-- conductor:done -->"

// VerifyArtifact checks a worker's output on disk. Trust nothing the worker
// reports: only the artifact itself counts.
func VerifyArtifact(path string, minBytes int) proto.VerifyState {
	info, err := os.Stat(path)
	if err != nil {
		return proto.VerifyMissing
	}
	if info.Size() < int64(minBytes) {
		return proto.VerifyInvalid
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return proto.VerifyMissing
	}
	if !strings.Contains(string(data), ReceiptMarker) {
		return proto.VerifyInvalid
	}
	return proto.VerifyVerified
}
