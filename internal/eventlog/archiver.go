package eventlog

import "github.com/rzbill/openstream/pkg/id"

// ArchiverHook is an optional callback invoked after a trim batch commits.
// Implementations may count evictions or schedule exports of the range.
type ArchiverHook interface {
	EmitTrimRange(topic string, partition uint32, minID, maxID id.ID, count int)
}

type noopArchiver struct{}

func (noopArchiver) EmitTrimRange(string, uint32, id.ID, id.ID, int) {}
