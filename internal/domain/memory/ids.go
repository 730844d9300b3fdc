package memory

import (
	"strconv"
	"strings"
)

// MemoryKind is the child-record kind inside a MemCell fan-out.
type MemoryKind string

const (
	KindEpisode  MemoryKind = "episode"
	KindSemantic MemoryKind = "semantic"
	KindEventLog MemoryKind = "eventlog"
)

func (k MemoryKind) Valid() bool {
	switch k {
	case KindEpisode, KindSemantic, KindEventLog:
		return true
	default:
		return false
	}
}

// EpisodeRecordID derives the child id of the single episode record.
func EpisodeRecordID(parentEventID string) string {
	return parentEventID + "_" + string(KindEpisode)
}

// SemanticRecordID derives the child id of the i-th semantic memory.
func SemanticRecordID(parentEventID string, ordinal int) string {
	return parentEventID + "_" + string(KindSemantic) + "_" + strconv.Itoa(ordinal)
}

// EventLogRecordID derives the child id of the j-th atomic fact.
func EventLogRecordID(parentEventID string, ordinal int) string {
	return parentEventID + "_" + string(KindEventLog) + "_" + strconv.Itoa(ordinal)
}

// ParseRecordID splits a structural child id back into parent, kind and
// ordinal. The episode kind has ordinal 0. Returns ok=false for ids this
// service never produced.
func ParseRecordID(id string) (parent string, kind MemoryKind, ordinal int, ok bool) {
	if i := strings.LastIndex(id, "_"+string(KindEpisode)); i > 0 && id[i+1:] == string(KindEpisode) {
		return id[:i], KindEpisode, 0, true
	}
	for _, k := range []MemoryKind{KindSemantic, KindEventLog} {
		marker := "_" + string(k) + "_"
		i := strings.LastIndex(id, marker)
		if i <= 0 {
			continue
		}
		n, err := strconv.Atoi(id[i+len(marker):])
		if err != nil || n < 0 {
			continue
		}
		return id[:i], k, n, true
	}
	return "", "", 0, false
}
