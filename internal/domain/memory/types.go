package memory

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Role of a chat turn author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// SyncStatus is the window-entry lifecycle. It only ever advances.
type SyncStatus int

const (
	StatusLog          SyncStatus = -1
	StatusAccumulating SyncStatus = 0
	StatusConsumed     SyncStatus = 1
)

// RawMessage is one chat turn as received on the wire. Immutable once
// written.
type RawMessage struct {
	MessageID  string    `json:"message_id"`
	GroupID    string    `json:"group_id,omitempty"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Role       Role      `json:"role"`
	Content    string    `json:"content"`
	CreateTime time.Time `json:"create_time"`
	ReferList  []string  `json:"refer_list,omitempty"`
}

// WindowEntry persists a RawMessage in the window repository together with
// its sync status. Seq preserves insertion order for create_time ties.
type WindowEntry struct {
	Seq        int64      `gorm:"primaryKey;autoIncrement" json:"-"`
	GroupID    string     `gorm:"type:text;not null;uniqueIndex:uq_window_group_message,priority:1;index:idx_window_group_time,priority:1" json:"group_id"`
	MessageID  string     `gorm:"type:text;not null;uniqueIndex:uq_window_group_message,priority:2" json:"message_id"`
	Sender     string     `gorm:"type:text;not null" json:"sender"`
	SenderName string     `gorm:"type:text" json:"sender_name,omitempty"`
	Role       Role       `gorm:"type:text;not null" json:"role"`
	Content    string     `gorm:"type:text;not null" json:"content"`
	CreateTime time.Time  `gorm:"not null;index:idx_window_group_time,priority:2" json:"create_time"`
	ReferList  []string   `gorm:"serializer:json" json:"refer_list,omitempty"`
	SyncStatus SyncStatus `gorm:"not null;default:-1;index" json:"sync_status"`
	CreatedAt  time.Time  `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"not null" json:"updated_at"`
}

func (WindowEntry) TableName() string { return "window_entry" }

// Message re-materialises the RawMessage carried by this entry.
func (w *WindowEntry) Message() RawMessage {
	return RawMessage{
		MessageID:  w.MessageID,
		GroupID:    w.GroupID,
		Sender:     w.Sender,
		SenderName: w.SenderName,
		Role:       w.Role,
		Content:    w.Content,
		CreateTime: w.CreateTime,
		ReferList:  w.ReferList,
	}
}

// ConversationStatus is the per-group state-machine cursor. Entries in
// [OldMsgStartTime, NewMsgStartTime) are history context; entries from
// NewMsgStartTime on are pending-new. All timestamps are non-decreasing
// across successful ingests of the same group.
type ConversationStatus struct {
	GroupID         string    `gorm:"type:text;primaryKey" json:"group_id"`
	OldMsgStartTime time.Time `gorm:"not null" json:"old_msg_start_time"`
	NewMsgStartTime time.Time `gorm:"not null" json:"new_msg_start_time"`
	LastMemCellTime time.Time `json:"last_memcell_time"`
	UpdatedAt       time.Time `gorm:"not null" json:"updated_at"`
}

func (ConversationStatus) TableName() string { return "conversation_status" }

// SemanticMemory is a durable fact distilled from an episode, optionally
// bounded by a validity interval.
type SemanticMemory struct {
	Content         string     `json:"content"`
	StartTime       *time.Time `json:"start_time,omitempty"`
	EndTime         *time.Time `json:"end_time,omitempty"`
	DurationDays    *int       `json:"duration_days,omitempty"`
	SourceEpisodeID string     `json:"source_episode_id,omitempty"`
	Embedding       []float32  `json:"embedding,omitempty"`
	Evidence        string     `json:"evidence,omitempty"`
}

// EventLog groups the atomic facts of one episode. AtomicFacts and
// FactEmbeddings are index-aligned and must stay the same length.
type EventLog struct {
	Time           time.Time   `json:"time"`
	AtomicFacts    []string    `json:"atomic_fact"`
	FactEmbeddings [][]float32 `json:"fact_embeddings,omitempty"`
}

// Consistent reports whether every atomic fact has its embedding.
func (e *EventLog) Consistent() bool {
	if e == nil {
		return true
	}
	return len(e.AtomicFacts) == len(e.FactEmbeddings)
}

// MemCellType is the origin of a cell; only conversations today.
type MemCellType string

const MemCellTypeConversation MemCellType = "CONVERSATION"

// ExtendKeyEmbedding stashes the episode embedding inside MemCell.Extend so
// the sync fan-out does not recompute it.
const ExtendKeyEmbedding = "embedding"

// MemCell is the parent record of one extracted conversational episode. It
// owns its semantic memories and event log; flattened child records reference
// it by EventID.
type MemCell struct {
	EventID          string            `gorm:"type:text;primaryKey" json:"event_id"`
	Type             MemCellType       `gorm:"type:text;not null;default:CONVERSATION" json:"type"`
	UserID           string            `gorm:"type:text;index" json:"user_id"`
	UserIDList       []string          `gorm:"serializer:json" json:"user_id_list,omitempty"`
	GroupID          string            `gorm:"type:text;index" json:"group_id"`
	Participants     []string          `gorm:"serializer:json" json:"participants,omitempty"`
	Timestamp        time.Time         `gorm:"not null;index" json:"timestamp"`
	Subject          string            `gorm:"type:text" json:"subject,omitempty"`
	Summary          string            `gorm:"type:text" json:"summary,omitempty"`
	Episode          string            `gorm:"type:text" json:"episode,omitempty"`
	SemanticMemories []SemanticMemory  `gorm:"serializer:json" json:"semantic_memories,omitempty"`
	EventLog         *EventLog         `gorm:"serializer:json" json:"event_log,omitempty"`
	OriginalData     []RawMessage      `gorm:"serializer:json" json:"original_data,omitempty"`
	Extend           datatypes.JSONMap `gorm:"type:json" json:"extend,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null" json:"updated_at"`
	DeletedAt        gorm.DeletedAt    `gorm:"index" json:"deleted_at,omitempty"`
}

func (MemCell) TableName() string { return "mem_cell" }

// EpisodeEmbedding reads the stashed embedding out of Extend, tolerating the
// JSON round trip that turns it into []any. Elements come back as float64
// from plain decoding and as json.Number from the JSONMap scanner.
func (m *MemCell) EpisodeEmbedding() []float32 {
	if m == nil || m.Extend == nil {
		return nil
	}
	raw, ok := m.Extend[ExtendKeyEmbedding]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []float32:
		return v
	case []any:
		out := make([]float32, 0, len(v))
		for _, f := range v {
			switch n := f.(type) {
			case float64:
				out = append(out, float32(n))
			case json.Number:
				num, err := n.Float64()
				if err != nil {
					return nil
				}
				out = append(out, float32(num))
			default:
				return nil
			}
		}
		return out
	default:
		return nil
	}
}

// SetEpisodeEmbedding stores the embedding under Extend.
func (m *MemCell) SetEpisodeEmbedding(vec []float32) {
	if m.Extend == nil {
		m.Extend = datatypes.JSONMap{}
	}
	m.Extend[ExtendKeyEmbedding] = vec
}

// EpisodicRecord is the flattened view written to the vector and inverted
// indexes. ID is structural: <parent_event_id>_<kind>_<ordinal> (the episode
// kind carries no ordinal). The same string keys both indexes.
type EpisodicRecord struct {
	ID            string            `gorm:"type:text;primaryKey" json:"id"`
	ParentEventID string            `gorm:"type:text;not null;index" json:"parent_event_id"`
	UserID        string            `gorm:"type:text;index" json:"user_id"`
	GroupID       string            `gorm:"type:text;index" json:"group_id"`
	Participants  []string          `gorm:"serializer:json" json:"participants,omitempty"`
	Timestamp     time.Time         `gorm:"not null;index" json:"timestamp"`
	Episode       string            `gorm:"type:text" json:"episode"`
	SearchContent []string          `gorm:"serializer:json" json:"search_content,omitempty"`
	MemorySubType MemoryKind        `gorm:"type:text;not null;index" json:"memory_sub_type"`
	EventType     MemCellType       `gorm:"type:text;not null" json:"event_type"`
	StartTime     *time.Time        `json:"start_time,omitempty"`
	EndTime       *time.Time        `json:"end_time,omitempty"`
	Extend        datatypes.JSONMap `gorm:"type:json" json:"extend,omitempty"`
	CreatedAt     time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time         `gorm:"not null" json:"updated_at"`
	DeletedAt     gorm.DeletedAt    `gorm:"index" json:"deleted_at,omitempty"`
}

func (EpisodicRecord) TableName() string { return "episodic_memory" }

// ProfileSource ties a profile item back to the episode that evidenced it.
type ProfileSource struct {
	EpisodeID string    `json:"episode_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ProfileItem is one entry of the v2 profile shape. Category is set for
// explicit info, Trait for implicit traits.
type ProfileItem struct {
	Category    string          `json:"category,omitempty"`
	Trait       string          `json:"trait,omitempty"`
	Description string          `json:"description"`
	Evidence    string          `json:"evidence,omitempty"`
	Sources     []ProfileSource `json:"sources,omitempty"`
}

// Profile is the per-user running digest (v2 shape: explicit_info +
// implicit_traits). ProcessedEpisodeIDs is append-only and guards against
// reprocessing the same episode.
type Profile struct {
	UserID              string            `gorm:"type:text;primaryKey" json:"user_id"`
	ExplicitInfo        []ProfileItem     `gorm:"serializer:json" json:"explicit_info,omitempty"`
	ImplicitTraits      []ProfileItem     `gorm:"serializer:json" json:"implicit_traits,omitempty"`
	ProcessedEpisodeIDs []string          `gorm:"serializer:json" json:"processed_episode_ids,omitempty"`
	Custom              datatypes.JSONMap `gorm:"type:json" json:"custom,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`
}

func (Profile) TableName() string { return "user_profile" }

// ItemCount is the capacity-relevant size of the profile.
func (p *Profile) ItemCount() int {
	if p == nil {
		return 0
	}
	return len(p.ExplicitInfo) + len(p.ImplicitTraits)
}

// HasProcessed reports whether an episode already contributed to the profile.
func (p *Profile) HasProcessed(episodeID string) bool {
	if p == nil {
		return false
	}
	for _, id := range p.ProcessedEpisodeIDs {
		if id == episodeID {
			return true
		}
	}
	return false
}

// ClusterState is the per-group running clustering the profile manager
// mutates. Centroid map keys are the cluster index formatted as a string
// (JSON objects cannot key on ints).
type ClusterState struct {
	GroupID          string               `gorm:"type:text;primaryKey" json:"group_id"`
	EventIDs         []string             `gorm:"serializer:json" json:"event_ids,omitempty"`
	Timestamps       []time.Time          `gorm:"serializer:json" json:"timestamps,omitempty"`
	ClusterIDs       []int                `gorm:"serializer:json" json:"cluster_ids,omitempty"`
	EventIDToCluster map[string]int       `gorm:"serializer:json" json:"eventid_to_cluster,omitempty"`
	ClusterCentroids map[string][]float32 `gorm:"serializer:json" json:"cluster_centroids,omitempty"`
	ClusterCounts    map[string]int       `gorm:"serializer:json" json:"cluster_counts,omitempty"`
	ClusterLastTS    map[string]time.Time `gorm:"serializer:json" json:"cluster_last_ts,omitempty"`
	NextClusterIdx   int                  `gorm:"not null;default:0" json:"next_cluster_idx"`
	UpdatedAt        time.Time            `gorm:"not null" json:"updated_at"`
}

func (ClusterState) TableName() string { return "cluster_state" }

// Scene constrains how a conversation group is rendered to the extractor.
type Scene string

const (
	SceneGroupChat Scene = "group_chat"
	SceneAssistant Scene = "assistant"
)

func (s Scene) Valid() bool {
	return s == SceneGroupChat || s == SceneAssistant
}

// ConversationMeta is the per-group configuration record. The record with an
// empty GroupID is the default-fallback record.
type ConversationMeta struct {
	GroupID     string            `gorm:"type:text;primaryKey" json:"group_id"`
	Scene       Scene             `gorm:"type:text;not null;default:group_chat" json:"scene"`
	DisplayName string            `gorm:"type:text" json:"name,omitempty"`
	UserDetails datatypes.JSONMap `gorm:"type:json" json:"user_details,omitempty"`
	Tags        []string          `gorm:"serializer:json" json:"tags,omitempty"`
	Timezone    string            `gorm:"type:text" json:"timezone,omitempty"`
	Version     int               `gorm:"not null;default:1" json:"version"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null" json:"updated_at"`
}

func (ConversationMeta) TableName() string { return "conversation_meta" }

// RequestLog records every ingest request and its outcome.
type RequestLog struct {
	ID          int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	GroupID     string    `gorm:"type:text;index" json:"group_id"`
	MessageID   string    `gorm:"type:text" json:"message_id"`
	StatusInfo  string    `gorm:"type:text" json:"status_info"`
	MemoryCount int       `gorm:"not null;default:0" json:"memory_count"`
	ErrorDetail string    `gorm:"type:text" json:"error_detail,omitempty"`
	CreatedAt   time.Time `gorm:"not null;index" json:"created_at"`
}

func (RequestLog) TableName() string { return "request_log" }

// ImportanceStat aggregates user activity per group; retrieval orders groups
// by (speak+refer)/conversation.
type ImportanceStat struct {
	ID                int64     `gorm:"primaryKey;autoIncrement" json:"-"`
	UserID            string    `gorm:"type:text;not null;uniqueIndex:uq_importance_user_group,priority:1" json:"user_id"`
	GroupID           string    `gorm:"type:text;not null;uniqueIndex:uq_importance_user_group,priority:2" json:"group_id"`
	SpeakCount        int64     `gorm:"not null;default:0" json:"speak_count"`
	ReferCount        int64     `gorm:"not null;default:0" json:"refer_count"`
	ConversationCount int64     `gorm:"not null;default:0" json:"conversation_count"`
	UpdatedAt         time.Time `gorm:"not null" json:"updated_at"`
}

func (ImportanceStat) TableName() string { return "importance_stat" }

// Importance is (speak+refer)/conversation, 0 when nothing counted yet.
// Value receiver so zero values pulled out of maps score directly.
func (s ImportanceStat) Importance() float64 {
	if s.ConversationCount == 0 {
		return 0
	}
	return float64(s.SpeakCount+s.ReferCount) / float64(s.ConversationCount)
}
