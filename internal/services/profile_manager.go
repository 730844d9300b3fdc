package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/engramhq/engram-backend/internal/domain/memory"
	"github.com/engramhq/engram-backend/internal/platform/envutil"
	"github.com/engramhq/engram-backend/internal/platform/llm"
	"github.com/engramhq/engram-backend/internal/platform/logger"
	"github.com/engramhq/engram-backend/internal/repos"
)

// ProfileManager maintains the per-user running digest: cluster the new
// episode with its topical neighbours, ask the model for profile edits, and
// compact when the profile outgrows its budget.
type ProfileManager interface {
	Update(ctx context.Context, cell *memory.MemCell) error
	Get(ctx context.Context, userID string) (*memory.Profile, error)
	SetCustom(ctx context.Context, userID string, custom map[string]any) (*memory.Profile, error)
}

type ProfileConfig struct {
	// MaxItems is the soft capacity; compaction triggers at 1.5x and shrinks
	// back to 0.7x.
	MaxItems int
	// ClusterThreshold is the cosine floor for joining an existing cluster.
	ClusterThreshold float64
	// ContextEpisodes caps how many cluster siblings accompany the prompt.
	ContextEpisodes int
}

func ProfileConfigFromEnv() ProfileConfig {
	return ProfileConfig{
		MaxItems:         envutil.Int("PROFILE_MAX_ITEMS", 25),
		ClusterThreshold: envutil.Float("PROFILE_CLUSTER_THRESHOLD", 0.55),
		ContextEpisodes:  envutil.Int("PROFILE_CONTEXT_EPISODES", 5),
	}
}

func (c ProfileConfig) withDefaults() ProfileConfig {
	if c.MaxItems <= 0 {
		c.MaxItems = 25
	}
	if c.ClusterThreshold <= 0 || c.ClusterThreshold >= 1 {
		c.ClusterThreshold = 0.55
	}
	if c.ContextEpisodes <= 0 {
		c.ContextEpisodes = 5
	}
	return c
}

type profileManager struct {
	log      *logger.Logger
	cfg      ProfileConfig
	profiles repos.ProfileRepo
	clusters repos.ClusterStateRepo
	cells    repos.MemCellRepo
	llm      llm.Client
}

func NewProfileManager(log *logger.Logger, cfg ProfileConfig, profiles repos.ProfileRepo, clusters repos.ClusterStateRepo, cells repos.MemCellRepo, llmClient llm.Client) ProfileManager {
	return &profileManager{
		log:      log.With("service", "ProfileManager"),
		cfg:      cfg.withDefaults(),
		profiles: profiles,
		clusters: clusters,
		cells:    cells,
		llm:      llmClient,
	}
}

func (p *profileManager) Get(ctx context.Context, userID string) (*memory.Profile, error) {
	return p.profiles.Get(ctx, userID)
}

func (p *profileManager) SetCustom(ctx context.Context, userID string, custom map[string]any) (*memory.Profile, error) {
	profile, err := p.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile = &memory.Profile{UserID: userID}
	}
	if profile.Custom == nil {
		profile.Custom = map[string]any{}
	}
	for k, v := range custom {
		if v == nil {
			delete(profile.Custom, k)
			continue
		}
		profile.Custom[k] = v
	}
	if err := p.profiles.Save(ctx, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *profileManager) Update(ctx context.Context, cell *memory.MemCell) error {
	if cell == nil || cell.EventID == "" {
		return nil
	}

	siblings, err := p.clusterAndNeighbours(ctx, cell)
	if err != nil {
		p.log.Warn("Clustering failed, continuing without topical context",
			"event_id", cell.EventID, "error", err)
		siblings = nil
	}

	var firstErr error
	for _, userID := range cell.Participants {
		if err := p.updateUser(ctx, userID, cell, siblings); err != nil {
			p.log.Warn("Profile update failed for user",
				"user_id", userID, "event_id", cell.EventID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// clusterAndNeighbours assigns the episode to its nearest topic cluster and
// returns the cluster's most recent siblings for prompt context.
func (p *profileManager) clusterAndNeighbours(ctx context.Context, cell *memory.MemCell) ([]memory.MemCell, error) {
	vec := cell.EpisodeEmbedding()
	if len(vec) == 0 {
		return nil, nil
	}

	state, err := p.clusters.Get(ctx, cell.GroupID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &memory.ClusterState{
			GroupID:          cell.GroupID,
			EventIDToCluster: map[string]int{},
			ClusterCentroids: map[string][]float32{},
			ClusterCounts:    map[string]int{},
			ClusterLastTS:    map[string]time.Time{},
		}
	}

	clusterIdx := p.assignCluster(state, cell, vec)
	if err := p.clusters.Save(ctx, state); err != nil {
		return nil, err
	}

	siblingIDs := make([]string, 0, 8)
	for eventID, idx := range state.EventIDToCluster {
		if idx == clusterIdx && eventID != cell.EventID {
			siblingIDs = append(siblingIDs, eventID)
		}
	}
	if len(siblingIDs) == 0 {
		return nil, nil
	}
	cells, err := p.cells.GetByEventIDs(ctx, siblingIDs)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cells, func(i, j int) bool {
		return cells[i].Timestamp.After(cells[j].Timestamp)
	})
	if len(cells) > p.cfg.ContextEpisodes {
		cells = cells[:p.cfg.ContextEpisodes]
	}
	return cells, nil
}

func (p *profileManager) assignCluster(state *memory.ClusterState, cell *memory.MemCell, vec []float32) int {
	bestIdx := -1
	bestSim := p.cfg.ClusterThreshold
	for key, centroid := range state.ClusterCentroids {
		sim := cosine(vec, centroid)
		if sim >= bestSim {
			idx, err := strconv.Atoi(key)
			if err != nil {
				continue
			}
			bestSim = sim
			bestIdx = idx
		}
	}

	if bestIdx < 0 {
		bestIdx = state.NextClusterIdx
		state.NextClusterIdx++
		key := strconv.Itoa(bestIdx)
		state.ClusterCentroids[key] = append([]float32(nil), vec...)
		state.ClusterCounts[key] = 1
		state.ClusterLastTS[key] = cell.Timestamp
	} else {
		key := strconv.Itoa(bestIdx)
		count := state.ClusterCounts[key]
		centroid := state.ClusterCentroids[key]
		// Incremental mean keeps the centroid drifting with its members.
		updated := make([]float32, len(centroid))
		for i := range centroid {
			var v float32
			if i < len(vec) {
				v = vec[i]
			}
			updated[i] = (centroid[i]*float32(count) + v) / float32(count+1)
		}
		state.ClusterCentroids[key] = updated
		state.ClusterCounts[key] = count + 1
		if cell.Timestamp.After(state.ClusterLastTS[key]) {
			state.ClusterLastTS[key] = cell.Timestamp
		}
	}

	state.EventIDs = append(state.EventIDs, cell.EventID)
	state.Timestamps = append(state.Timestamps, cell.Timestamp)
	state.ClusterIDs = append(state.ClusterIDs, bestIdx)
	if state.EventIDToCluster == nil {
		state.EventIDToCluster = map[string]int{}
	}
	state.EventIDToCluster[cell.EventID] = bestIdx
	return bestIdx
}

const profileOpsPrompt = `You maintain a long-term profile of the user %q from their conversation episodes.
The profile has two lists:
- explicit_info: facts the user stated about themselves (category + description)
- implicit_traits: tendencies inferred from behaviour (trait + description)

Current profile (by index):
%s

New episode and related earlier episodes (by short id):
%s

Propose edits as a JSON object:
{"operations": [
  {"action": "add", "type": "explicit"|"implicit", "data": {"category": "...", "trait": "...", "description": "...", "evidence": "...", "sources": ["ep1"]}},
  {"action": "update", "type": "explicit"|"implicit", "index": <i>, "data": {...}},
  {"action": "delete", "type": "explicit"|"implicit", "index": <i>, "reason": "<why it no longer holds>"},
  {"action": "none"}
]}
Only add durable information. Deletions require a reason. Reference episodes by their short ids in sources. Respond {"operations": [{"action": "none"}]} when nothing changed.`

type profileOp struct {
	Action string `json:"action"`
	Type   string `json:"type"`
	Index  int    `json:"index"`
	Reason string `json:"reason"`
	Data   struct {
		Category    string   `json:"category"`
		Trait       string   `json:"trait"`
		Description string   `json:"description"`
		Evidence    string   `json:"evidence"`
		Sources     []string `json:"sources"`
	} `json:"data"`
}

func (p *profileManager) updateUser(ctx context.Context, userID string, cell *memory.MemCell, siblings []memory.MemCell) error {
	profile, err := p.profiles.Get(ctx, userID)
	if err != nil {
		return err
	}
	if profile == nil {
		profile = &memory.Profile{UserID: userID}
	}
	if profile.HasProcessed(cell.EventID) {
		return nil
	}

	shortIDs := map[string]memory.ProfileSource{
		"ep1": {EpisodeID: cell.EventID, Timestamp: cell.Timestamp},
	}
	episodesText := "ep1 (" + cell.Timestamp.UTC().Format(time.RFC3339) + "): " + episodeDigest(cell)
	for i, sib := range siblings {
		short := "ep" + strconv.Itoa(i+2)
		shortIDs[short] = memory.ProfileSource{EpisodeID: sib.EventID, Timestamp: sib.Timestamp}
		episodesText += "\n" + short + " (" + sib.Timestamp.UTC().Format(time.RFC3339) + "): " + episodeDigest(&sib)
	}

	prompt := fmt.Sprintf(profileOpsPrompt, userID, renderProfile(profile), episodesText)
	raw, err := p.llm.GenerateJSON(ctx, prompt, "Propose the profile edits now.")
	if err != nil {
		return fmt.Errorf("profile edit generation: %w", err)
	}
	var payload struct {
		Operations []profileOp `json:"operations"`
	}
	if err := redecode(raw, &payload); err != nil {
		return fmt.Errorf("decode profile operations: %w", err)
	}

	p.applyOps(profile, payload.Operations, shortIDs)
	profile.ProcessedEpisodeIDs = append(profile.ProcessedEpisodeIDs, cell.EventID)

	if profile.ItemCount() > int(float64(p.cfg.MaxItems)*1.5) {
		if err := p.compact(ctx, profile); err != nil {
			p.log.Warn("Profile compaction failed, keeping oversized profile",
				"user_id", userID, "error", err)
		}
	}

	return p.profiles.Save(ctx, profile)
}

func (p *profileManager) applyOps(profile *memory.Profile, ops []profileOp, shortIDs map[string]memory.ProfileSource) {
	// Deletes are collected first and applied in descending index order so
	// earlier deletes do not shift later ones.
	type deletion struct {
		explicit bool
		index    int
	}
	var deletions []deletion

	for _, op := range ops {
		explicit := op.Type == "explicit"
		list := &profile.ImplicitTraits
		if explicit {
			list = &profile.ExplicitInfo
		}
		switch op.Action {
		case "add":
			if op.Data.Description == "" {
				continue
			}
			item := memory.ProfileItem{
				Description: op.Data.Description,
				Evidence:    op.Data.Evidence,
				Sources:     resolveSources(op.Data.Sources, shortIDs),
			}
			if explicit {
				item.Category = op.Data.Category
			} else {
				item.Trait = op.Data.Trait
			}
			if !containsDescription(*list, item.Description) {
				*list = append(*list, item)
			}
		case "update":
			if op.Index < 0 || op.Index >= len(*list) || op.Data.Description == "" {
				continue
			}
			item := &(*list)[op.Index]
			item.Description = op.Data.Description
			if op.Data.Evidence != "" {
				item.Evidence = op.Data.Evidence
			}
			if explicit && op.Data.Category != "" {
				item.Category = op.Data.Category
			}
			if !explicit && op.Data.Trait != "" {
				item.Trait = op.Data.Trait
			}
			if srcs := resolveSources(op.Data.Sources, shortIDs); len(srcs) > 0 {
				item.Sources = appendSources(item.Sources, srcs)
			}
		case "delete":
			// An unexplained delete is ignored: forgetting needs a reason.
			if op.Reason == "" || op.Index < 0 || op.Index >= len(*list) {
				continue
			}
			deletions = append(deletions, deletion{explicit: explicit, index: op.Index})
		}
	}

	sort.Slice(deletions, func(i, j int) bool { return deletions[i].index > deletions[j].index })
	for _, d := range deletions {
		list := &profile.ImplicitTraits
		if d.explicit {
			list = &profile.ExplicitInfo
		}
		if d.index < len(*list) {
			*list = append((*list)[:d.index], (*list)[d.index+1:]...)
		}
	}
}

const compactionPrompt = `You compress a user profile that has grown too large.
Merge overlapping items, drop the least informative ones, and keep at most %d items in total across both lists. Keep descriptions, evidence and source ids of everything you retain.
Respond with a JSON object: {"explicit_info": [{"category": "...", "description": "...", "evidence": "...", "sources": ["<episode_id>"]}], "implicit_traits": [{"trait": "...", "description": "...", "evidence": "...", "sources": ["<episode_id>"]}]}.

Profile:
%s`

func (p *profileManager) compact(ctx context.Context, profile *memory.Profile) error {
	target := int(float64(p.cfg.MaxItems) * 0.7)
	if target < 1 {
		target = 1
	}
	raw, err := p.llm.GenerateJSON(ctx, fmt.Sprintf(compactionPrompt, target, renderProfileWithSources(profile)), "Compact the profile now.")
	if err != nil {
		return err
	}
	var payload struct {
		ExplicitInfo []struct {
			Category    string   `json:"category"`
			Description string   `json:"description"`
			Evidence    string   `json:"evidence"`
			Sources     []string `json:"sources"`
		} `json:"explicit_info"`
		ImplicitTraits []struct {
			Trait       string   `json:"trait"`
			Description string   `json:"description"`
			Evidence    string   `json:"evidence"`
			Sources     []string `json:"sources"`
		} `json:"implicit_traits"`
	}
	if err := redecode(raw, &payload); err != nil {
		return err
	}
	if len(payload.ExplicitInfo)+len(payload.ImplicitTraits) == 0 {
		return fmt.Errorf("compaction returned an empty profile")
	}

	oldSources := sourcesByDescription(profile)

	explicit := make([]memory.ProfileItem, 0, len(payload.ExplicitInfo))
	for _, it := range payload.ExplicitInfo {
		if it.Description == "" || containsDescription(explicit, it.Description) {
			continue
		}
		explicit = append(explicit, memory.ProfileItem{
			Category:    it.Category,
			Description: it.Description,
			Evidence:    it.Evidence,
			Sources:     restoreSources(it.Sources, it.Description, oldSources),
		})
	}
	implicit := make([]memory.ProfileItem, 0, len(payload.ImplicitTraits))
	for _, it := range payload.ImplicitTraits {
		if it.Description == "" || containsDescription(implicit, it.Description) {
			continue
		}
		implicit = append(implicit, memory.ProfileItem{
			Trait:       it.Trait,
			Description: it.Description,
			Evidence:    it.Evidence,
			Sources:     restoreSources(it.Sources, it.Description, oldSources),
		})
	}

	// Hard cap in case the model overshot its budget.
	for len(explicit)+len(implicit) > target {
		if len(implicit) > 0 {
			implicit = implicit[:len(implicit)-1]
		} else {
			explicit = explicit[:len(explicit)-1]
		}
	}

	profile.ExplicitInfo = explicit
	profile.ImplicitTraits = implicit
	return nil
}

func renderProfile(profile *memory.Profile) string {
	var b strings.Builder
	b.WriteString("explicit_info:\n")
	for i, it := range profile.ExplicitInfo {
		fmt.Fprintf(&b, "  [%d] %s: %s\n", i, it.Category, it.Description)
	}
	b.WriteString("implicit_traits:\n")
	for i, it := range profile.ImplicitTraits {
		fmt.Fprintf(&b, "  [%d] %s: %s\n", i, it.Trait, it.Description)
	}
	if profile.ItemCount() == 0 {
		return "(empty)"
	}
	return b.String()
}

func renderProfileWithSources(profile *memory.Profile) string {
	var b strings.Builder
	b.WriteString("explicit_info:\n")
	for _, it := range profile.ExplicitInfo {
		fmt.Fprintf(&b, "  - %s: %s (evidence: %s; sources: %s)\n",
			it.Category, it.Description, it.Evidence, sourceIDs(it.Sources))
	}
	b.WriteString("implicit_traits:\n")
	for _, it := range profile.ImplicitTraits {
		fmt.Fprintf(&b, "  - %s: %s (evidence: %s; sources: %s)\n",
			it.Trait, it.Description, it.Evidence, sourceIDs(it.Sources))
	}
	return b.String()
}

func episodeDigest(cell *memory.MemCell) string {
	if cell.Summary != "" {
		return cell.Summary
	}
	return truncateRunes(cell.Episode, 300)
}

func resolveSources(shorts []string, shortIDs map[string]memory.ProfileSource) []memory.ProfileSource {
	out := make([]memory.ProfileSource, 0, len(shorts))
	for _, s := range shorts {
		if src, ok := shortIDs[strings.TrimSpace(s)]; ok {
			out = append(out, src)
		}
	}
	return out
}

func appendSources(existing, add []memory.ProfileSource) []memory.ProfileSource {
	seen := make(map[string]struct{}, len(existing))
	for _, s := range existing {
		seen[s.EpisodeID] = struct{}{}
	}
	for _, s := range add {
		if _, ok := seen[s.EpisodeID]; ok {
			continue
		}
		seen[s.EpisodeID] = struct{}{}
		existing = append(existing, s)
	}
	return existing
}

func containsDescription(items []memory.ProfileItem, description string) bool {
	needle := strings.ToLower(strings.TrimSpace(description))
	for _, it := range items {
		if strings.ToLower(strings.TrimSpace(it.Description)) == needle {
			return true
		}
	}
	return false
}

func sourcesByDescription(profile *memory.Profile) map[string][]memory.ProfileSource {
	out := map[string][]memory.ProfileSource{}
	for _, it := range profile.ExplicitInfo {
		out[strings.ToLower(strings.TrimSpace(it.Description))] = it.Sources
	}
	for _, it := range profile.ImplicitTraits {
		out[strings.ToLower(strings.TrimSpace(it.Description))] = it.Sources
	}
	return out
}

// restoreSources keeps provenance through compaction: ids the model echoed
// back are trusted, and items whose description survived verbatim get their
// original source list back even when the model dropped it.
func restoreSources(echoed []string, description string, old map[string][]memory.ProfileSource) []memory.ProfileSource {
	if prior, ok := old[strings.ToLower(strings.TrimSpace(description))]; ok && len(prior) > 0 {
		return prior
	}
	out := make([]memory.ProfileSource, 0, len(echoed))
	for _, id := range echoed {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, memory.ProfileSource{EpisodeID: id})
		}
	}
	return out
}

func sourceIDs(sources []memory.ProfileSource) string {
	ids := make([]string, 0, len(sources))
	for _, s := range sources {
		ids = append(ids, s.EpisodeID)
	}
	return strings.Join(ids, ",")
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
