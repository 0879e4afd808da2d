package rag

import (
	"sort"

	"go.uber.org/zap"
)

// FusionConfig tunes Reciprocal Rank Fusion.
type FusionConfig struct {
	// K dampens the dominance of rank-1 items; 60 is the conventional
	// constant from the RRF literature.
	K int `yaml:"k" json:"k"`
	// MaxResults truncates the fused ranking; 0 keeps everything.
	MaxResults int `yaml:"max_results" json:"max_results"`
}

func DefaultFusionConfig() FusionConfig {
	return FusionConfig{K: 60, MaxResults: 20}
}

// Fuser merges independently-ranked result lists into one fused ranking.
// Rank position is the only signal comparable across lexical relevance,
// confidence-weighted path length and cosine similarity, so fusion is
// rank-based rather than score-blending.
type Fuser struct {
	cfg    FusionConfig
	logger *zap.Logger
}

func NewFuser(cfg FusionConfig, logger *zap.Logger) *Fuser {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.K <= 0 {
		cfg.K = DefaultFusionConfig().K
	}
	return &Fuser{cfg: cfg, logger: logger.With(zap.String("component", "fusion"))}
}

// Fuse computes RRF over the given lists. Each list must already be
// deduplicated within itself; an item at 1-based position r in a list
// contributes 1/(K+r). Lists are consumed in the order given and never
// re-sorted. Output is descending by rrf_score with ties broken by
// ascending item id, so identical inputs always produce identical output.
func (f *Fuser) Fuse(lists ...[]RankedResult) []FusedResult {
	fused := make(map[string]*FusedResult)

	for _, list := range lists {
		for i, item := range list {
			rank := i + 1
			entry, ok := fused[item.ItemID]
			if !ok {
				entry = &FusedResult{ItemID: item.ItemID}
				fused[item.ItemID] = entry
			}
			entry.RRFScore += 1.0 / float64(f.cfg.K+rank)
			entry.Sources = append(entry.Sources, SourceRank{
				Source:   item.Source,
				Rank:     rank,
				RawScore: item.RawScore,
			})
		}
	}

	out := make([]FusedResult, 0, len(fused))
	for _, entry := range fused {
		sort.Slice(entry.Sources, func(i, j int) bool {
			if entry.Sources[i].Source != entry.Sources[j].Source {
				return entry.Sources[i].Source < entry.Sources[j].Source
			}
			return entry.Sources[i].Rank < entry.Sources[j].Rank
		})
		out = append(out, *entry)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RRFScore != out[j].RRFScore {
			return out[i].RRFScore > out[j].RRFScore
		}
		return out[i].ItemID < out[j].ItemID
	})

	if f.cfg.MaxResults > 0 && len(out) > f.cfg.MaxResults {
		out = out[:f.cfg.MaxResults]
	}

	f.logger.Debug("fusion completed",
		zap.Int("input_lists", len(lists)),
		zap.Int("fused_items", len(out)),
	)
	return out
}
