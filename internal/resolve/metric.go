package resolve

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/verity/internal/config"
	"github.com/sells-group/verity/internal/model"
	"github.com/sells-group/verity/pkg/jina"
)

// MetricSelector maps a metric mention onto the extracted metric vocabulary.
// Similarity search runs over vocabulary embeddings only, never over raw
// filing text, so a selected metric always names rows that exist in the
// ledger.
type MetricSelector struct {
	embed         jina.Client
	index         *VocabIndex
	vocab         []string
	folded        map[string][]string
	topK          int
	minSimilarity float64
}

// NewMetricSelector builds a selector over the ledger's distinct metric
// names and their prebuilt embedding index. The index may be empty when the
// vocabulary has not been embedded yet; selection then degrades to lexical
// matching.
func NewMetricSelector(embed jina.Client, vocabulary []string, index *VocabIndex, cfg config.RetrievalConfig) *MetricSelector {
	topK := cfg.TopKMetrics
	if topK <= 0 {
		topK = 5
	}
	s := &MetricSelector{
		embed:         embed,
		index:         index,
		vocab:         vocabulary,
		folded:        make(map[string][]string, len(vocabulary)),
		topK:          topK,
		minSimilarity: cfg.MinMetricSimilarity,
	}
	for _, name := range vocabulary {
		key := foldText(name)
		s.folded[key] = append(s.folded[key], name)
	}
	return s
}

// Select returns ranked vocabulary metrics for a mention. A verbatim or
// folded vocabulary hit short-circuits with score 1.0 and no embedding call.
// Otherwise the mention and the plan's evidence hypothesis are embedded
// together and searched against the vocab index; no candidate above the
// similarity floor is a METRIC_GAP failure. An empty mention means the query
// does not constrain by metric and resolves to no matches.
func (s *MetricSelector) Select(ctx context.Context, mention, hypothesis string) ([]MetricMatch, error) {
	mention = strings.TrimSpace(mention)
	if mention == "" {
		return nil, nil
	}

	for _, name := range s.vocab {
		if name == mention {
			return []MetricMatch{{Metric: name, Score: 1.0}}, nil
		}
	}
	if names, ok := s.folded[foldText(mention)]; ok {
		matches := make([]MetricMatch, 0, len(names))
		for _, name := range names {
			matches = append(matches, MetricMatch{Metric: name, Score: 1.0})
		}
		sortMetricMatches(matches)
		return matches, nil
	}

	if s.index.Empty() {
		zap.L().Warn("resolve: vocab index missing, using lexical metric matching",
			zap.String("mention", mention),
		)
		matches := s.lexicalMatches(mention)
		if len(matches) == 0 {
			return nil, model.NewFailure(model.FailureMetricGap, "no vocabulary metric matched %q", mention)
		}
		return matches, nil
	}

	text := mention
	if hypothesis != "" {
		text = mention + " " + hypothesis
	}
	vecs, err := s.embed.Embed(ctx, []string{text})
	if err != nil {
		return nil, eris.Wrap(err, "resolve: embed metric mention")
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, eris.New("resolve: embedder returned no vector")
	}

	matches := s.index.Search(vecs[0], s.topK, s.minSimilarity)
	if len(matches) == 0 {
		return nil, model.NewFailure(model.FailureMetricGap, "no vocabulary metric matched %q", mention)
	}

	zap.L().Debug("resolve: metric selected",
		zap.String("mention", mention),
		zap.String("top", matches[0].Metric),
		zap.Float64("score", matches[0].Score),
		zap.Int("candidates", len(matches)),
	)
	return matches, nil
}

// lexicalMatches is the no-index fallback: folded substring containment in
// either direction, scored by length ratio so tighter containments rank
// higher.
func (s *MetricSelector) lexicalMatches(mention string) []MetricMatch {
	fm := foldText(mention)
	if fm == "" {
		return nil
	}

	var matches []MetricMatch
	for _, name := range s.vocab {
		fn := foldText(name)
		if fn == "" || (!strings.Contains(fn, fm) && !strings.Contains(fm, fn)) {
			continue
		}
		score := float64(min(len(fm), len(fn))) / float64(max(len(fm), len(fn)))
		matches = append(matches, MetricMatch{Metric: name, Score: score})
	}

	sortMetricMatches(matches)
	if len(matches) > s.topK {
		matches = matches[:s.topK]
	}
	return matches
}
