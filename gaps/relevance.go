package gaps

import (
	"context"
	"math"
	"runtime"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/teranos/docpulse/errors"
	"github.com/teranos/docpulse/logger"
)

// TitleWeight multiplies keyword hits in an item's title
const TitleWeight = 2

// Item is a candidate document for an incremental run
type Item struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Abstract string `json:"abstract,omitempty"`
}

// Embedder produces a vector for text. Implementations must be safe for
// concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScoreRelevance returns the keyword relevance of item to gap in [0,1]:
// whole-word keyword hits in the title (weighted) plus the abstract,
// normalised by the keyword count.
func ScoreRelevance(item Item, gap Gap) float64 {
	if len(gap.Keywords) == 0 {
		return 0
	}
	title := countTokens(item.Title)
	abstract := countTokens(item.Abstract)

	hits := 0
	for _, kw := range gap.Keywords {
		hits += TitleWeight*title[kw] + abstract[kw]
	}
	return math.Min(1, float64(hits)/float64(len(gap.Keywords)))
}

func countTokens(text string) map[string]int {
	counts := make(map[string]int)
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	return counts
}

// Scorer blends keyword relevance with an optional embedding similarity
type Scorer struct {
	embedder Embedder
	weight   float64
	workers  int
	logger   *zap.SugaredLogger

	mu    sync.Mutex
	cache map[string][]float32
}

// Option configures a Scorer
type Option func(*Scorer)

// WithEmbedder blends cosine similarity from e at the given weight
func WithEmbedder(e Embedder, weight float64) Option {
	return func(s *Scorer) {
		s.embedder = e
		s.weight = math.Max(0, math.Min(1, weight))
	}
}

// WithWorkers bounds concurrent item scoring
func WithWorkers(n int) Option {
	return func(s *Scorer) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scorer) { s.logger = logger.OrNop(log) }
}

// NewScorer creates a Scorer. Without an embedder it scores keywords only.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		workers: runtime.NumCPU(),
		logger:  logger.OrNop(nil),
		cache:   make(map[string][]float32),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score returns the relevance of item to gap. Embedding failures fall back
// to the keyword score.
func (s *Scorer) Score(ctx context.Context, item Item, gap Gap) float64 {
	kw := ScoreRelevance(item, gap)
	if s.embedder == nil || s.weight == 0 {
		return kw
	}

	sim, err := s.similarity(ctx, item, gap)
	if err != nil {
		s.logger.Debugw("Semantic scoring unavailable, using keywords",
			logger.FieldItemID, item.ID,
			logger.FieldError, err.Error())
		return kw
	}
	return math.Max(0, math.Min(1, (1-s.weight)*kw+s.weight*sim))
}

func (s *Scorer) similarity(ctx context.Context, item Item, gap Gap) (float64, error) {
	a, err := s.embed(ctx, "gap:"+gap.String(), gap.Text)
	if err != nil {
		return 0, err
	}
	b, err := s.embed(ctx, "item:"+item.ID, strings.TrimSpace(item.Title+"\n"+item.Abstract))
	if err != nil {
		return 0, err
	}
	return cosine(a, b)
}

func (s *Scorer) embed(ctx context.Context, key, text string) ([]float32, error) {
	s.mu.Lock()
	v, ok := s.cache[key]
	s.mu.Unlock()
	if ok {
		return v, nil
	}

	v, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, errors.Wrapf(err, "embed %s", key)
	}
	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()
	return v, nil
}

func cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, errors.Newf("embedding dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	// Negative similarity carries no relevance
	return math.Max(0, dot/(math.Sqrt(na)*math.Sqrt(nb))), nil
}

// BatchScore returns each item's maximum score across gaps
func (s *Scorer) BatchScore(ctx context.Context, items []Item, gaps []Gap) (map[string]float64, error) {
	scores := make([]float64, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range items {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			best := 0.0
			for _, gap := range gaps {
				if sc := s.Score(gctx, items[i], gap); sc > best {
					best = sc
				}
			}
			scores[i] = best
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "batch scoring cancelled")
	}

	out := make(map[string]float64, len(items))
	for i, item := range items {
		out[item.ID] = scores[i]
	}
	return out, nil
}

// Scored pairs an item with its best relevance score
type Scored struct {
	Item  Item    `json:"item"`
	Score float64 `json:"score"`
}

// Partition splits candidates for an incremental run
type Partition struct {
	Process []Scored `json:"process"`
	Skip    []Scored `json:"skip"`
}

// ProcessIDs returns the ids of items to process, best first
func (p Partition) ProcessIDs() []string {
	ids := make([]string, len(p.Process))
	for i, sc := range p.Process {
		ids[i] = sc.Item.ID
	}
	return ids
}

// Partition scores items and splits them at threshold: items scoring at or
// above it are processed. Both halves are ordered by descending score.
func (s *Scorer) Partition(ctx context.Context, items []Item, gaps []Gap, threshold float64) (Partition, error) {
	scores, err := s.BatchScore(ctx, items, gaps)
	if err != nil {
		return Partition{}, err
	}

	var p Partition
	for _, item := range items {
		sc := Scored{Item: item, Score: scores[item.ID]}
		if sc.Score >= threshold {
			p.Process = append(p.Process, sc)
		} else {
			p.Skip = append(p.Skip, sc)
		}
	}
	byScore := func(list []Scored) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Score > list[j].Score })
	}
	byScore(p.Process)
	byScore(p.Skip)

	s.logger.Infow("Partitioned candidates",
		"process", len(p.Process),
		"skip", len(p.Skip),
		logger.FieldTotalCount, len(items))
	return p, nil
}
