package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Criterion selects the impurity measure a tree minimises when splitting.
type Criterion string

const (
	CriterionSquaredError Criterion = "squared_error"
	CriterionGini         Criterion = "gini"
)

// TreeConfig holds the growth limits of a single tree. Zero values mean
// "unlimited" for MaxDepth and "all features" for MaxFeatures.
type TreeConfig struct {
	MaxDepth        int `json:"max_depth"`
	MinSamplesSplit int `json:"min_samples_split"`
	MinSamplesLeaf  int `json:"min_samples_leaf"`
	MaxFeatures     int `json:"max_features"`
}

type DecisionTree struct {
	Criterion Criterion  `json:"criterion"`
	NClasses  int        `json:"n_classes,omitempty"`
	Nodes     []TreeNode `json:"nodes"`
}

// TreeNode is one entry of the flattened tree. Children always sit after
// their parent, so a walk from node 0 terminates.
type TreeNode struct {
	FeatureIdx int       `json:"feature_idx"`
	Threshold  float64   `json:"threshold"`
	LeftChild  int       `json:"left_child"`
	RightChild int       `json:"right_child"`
	Value      []float64 `json:"value"`
	IsLeaf     bool      `json:"is_leaf"`
}

func NewDecisionTree(criterion Criterion, nClasses int) *DecisionTree {
	return &DecisionTree{Criterion: criterion, NClasses: nClasses}
}

// Fit grows the tree on the rows of features selected by samples. A nil
// samples slice uses every row; duplicated indexes (bootstrap draws) count
// once per occurrence.
func (dt *DecisionTree) Fit(features [][]float64, targets []float64, samples []int, cfg TreeConfig, rng *rand.Rand) error {
	if len(features) == 0 || len(targets) == 0 {
		return ErrEmptyDataset
	}
	if len(features) != len(targets) {
		return fmt.Errorf("%w: %d rows, %d targets", ErrShapeMismatch, len(features), len(targets))
	}
	if dt.Criterion == CriterionGini && dt.NClasses <= 0 {
		return errors.New("classification tree needs n_classes > 0")
	}
	if dt.Criterion == CriterionGini {
		if err := checkLabels(targets, dt.NClasses); err != nil {
			return err
		}
	}
	if samples == nil {
		samples = make([]int, len(features))
		for i := range samples {
			samples[i] = i
		}
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	b := &treeBuilder{
		tree:      dt,
		features:  features,
		targets:   targets,
		cfg:       normalizeTreeConfig(cfg, len(features[0])),
		nFeatures: len(features[0]),
		rng:       rng,
	}
	dt.Nodes = dt.Nodes[:0]
	b.build(append([]int(nil), samples...), 0)
	return nil
}

// Predict returns the leaf value reached by features: a single mean for
// regression trees, the class distribution for classification trees.
func (dt *DecisionTree) Predict(features []float64) ([]float64, error) {
	if len(dt.Nodes) == 0 {
		return nil, ErrNotFitted
	}
	idx := 0
	for {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return node.Value, nil
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= len(features) {
			return nil, errors.New("feature index out of range")
		}
		if features[node.FeatureIdx] <= node.Threshold {
			idx = node.LeftChild
		} else {
			idx = node.RightChild
		}
		if idx <= 0 || idx >= len(dt.Nodes) {
			return nil, errors.New("invalid tree state")
		}
	}
}

// Depth returns the length of the longest root-to-leaf path.
func (dt *DecisionTree) Depth() int {
	if len(dt.Nodes) == 0 {
		return 0
	}
	var walk func(idx int) int
	walk = func(idx int) int {
		node := dt.Nodes[idx]
		if node.IsLeaf {
			return 0
		}
		left, right := walk(node.LeftChild), walk(node.RightChild)
		if left > right {
			return left + 1
		}
		return right + 1
	}
	return walk(0)
}

func (dt *DecisionTree) validate(nFeatures int) error {
	if len(dt.Nodes) == 0 {
		return ErrNotFitted
	}
	width := 1
	if dt.Criterion == CriterionGini {
		width = dt.NClasses
	} else if dt.Criterion != CriterionSquaredError {
		return fmt.Errorf("unknown criterion %q", dt.Criterion)
	}
	for i, node := range dt.Nodes {
		if node.IsLeaf {
			if len(node.Value) != width {
				return fmt.Errorf("node %d: leaf value has %d entries, want %d", i, len(node.Value), width)
			}
			continue
		}
		if node.FeatureIdx < 0 || node.FeatureIdx >= nFeatures {
			return fmt.Errorf("node %d: feature index %d out of range", i, node.FeatureIdx)
		}
		if node.LeftChild <= i || node.LeftChild >= len(dt.Nodes) || node.RightChild <= i || node.RightChild >= len(dt.Nodes) {
			return fmt.Errorf("node %d: child index out of range", i)
		}
	}
	return nil
}

func normalizeTreeConfig(cfg TreeConfig, nFeatures int) TreeConfig {
	if cfg.MinSamplesSplit < 2 {
		cfg.MinSamplesSplit = 2
	}
	if cfg.MinSamplesLeaf < 1 {
		cfg.MinSamplesLeaf = 1
	}
	if cfg.MaxFeatures <= 0 || cfg.MaxFeatures > nFeatures {
		cfg.MaxFeatures = nFeatures
	}
	return cfg
}

type treeBuilder struct {
	tree      *DecisionTree
	features  [][]float64
	targets   []float64
	cfg       TreeConfig
	nFeatures int
	rng       *rand.Rand
}

type split struct {
	feature   int
	threshold float64
	score     float64
}

func (b *treeBuilder) build(samples []int, depth int) int {
	idx := len(b.tree.Nodes)
	value := b.leafValue(samples)
	b.tree.Nodes = append(b.tree.Nodes, TreeNode{
		FeatureIdx: -1,
		LeftChild:  -1,
		RightChild: -1,
		Value:      value,
		IsLeaf:     true,
	})

	if len(samples) < b.cfg.MinSamplesSplit || len(samples) < 2*b.cfg.MinSamplesLeaf {
		return idx
	}
	if b.cfg.MaxDepth > 0 && depth >= b.cfg.MaxDepth {
		return idx
	}
	if b.isPure(samples) {
		return idx
	}

	best, ok := b.findBestSplit(samples)
	if !ok {
		return idx
	}
	left, right := b.partition(samples, best)
	if len(left) == 0 || len(right) == 0 {
		return idx
	}

	leftIdx := b.build(left, depth+1)
	rightIdx := b.build(right, depth+1)
	b.tree.Nodes[idx] = TreeNode{
		FeatureIdx: best.feature,
		Threshold:  best.threshold,
		LeftChild:  leftIdx,
		RightChild: rightIdx,
		Value:      value,
		IsLeaf:     false,
	}
	return idx
}

func (b *treeBuilder) candidateFeatures() []int {
	if b.cfg.MaxFeatures >= b.nFeatures {
		all := make([]int, b.nFeatures)
		for i := range all {
			all[i] = i
		}
		return all
	}
	return b.rng.Perm(b.nFeatures)[:b.cfg.MaxFeatures]
}

// findBestSplit sweeps every candidate feature in sorted order and keeps the
// split with the highest proxy score. For squared error the proxy is
// sumL²/nL + sumR²/nR; for gini it is Σc²L/nL + Σc²R/nR. Both are maximised
// exactly where the weighted impurity is minimised.
func (b *treeBuilder) findBestSplit(samples []int) (split, bool) {
	best := split{feature: -1, score: math.Inf(-1)}
	sorted := make([]int, len(samples))
	minLeaf := b.cfg.MinSamplesLeaf

	for _, feature := range b.candidateFeatures() {
		copy(sorted, samples)
		sort.Slice(sorted, func(i, j int) bool {
			return b.features[sorted[i]][feature] < b.features[sorted[j]][feature]
		})
		first := b.features[sorted[0]][feature]
		last := b.features[sorted[len(sorted)-1]][feature]
		if first == last {
			continue
		}

		sweep := b.newSweep(sorted)
		for pos := 1; pos < len(sorted); pos++ {
			sweep.moveLeft(sorted[pos-1])
			if pos < minLeaf || len(sorted)-pos < minLeaf {
				continue
			}
			lo := b.features[sorted[pos-1]][feature]
			hi := b.features[sorted[pos]][feature]
			if lo == hi {
				continue
			}
			score := sweep.score(pos, len(sorted)-pos)
			if score > best.score {
				threshold := lo + (hi-lo)/2
				if threshold >= hi {
					threshold = lo
				}
				best = split{feature: feature, threshold: threshold, score: score}
			}
		}
	}
	return best, best.feature >= 0
}

func (b *treeBuilder) partition(samples []int, s split) ([]int, []int) {
	left := make([]int, 0, len(samples)/2)
	right := make([]int, 0, len(samples)/2)
	for _, i := range samples {
		if b.features[i][s.feature] <= s.threshold {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	return left, right
}

func (b *treeBuilder) leafValue(samples []int) []float64 {
	if b.tree.Criterion == CriterionGini {
		probs := make([]float64, b.tree.NClasses)
		for _, i := range samples {
			probs[classOf(b.targets[i])]++
		}
		for c := range probs {
			probs[c] /= float64(len(samples))
		}
		return probs
	}
	sum := 0.0
	for _, i := range samples {
		sum += b.targets[i]
	}
	return []float64{sum / float64(len(samples))}
}

func (b *treeBuilder) isPure(samples []int) bool {
	first := b.targets[samples[0]]
	for _, i := range samples[1:] {
		if b.targets[i] != first {
			return false
		}
	}
	return true
}

// sweep tracks running left/right statistics while samples move from the
// right partition into the left one.
type sweep struct {
	criterion  Criterion
	targets    []float64
	sumLeft    float64
	sumRight   float64
	countLeft  []float64
	countRight []float64
}

func (b *treeBuilder) newSweep(samples []int) *sweep {
	s := &sweep{criterion: b.tree.Criterion, targets: b.targets}
	if s.criterion == CriterionGini {
		s.countLeft = make([]float64, b.tree.NClasses)
		s.countRight = make([]float64, b.tree.NClasses)
		for _, i := range samples {
			s.countRight[classOf(b.targets[i])]++
		}
		return s
	}
	for _, i := range samples {
		s.sumRight += b.targets[i]
	}
	return s
}

func (s *sweep) moveLeft(sample int) {
	y := s.targets[sample]
	if s.criterion == CriterionGini {
		c := classOf(y)
		s.countLeft[c]++
		s.countRight[c]--
		return
	}
	s.sumLeft += y
	s.sumRight -= y
}

func (s *sweep) score(nLeft, nRight int) float64 {
	if s.criterion == CriterionGini {
		return sumSquares(s.countLeft)/float64(nLeft) + sumSquares(s.countRight)/float64(nRight)
	}
	return s.sumLeft*s.sumLeft/float64(nLeft) + s.sumRight*s.sumRight/float64(nRight)
}

func sumSquares(values []float64) float64 {
	total := 0.0
	for _, v := range values {
		total += v * v
	}
	return total
}

func classOf(label float64) int {
	return int(math.Round(label))
}
