package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
)

// AlgorithmRandomForest identifies RandomForest state in model artifacts.
const AlgorithmRandomForest = "random_forest/v1"

// ForestConfig holds the forest hyper-parameters.
type ForestConfig struct {
	NumTrees int
	MaxDepth int
	MinLeaf  int
	Seed     int64
}

// RandomForest is a binary classifier of CART trees grown on bootstrap
// samples with √d feature subsampling per split. Classes are weighted to
// balance their total mass, so the positive class is not drowned out by a
// large borrowed negative pool. The JSON form is the persisted model state.
type RandomForest struct {
	Trees       []*rfTree `json:"trees"`
	NumTrees    int       `json:"num_trees"`
	MaxDepth    int       `json:"max_depth"`
	MinLeaf     int       `json:"min_leaf"`
	NumFeatures int       `json:"num_features"`
	Seed        int64     `json:"seed"`
}

type rfTree struct {
	Root *rfNode `json:"root"`
}

type rfNode struct {
	Leaf     bool    `json:"leaf"`
	Prob     float64 `json:"prob"`
	Size     int     `json:"size"`
	Dim      int     `json:"dim,omitempty"`
	SplitVal float64 `json:"split_val,omitempty"`
	Left     *rfNode `json:"left,omitempty"`
	Right    *rfNode `json:"right,omitempty"`
}

// NewRandomForest returns an untrained forest.
func NewRandomForest(cfg ForestConfig) *RandomForest {
	if cfg.NumTrees <= 0 {
		cfg.NumTrees = 100
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = 12
	}
	if cfg.MinLeaf <= 0 {
		cfg.MinLeaf = 2
	}
	return &RandomForest{NumTrees: cfg.NumTrees, MaxDepth: cfg.MaxDepth, MinLeaf: cfg.MinLeaf, Seed: cfg.Seed}
}

// Fit trains on rows X with labels y (1 positive, 0 negative) and returns
// the out-of-bag ROC AUC. Trees are grown concurrently; each has its own
// seeded source so the result does not depend on scheduling.
func (f *RandomForest) Fit(X [][]float64, y []int) (float64, error) {
	n := len(X)
	if n == 0 || n != len(y) {
		return 0, fmt.Errorf("fit: %d rows and %d labels", n, len(y))
	}
	d := len(X[0])
	if d == 0 {
		return 0, errors.New("fit: rows have no features")
	}
	var npos int
	for i, row := range X {
		if len(row) != d {
			return 0, fmt.Errorf("fit: row %d has %d features, want %d", i, len(row), d)
		}
		switch y[i] {
		case 1:
			npos++
		case 0:
		default:
			return 0, fmt.Errorf("fit: label %d at row %d is not binary", y[i], i)
		}
	}
	if npos == 0 || npos == n {
		return 0, errors.New("fit: both classes are required")
	}

	weights := [2]float64{
		float64(n) / (2 * float64(n-npos)),
		float64(n) / (2 * float64(npos)),
	}
	mtry := int(math.Max(1, math.Round(math.Sqrt(float64(d)))))

	f.NumFeatures = d
	f.Trees = make([]*rfTree, f.NumTrees)
	inBag := make([][]bool, f.NumTrees)

	var wg sync.WaitGroup
	for t := 0; t < f.NumTrees; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(f.Seed + int64(t)*7919))
			bag := make([]bool, n)
			idx := make([]int, n)
			for i := range idx {
				j := rng.Intn(n)
				idx[i] = j
				bag[j] = true
			}
			g := &grower{X: X, y: y, w: weights, mtry: mtry, maxDepth: f.MaxDepth, minLeaf: f.MinLeaf, rng: rng}
			f.Trees[t] = &rfTree{Root: g.grow(idx, 0)}
			inBag[t] = bag
		}(t)
	}
	wg.Wait()

	var scores []float64
	var labels []int
	for i := 0; i < n; i++ {
		sum, votes := 0.0, 0
		for t, tree := range f.Trees {
			if inBag[t][i] {
				continue
			}
			sum += tree.Root.predict(X[i])
			votes++
		}
		if votes > 0 {
			scores = append(scores, sum/float64(votes))
			labels = append(labels, y[i])
		}
	}
	return ROCAUC(scores, labels), nil
}

// PredictProba returns the probability that x belongs to the positive class.
// Dimensions beyond len(x) read as zero.
func (f *RandomForest) PredictProba(x []float64) float64 {
	if len(f.Trees) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range f.Trees {
		sum += t.Root.predict(x)
	}
	return sum / float64(len(f.Trees))
}

// Predict returns the class label at a 0.5 probability cut.
func (f *RandomForest) Predict(x []float64) int {
	if f.PredictProba(x) >= 0.5 {
		return 1
	}
	return 0
}

func (f *RandomForest) SaveJSON() ([]byte, error) { return json.Marshal(f) }

// LoadRandomForest restores a forest saved with SaveJSON.
func LoadRandomForest(b []byte) (*RandomForest, error) {
	f := &RandomForest{}
	if err := json.Unmarshal(b, f); err != nil {
		return nil, fmt.Errorf("decode forest: %w", err)
	}
	if len(f.Trees) == 0 {
		return nil, errors.New("decode forest: no trees")
	}
	return f, nil
}

func (nd *rfNode) predict(x []float64) float64 {
	for !nd.Leaf {
		v := 0.0
		if nd.Dim < len(x) {
			v = x[nd.Dim]
		}
		if v < nd.SplitVal {
			nd = nd.Left
		} else {
			nd = nd.Right
		}
	}
	return nd.Prob
}

// grower builds one tree over a bootstrap sample.
type grower struct {
	X        [][]float64
	y        []int
	w        [2]float64
	mtry     int
	maxDepth int
	minLeaf  int
	rng      *rand.Rand
}

func (g *grower) grow(idx []int, depth int) *rfNode {
	var mass [2]float64
	for _, i := range idx {
		mass[g.y[i]] += g.w[g.y[i]]
	}
	leaf := &rfNode{Leaf: true, Size: len(idx), Prob: safeDiv(mass[1], mass[0]+mass[1])}
	if depth >= g.maxDepth || len(idx) < 2*g.minLeaf || mass[0] == 0 || mass[1] == 0 {
		return leaf
	}

	dim, split, ok := g.bestSplit(idx, mass)
	if !ok {
		return leaf
	}
	var left, right []int
	for _, i := range idx {
		if g.X[i][dim] < split {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}
	if len(left) == 0 || len(right) == 0 {
		return leaf
	}
	return &rfNode{
		Size:     len(idx),
		Prob:     leaf.Prob,
		Dim:      dim,
		SplitVal: split,
		Left:     g.grow(left, depth+1),
		Right:    g.grow(right, depth+1),
	}
}

// bestSplit searches mtry random dimensions for the threshold minimising
// weighted gini impurity.
func (g *grower) bestSplit(idx []int, total [2]float64) (int, float64, bool) {
	d := len(g.X[0])
	dims := g.rng.Perm(d)[:g.mtry]
	sorted := make([]int, len(idx))

	bestDim, bestSplit, found := 0, 0.0, false
	bestImpurity := gini(total) * (total[0] + total[1])
	for _, dim := range dims {
		copy(sorted, idx)
		sort.Slice(sorted, func(a, b int) bool { return g.X[sorted[a]][dim] < g.X[sorted[b]][dim] })

		var left [2]float64
		for k := 0; k < len(sorted)-1; k++ {
			i := sorted[k]
			left[g.y[i]] += g.w[g.y[i]]
			lo, hi := g.X[i][dim], g.X[sorted[k+1]][dim]
			if lo == hi || k+1 < g.minLeaf || len(sorted)-k-1 < g.minLeaf {
				continue
			}
			right := [2]float64{total[0] - left[0], total[1] - left[1]}
			impurity := gini(left)*(left[0]+left[1]) + gini(right)*(right[0]+right[1])
			if impurity < bestImpurity-1e-12 {
				bestImpurity = impurity
				bestDim = dim
				bestSplit = lo + (hi-lo)/2
				found = true
			}
		}
	}
	return bestDim, bestSplit, found
}

func gini(m [2]float64) float64 {
	total := m[0] + m[1]
	if total == 0 {
		return 0
	}
	p0, p1 := m[0]/total, m[1]/total
	return 1 - p0*p0 - p1*p1
}

// ROCAUC computes the area under the ROC curve via the rank-sum statistic,
// averaging ranks over ties. It returns 0.5 when either class is absent.
func ROCAUC(scores []float64, labels []int) float64 {
	n := len(scores)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return scores[order[a]] < scores[order[b]] })

	ranks := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && scores[order[j+1]] == scores[order[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[order[k]] = avg
		}
		i = j + 1
	}

	var npos, nneg int
	var rankSum float64
	for i, l := range labels {
		if l == 1 {
			npos++
			rankSum += ranks[i]
		} else {
			nneg++
		}
	}
	if npos == 0 || nneg == 0 {
		return 0.5
	}
	return (rankSum - float64(npos)*float64(npos+1)/2) / (float64(npos) * float64(nneg))
}
