package tree

import (
	"context"
	"math"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CraigKelly/prefetch/dist"
	"github.com/CraigKelly/prefetch/rand"
)

// seqKernel hands out fixed offsets in order, cycling if it runs out
type seqKernel struct {
	offsets []float64
	pos     int
}

func (k *seqKernel) Jump(dist.Stream) float64 {
	v := k.offsets[k.pos%len(k.offsets)]
	k.pos++
	return v
}

// constUniform always returns u
type constUniform float64

func (c constUniform) Uniform(dist.Stream) float64 { return float64(c) }

// nullStream is for stubs that ignore the stream
type nullStream struct{}

func (nullStream) Float64() float64     { return 0.5 }
func (nullStream) NormFloat64() float64 { return 0 }

// recordStream logs the order draws are made in
type recordStream struct {
	calls strings.Builder
}

func (r *recordStream) Float64() float64     { r.calls.WriteByte('U'); return 0.5 }
func (r *recordStream) NormFloat64() float64 { r.calls.WriteByte('N'); return 0.1 }

func identity(x float64) (float64, error) { return x, nil }

func newGen(t *testing.T, seed int64) *rand.Generator {
	gen, err := rand.NewGenerator(seed)
	require.NoError(t, err)
	t.Cleanup(gen.Close)
	return gen
}

func TestTreeSizes(t *testing.T) {
	assert := assert.New(t)

	gen := newGen(t, 42)
	jump, err := dist.NewNormal(1.0)
	require.NoError(t, err)

	for depth := 1; depth <= 8; depth++ {
		n := (1 << depth) - 1
		tr, err := New(1.0, 1.0, identity, jump, gen, n, Config{})
		assert.NoError(err)
		assert.Equal(n, tr.Len())
		assert.Equal(depth, tr.Depth())
		assert.Len(tr.Thetas(), n)
		assert.Len(tr.Proposals(), n)
		assert.Equal(1.0, tr.Thetas()[0])
		assert.False(tr.Evaluated())
		assert.Nil(tr.Densities())
	}
}

func TestBadSizes(t *testing.T) {
	assert := assert.New(t)

	jump := &seqKernel{offsets: []float64{1}}

	for _, n := range []int{-3, -1, 0, 2, 4, 6, 8} {
		_, err := New(0, 0, identity, jump, nullStream{}, n, Config{})
		assert.True(errors.Is(err, ErrInvalidConfig), "n=%d", n)

		_, err = New(0, 0, identity, jump, nullStream{}, n, Config{AllowIncomplete: true})
		assert.True(errors.Is(err, ErrInvalidConfig), "n=%d", n)
	}

	// Odd but not complete
	for _, n := range []int{5, 9, 11, 13} {
		_, err := New(0, 0, identity, jump, nullStream{}, n, Config{})
		assert.True(errors.Is(err, ErrInvalidConfig), "n=%d", n)

		tr, err := New(0, 0, identity, jump, nullStream{}, n, Config{AllowIncomplete: true})
		assert.NoError(err)
		assert.Equal(n, tr.Len())
	}

	_, err := New(0, 0, nil, jump, nullStream{}, 3, Config{})
	assert.True(errors.Is(err, ErrInvalidConfig))
	_, err = New(0, 0, identity, nil, nullStream{}, 3, Config{})
	assert.True(errors.Is(err, ErrInvalidConfig))
	_, err = New(0, 0, identity, jump, nil, 3, Config{})
	assert.True(errors.Is(err, ErrInvalidConfig))
	_, err = New(0, 0, identity, jump, nullStream{}, 3, Config{Walk: Walk(9)})
	assert.True(errors.Is(err, ErrInvalidConfig))
}

func TestInheritance(t *testing.T) {
	assert := assert.New(t)

	gen := newGen(t, 7)
	jump, err := dist.NewNormal(2.0)
	require.NoError(t, err)

	tr, err := New(3.25, 3.25, identity, jump, gen, 63, Config{})
	require.NoError(t, err)

	thetas := tr.Thetas()
	props := tr.Proposals()
	assert.Equal(3.25, thetas[0])

	for i := 1; i < len(thetas); i++ {
		if i%2 == 0 {
			assert.Equal(props[(i-2)/2], thetas[i], "right child %d", i)
		} else {
			assert.Equal(thetas[(i-1)/2], thetas[i], "left child %d", i)
		}
	}

	// Children also satisfy the 2p+1 / 2p+2 layout
	for p := 0; 2*p+2 < len(thetas); p++ {
		assert.Equal(thetas[p], thetas[2*p+1])
		assert.Equal(props[p], thetas[2*p+2])
	}
}

func TestThreeNodeScenario(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	d0, d1, d2 := 0.5, -0.25, 1.5
	build := func(w Walk) *Tree {
		tr, err := New(10, 10, identity, &seqKernel{offsets: []float64{d0, d1, d2}}, nullStream{}, 3, Config{Walk: w})
		require.NoError(t, err)
		return tr
	}

	tr := build(WalkChildren)
	assert.Equal([]float64{10, 10, 10 + d0}, tr.Thetas())
	assert.Equal([]float64{10 + d0, 10 + d1, 10 + d0 + d2}, tr.Proposals())

	// u=1 => ln(u)=0: root r=d0>0 accepts and lands on node 2
	sub, err := tr.Draw(ctx, constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal([]float64{10 + d0, 10 + d0 + d2}, sub.Values)
	assert.Equal([]float64{10 + d0, 10 + d0 + d2}, sub.Densities)
	assert.Equal([]bool{true, true}, sub.Accepted)

	// Flip the root jump so the root rejects and lands on node 1
	tr, err = New(10, 10, identity, &seqKernel{offsets: []float64{-d0, d1, d2}}, nullStream{}, 3, Config{})
	require.NoError(t, err)
	sub, err = tr.Draw(ctx, constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal([]float64{10, 10}, sub.Values)
	assert.Equal([]float64{10, 10}, sub.Densities)
	assert.Equal([]bool{false, false}, sub.Accepted)

	v, d := sub.Last()
	assert.Equal(10.0, v)
	assert.Equal(10.0, d)
}

func TestEvaluate(t *testing.T) {
	assert := assert.New(t)

	gen := newGen(t, 99)
	jump, err := dist.NewNormal(1.0)
	require.NoError(t, err)

	var calls int64
	post := func(x float64) (float64, error) {
		atomic.AddInt64(&calls, 1)
		return x, nil
	}

	tr, err := New(0, 0, post, jump, gen, 127, Config{Workers: 4})
	require.NoError(t, err)
	assert.Equal(int64(0), atomic.LoadInt64(&calls), "construction must not evaluate")

	assert.NoError(tr.Evaluate(context.Background()))
	assert.True(tr.Evaluated())
	assert.Equal(tr.Proposals(), tr.Densities())
	assert.Equal(int64(127), atomic.LoadInt64(&calls))

	// Only once per tree, even across draws
	assert.NoError(tr.Evaluate(context.Background()))
	_, err = tr.Draw(context.Background(), dist.StdUniform{}, gen)
	assert.NoError(err)
	_, err = tr.Draw(context.Background(), dist.StdUniform{}, gen)
	assert.NoError(err)
	assert.Equal(int64(127), atomic.LoadInt64(&calls))
}

func TestEvaluateBounded(t *testing.T) {
	assert := assert.New(t)

	var inFlight, most int64
	post := func(x float64) (float64, error) {
		now := atomic.AddInt64(&inFlight, 1)
		for {
			old := atomic.LoadInt64(&most)
			if now <= old || atomic.CompareAndSwapInt64(&most, old, now) {
				break
			}
		}
		time.Sleep(100 * time.Microsecond)
		atomic.AddInt64(&inFlight, -1)
		return x, nil
	}

	tr, err := New(0, 0, post, &seqKernel{offsets: []float64{1}}, nullStream{}, 255, Config{Workers: 3})
	require.NoError(t, err)
	assert.NoError(tr.Evaluate(context.Background()))
	m := atomic.LoadInt64(&most)
	assert.True(m <= 3, "max in flight %d", m)
	assert.True(m >= 1)
}

func TestEvaluateFailure(t *testing.T) {
	assert := assert.New(t)

	boom := errors.New("boom")
	post := func(x float64) (float64, error) {
		if x > 2.5 {
			return 0, boom
		}
		return x, nil
	}

	// Proposals are 1, 1, 2, 1, 2, 2, 3: node 6 fails
	tr, err := New(0, 0, post, &seqKernel{offsets: []float64{1}}, nullStream{}, 7, Config{})
	require.NoError(t, err)

	err = tr.Evaluate(context.Background())
	assert.True(errors.Is(err, boom))
	assert.False(tr.Evaluated())
	assert.Nil(tr.Densities())

	sub, err := tr.Draw(context.Background(), constUniform(0.5), nullStream{})
	assert.Nil(sub)
	assert.True(errors.Is(err, boom))

	// NaN densities fail the batch too
	nan := func(float64) (float64, error) { return math.NaN(), nil }
	tr, err = New(0, 0, nan, &seqKernel{offsets: []float64{1}}, nullStream{}, 3, Config{})
	require.NoError(t, err)
	assert.Error(tr.Evaluate(context.Background()))
}

func TestEvaluateCanceled(t *testing.T) {
	assert := assert.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{1}}, nullStream{}, 15, Config{})
	require.NoError(t, err)

	err = tr.Evaluate(ctx)
	assert.True(errors.Is(err, context.Canceled))
	assert.False(tr.Evaluated())
}

func TestForcedAccept(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// Every jump is +1 under an identity posterior, so r > 0 at every node.
	tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{1}}, nullStream{}, 7, Config{})
	require.NoError(t, err)
	sub, err := tr.Draw(ctx, constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal([]float64{1, 2, 3}, sub.Values) // nodes 0, 2, 6
	assert.Equal([]float64{1, 2, 3}, sub.Densities)
	assert.Equal([]bool{true, true, true}, sub.Accepted)

	// The linear walk visits 0, 2, 4, 6. Node 4 was built for the
	// reject-then-accept history, so its proposal is no better than the
	// current state and r is exactly 0 there.
	tr, err = New(0, 0, identity, &seqKernel{offsets: []float64{1}}, nullStream{}, 7, Config{Walk: WalkLinear})
	require.NoError(t, err)
	sub, err = tr.Draw(ctx, constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal([]float64{1, 2, 2, 3}, sub.Values)
	assert.Equal([]bool{true, true, true, true}, sub.Accepted)
}

func TestForcedReject(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	// ln(u)=0 and every proposal is worse than the state it came from
	tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{-1}}, nullStream{}, 7, Config{})
	require.NoError(t, err)
	sub, err := tr.Draw(ctx, constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal([]float64{0, 0, 0}, sub.Values) // nodes 0, 1, 3
	assert.Equal([]float64{0, 0, 0}, sub.Densities)
	assert.Equal([]bool{false, false, false}, sub.Accepted)

	// Linear walk steps through every node
	tr, err = New(0, 0, identity, &seqKernel{offsets: []float64{-1}}, nullStream{}, 7, Config{Walk: WalkLinear})
	require.NoError(t, err)
	sub, err = tr.Draw(ctx, constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal(7, sub.Len())
	for i := range sub.Values {
		assert.Equal(0.0, sub.Values[i])
		assert.False(sub.Accepted[i])
	}
}

func TestTinyUniformAccepts(t *testing.T) {
	assert := assert.New(t)

	// A very negative ln(u) accepts even clearly worse proposals
	tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{-1}}, nullStream{}, 7, Config{})
	require.NoError(t, err)
	sub, err := tr.Draw(context.Background(), constUniform(1e-300), nullStream{})
	require.NoError(t, err)
	assert.Equal([]float64{-1, -2, -3}, sub.Values)
	assert.Equal([]bool{true, true, true}, sub.Accepted)
}

func TestUniformRange(t *testing.T) {
	assert := assert.New(t)

	for _, u := range []float64{0, -0.5, 1.0000001, 2, math.NaN(), math.Inf(1)} {
		tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{1}}, nullStream{}, 3, Config{})
		require.NoError(t, err)
		sub, err := tr.Draw(context.Background(), constUniform(u), nullStream{})
		assert.Nil(sub)
		assert.True(errors.Is(err, ErrUniformRange), "u=%v", u)
	}

	tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{1}}, nullStream{}, 3, Config{})
	require.NoError(t, err)
	_, err = tr.Draw(context.Background(), nil, nullStream{})
	assert.True(errors.Is(err, ErrInvalidConfig))
}

func TestIncompleteTreeEndsEarly(t *testing.T) {
	assert := assert.New(t)

	// n=5: nodes 3 and 4 exist, 5 and 6 don't. Accepting at the root goes to
	// node 2 whose children are missing, so the walk stops after two steps.
	tr, err := New(0, 0, identity, &seqKernel{offsets: []float64{1}}, nullStream{}, 5, Config{AllowIncomplete: true})
	require.NoError(t, err)
	assert.Equal(3, tr.Depth())

	sub, err := tr.Draw(context.Background(), constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal(2, sub.Len())

	tr, err = New(0, 0, identity, &seqKernel{offsets: []float64{-1}}, nullStream{}, 5, Config{AllowIncomplete: true})
	require.NoError(t, err)
	sub, err = tr.Draw(context.Background(), constUniform(1), nullStream{})
	require.NoError(t, err)
	assert.Equal(3, sub.Len())
}

func TestDrawLength(t *testing.T) {
	assert := assert.New(t)

	gen := newGen(t, 2024)
	jump, err := dist.NewNormal(0.5)
	require.NoError(t, err)

	post := func(x float64) (float64, error) { return dist.LogNormalPDF(x, 0, 1), nil }

	for depth := 1; depth <= 6; depth++ {
		n := (1 << depth) - 1
		for rep := 0; rep < 20; rep++ {
			x := gen.NormFloat64()
			e, _ := post(x)

			tr, err := New(x, e, post, jump, gen, n, Config{})
			require.NoError(t, err)
			sub, err := tr.Draw(context.Background(), dist.StdUniform{}, gen)
			require.NoError(t, err)

			// Complete trees: one node per level, never more than log2(n+1)
			assert.Equal(len(sub.Values), len(sub.Densities))
			assert.Equal(depth, sub.Len())

			tr, err = New(x, e, post, jump, gen, n, Config{Walk: WalkLinear})
			require.NoError(t, err)
			sub, err = tr.Draw(context.Background(), dist.StdUniform{}, gen)
			require.NoError(t, err)
			assert.Equal(len(sub.Values), len(sub.Densities))
			assert.True(sub.Len() >= 1 && sub.Len() <= n)
		}
	}
}

func TestDrawOrder(t *testing.T) {
	assert := assert.New(t)

	s := &recordStream{}
	jump, err := dist.NewNormal(1)
	require.NoError(t, err)

	tr, err := New(0, 0, identity, jump, s, 7, Config{})
	require.NoError(t, err)
	assert.Equal("NNNNNNN", s.calls.String())

	_, err = tr.Draw(context.Background(), dist.StdUniform{}, s)
	require.NoError(t, err)
	assert.Equal("NNNNNNNUUU", s.calls.String())
}

func TestDeterminism(t *testing.T) {
	assert := assert.New(t)

	type result struct {
		thetas, props []float64
		subs          []*SubChain
	}

	run := func() result {
		gen := newGen(t, 13)
		jump, err := dist.NewNormal(0.75)
		require.NoError(t, err)

		var res result
		x, e := 2.1, dist.LogNormalPDF(2.1, 0, 1)
		post := func(v float64) (float64, error) { return dist.LogNormalPDF(v, 0, 1), nil }

		for i := 0; i < 50; i++ {
			tr, err := New(x, e, post, jump, gen, 15, Config{Workers: 8})
			require.NoError(t, err)
			if i == 0 {
				res.thetas, res.props = tr.Thetas(), tr.Proposals()
			}
			sub, err := tr.Draw(context.Background(), dist.StdUniform{}, gen)
			require.NoError(t, err)
			res.subs = append(res.subs, sub)
			x, e = sub.Last()
		}
		return res
	}

	r1, r2 := run(), run()
	assert.Equal(r1.thetas, r2.thetas)
	assert.Equal(r1.props, r2.props)
	assert.Equal(r1.subs, r2.subs)
}

func TestParseWalk(t *testing.T) {
	assert := assert.New(t)

	w, err := ParseWalk("children")
	assert.NoError(err)
	assert.Equal(WalkChildren, w)

	w, err = ParseWalk(" Linear ")
	assert.NoError(err)
	assert.Equal(WalkLinear, w)
	assert.Equal("linear", w.String())

	_, err = ParseWalk("sideways")
	assert.True(errors.Is(err, ErrInvalidConfig))
	assert.Equal("unknown", Walk(42).String())
}

var benchSub *SubChain

func runTreeBench(b *testing.B, n int, workers int) {
	gen, err := rand.NewGenerator(42)
	if err != nil {
		b.Fatalf("Could not init PRNG %v", err)
	}
	defer gen.Close()

	jump, _ := dist.NewNormal(0.1)
	obs := make([]float64, 2000)
	for i := range obs {
		obs[i] = gen.NormFloat64()
	}
	post := func(mu float64) (float64, error) {
		s := 0.0
		for _, x := range obs {
			s += dist.LogNormalPDF(x, mu, 1)
		}
		return s, nil
	}

	x := 0.0
	e, _ := post(x)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tr, err := New(x, e, post, jump, gen, n, Config{Workers: workers})
		if err != nil {
			b.Fatalf("Could not build tree %v", err)
		}
		sub, err := tr.Draw(context.Background(), dist.StdUniform{}, gen)
		if err != nil {
			b.Fatalf("Draw failed (it %d) %v", i, err)
		}
		x, e = sub.Last()
		benchSub = sub
	}
}

func BenchmarkTreeSerial(b *testing.B)   { runTreeBench(b, 15, 1) }
func BenchmarkTreeParallel(b *testing.B) { runTreeBench(b, 15, 0) }
