// Package cmf implements Bayesian Collaborative Matrix Factorization for
// nonnegative count matrices via coordinate-ascent variational inference.
package cmf

import (
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"
)

const iterStmt = "Iter: %d, Bound: %.2f, Change: %.5f\n"

var (
	// ErrNotFitted is returned by operations that require a fitted model.
	ErrNotFitted = errors.New("no beta initialized")

	// ErrNumericalInstability is returned when the evidence lower bound
	// degenerates to NaN or infinity during the update loop, instead of
	// letting NaNs propagate silently through the parameter blocks.
	ErrNumericalInstability = errors.New("numerical instability detected")
)

// Attr selects which fitted quantity Transform returns.
type Attr int

const (
	AttrL     Attr = iota // latent row positions (K x m)
	AttrU                 // latent column positions (D x m)
	AttrAlpha             // per-column offset vector (D)
	AttrEb                // expected beta loadings (V x K)
	AttrElogb             // expected log beta loadings (V x K)
)

// String returns the attribute name.
func (a Attr) String() string {
	switch a {
	case AttrL:
		return "l"
	case AttrU:
		return "u"
	case AttrAlpha:
		return "alpha"
	case AttrEb:
		return "Eb"
	case AttrElogb:
		return "Elogb"
	}
	return fmt.Sprintf("Attr(%d)", int(a))
}

// CMF fits a Bayesian collaborative matrix factorization model to a V x D
// nonnegative count matrix. The model combines a Gamma-distributed loading
// factor beta (closed-form coordinate updates) with Gaussian latent position
// matrices l and u (gradient ascent), tied together by a per-column offset
// alpha and a Poisson-style likelihood surrogate. Features:
// - Coordinate-ascent variational inference with gradient inner loops for l and u
// - Closed-form Gamma-Poisson updates for the beta variational parameters
// - ELBO-based convergence monitoring with relative-change stopping rule
// - Per-instance seeded RNG for reproducible initialization (no global state)
// - Transform mode that holds beta fixed and infers l, u, alpha on new columns
// - Gob serialization of fitted state
//
// A CMF instance is not safe for concurrent use: Fit and Transform own and
// mutate all model state for the duration of the call, and the instance's
// random generator is not synchronized. Use one instance per goroutine.
type CMF struct {
	k          int     // latent rank K
	m          int     // latent position dimensionality
	numSteps   int     // inner gradient ascent steps per outer phase
	stepSize   float64 // gradient ascent learning rate
	maxIters   int     // outer iteration cap
	tolerance  float64 // relative ELBO change threshold
	smoothness float64 // concentration of the Gamma initialization draws
	c0         float64 // Gamma prior concentration for beta
	sigma      float64 // prior variance of l (also the std in its ELBO term)
	seed       int64   // RNG seed; 0 selects a time-based seed
	verbose    bool

	rng *rand.Rand

	// Fitted state
	g     *mat.Dense    // Gamma shape (V x K)
	h     *mat.Dense    // Gamma rate (V x K)
	eb    *mat.Dense    // E[beta] = g/h (V x K)
	elogb *mat.Dense    // E[log beta] = digamma(g) - log(h) (V x K)
	l     *mat.Dense    // latent row positions (K x m)
	u     *mat.Dense    // latent column positions (D x m)
	alpha *mat.VecDense // per-column offset (D)

	bounds    []float64 // ELBO after each outer iteration
	iters     int       // outer iterations performed by the last Fit/Transform
	converged bool      // whether the last run stopped on tolerance

	sc *scratch
}

// scratch holds preallocated buffers sized to the current problem shape so
// the hot loops allocate nothing per iteration.
type scratch struct {
	v, d     int
	lut      *mat.Dense // l * u^T (K x D)
	theta    *mat.Dense // alpha + l * u^T (K x D)
	expTheta *mat.Dense // exp(theta) (K x D)
	expElogb *mat.Dense // exp(Elogb) (V x K)
	aux      *mat.Dense // auxsum = exp(Elogb) * exp(theta) (V x D)
	xaux     *mat.Dense // X / auxsum (V x D)
	ebTheta  *mat.Dense // Eb * theta (V x D)
	tmpVK    *mat.Dense // xaux * exp(theta)^T (V x K)
	tmpDK    *mat.Dense // xaux^T * exp(Elogb) (D x K)
	lTemp    *mat.Dense // staging for synchronous l steps (K x m)
	uTemp    *mat.Dense // staging for synchronous u steps (D x m)
	kBuf     []float64  // K-length accumulator
	grad     []float64  // m-length gradient accumulator
}

// Option defines a functional option for configuring CMF.
type Option func(*CMF)

// WithNumSteps sets the number of inner gradient ascent steps per phase.
func WithNumSteps(n int) Option {
	return func(c *CMF) { c.numSteps = n }
}

// WithStepSize sets the gradient ascent learning rate.
func WithStepSize(s float64) Option {
	return func(c *CMF) { c.stepSize = s }
}

// WithMaxIters sets the outer iteration cap.
func WithMaxIters(n int) Option {
	return func(c *CMF) { c.maxIters = n }
}

// WithTolerance sets the relative ELBO change threshold for early stopping.
func WithTolerance(tol float64) Option {
	return func(c *CMF) { c.tolerance = tol }
}

// WithSmoothness sets the concentration of the Gamma initialization draws.
func WithSmoothness(s float64) Option {
	return func(c *CMF) { c.smoothness = s }
}

// WithC0 sets the Gamma prior concentration for beta.
func WithC0(c0 float64) Option {
	return func(c *CMF) { c.c0 = c0 }
}

// WithSigma sets the prior variance for l. Defaults to 1/m.
func WithSigma(sigma float64) Option {
	return func(c *CMF) { c.sigma = sigma }
}

// WithRandomState sets the random seed for reproducibility. A seed of 0
// selects a time-based seed.
func WithRandomState(seed int64) Option {
	return func(c *CMF) { c.seed = seed }
}

// WithVerbose enables per-iteration bound reporting.
func WithVerbose(verbose bool) Option {
	return func(c *CMF) { c.verbose = verbose }
}

// New creates a CMF model with latent rank k and latent position
// dimensionality m.
func New(k, m int, options ...Option) (*CMF, error) {
	if k < 1 {
		return nil, fmt.Errorf("latent rank must be positive, got %d", k)
	}
	if m < 1 {
		return nil, fmt.Errorf("latent dimensionality must be positive, got %d", m)
	}

	c := &CMF{
		k:          k,
		m:          m,
		numSteps:   10,
		stepSize:   0.0001,
		maxIters:   100,
		tolerance:  0.0005,
		smoothness: 100,
		c0:         0.1,
		sigma:      math.NaN(), // resolved to 1/m below unless set
		seed:       22690,
	}

	for _, opt := range options {
		opt(c)
	}

	if math.IsNaN(c.sigma) {
		c.sigma = 1.0 / float64(m)
	}

	if c.numSteps < 0 {
		return nil, fmt.Errorf("number of gradient steps must be nonnegative, got %d", c.numSteps)
	}
	if c.stepSize <= 0 || math.IsNaN(c.stepSize) {
		return nil, fmt.Errorf("step size must be positive, got %v", c.stepSize)
	}
	if c.maxIters < 1 {
		return nil, fmt.Errorf("iteration cap must be positive, got %d", c.maxIters)
	}
	if math.IsNaN(c.tolerance) {
		return nil, errors.New("tolerance must not be NaN")
	}
	if c.smoothness <= 0 || math.IsNaN(c.smoothness) {
		return nil, fmt.Errorf("smoothness must be positive, got %v", c.smoothness)
	}
	if c.c0 <= 0 || math.IsNaN(c.c0) {
		return nil, fmt.Errorf("prior concentration c0 must be positive, got %v", c.c0)
	}
	if c.sigma <= 0 || math.IsNaN(c.sigma) {
		return nil, fmt.Errorf("prior variance sigma must be positive, got %v", c.sigma)
	}

	if c.seed == 0 {
		c.seed = time.Now().UnixNano()
	}
	c.rng = rand.New(rand.NewSource(uint64(c.seed)))

	return c, nil
}

// Fit learns all four parameter blocks from the V x D count matrix X and
// leaves the fitted state on the receiver. Calling Fit again overwrites any
// previous fit.
func (c *CMF) Fit(X *mat.Dense) error {
	if X == nil {
		return errors.New("input matrix is nil")
	}
	v, d := X.Dims()
	if v == 0 || d == 0 {
		return fmt.Errorf("input matrix must be non-empty, got %dx%d", v, d)
	}
	if err := validateCounts(X); err != nil {
		return err
	}

	c.ensureScratch(v, d)
	c.initQBeta(v)
	c.initQL(d)
	c.initQU(d)
	c.alpha = mat.NewVecDense(d, nil)

	return c.update(X, true)
}

// Transform infers latent positions and offsets for a new V x D count matrix
// while holding the fitted beta factor fixed, then returns the block selected
// by attr. The returned matrix aliases the model state; copy it if the model
// will be reused. Requires a prior Fit (or Load) with the same row count V.
func (c *CMF) Transform(X *mat.Dense, attr Attr) (mat.Matrix, error) {
	if c.eb == nil {
		return nil, ErrNotFitted
	}
	if X == nil {
		return nil, errors.New("input matrix is nil")
	}
	v, d := X.Dims()
	vFit, _ := c.eb.Dims()
	if v != vFit {
		return nil, fmt.Errorf("feature dimension mismatch: X has %d rows, model was fit with %d", v, vFit)
	}
	if d == 0 {
		return nil, errors.New("input matrix must have at least one column")
	}
	if err := validateCounts(X); err != nil {
		return nil, err
	}

	c.ensureScratch(v, d)
	c.initQL(d)
	c.initQU(d)
	// The alpha phase at the top of the first cycle overwrites this before
	// anything reads it.
	c.alpha = mat.NewVecDense(d, nil)

	if err := c.update(X, false); err != nil {
		return nil, err
	}

	return c.attrValue(attr)
}

// ELBO evaluates the evidence lower bound of the current model state on X.
// It is a pure function of the fitted parameters: repeated calls with
// unchanged state return identical values.
func (c *CMF) ELBO(X *mat.Dense) (float64, error) {
	if c.eb == nil || c.alpha == nil {
		return 0, ErrNotFitted
	}
	if X == nil {
		return 0, errors.New("input matrix is nil")
	}
	v, d := X.Dims()
	vFit, _ := c.eb.Dims()
	if v != vFit || d != c.alpha.Len() {
		return 0, fmt.Errorf("shape mismatch: X is %dx%d, model state is %dx%d", v, d, vFit, c.alpha.Len())
	}
	c.ensureScratch(v, d)
	return c.bound(X), nil
}

// L returns the latent row position matrix (K x m).
func (c *CMF) L() *mat.Dense { return c.l }

// U returns the latent column position matrix (D x m).
func (c *CMF) U() *mat.Dense { return c.u }

// Alpha returns the per-column offset vector.
func (c *CMF) Alpha() *mat.VecDense { return c.alpha }

// Eb returns the expected beta loadings (V x K).
func (c *CMF) Eb() *mat.Dense { return c.eb }

// Elogb returns the expected log beta loadings (V x K).
func (c *CMF) Elogb() *mat.Dense { return c.elogb }

// Bounds returns the ELBO recorded after each outer iteration of the last
// Fit or Transform call.
func (c *CMF) Bounds() []float64 { return c.bounds }

// Iters returns the number of outer iterations performed by the last Fit or
// Transform call.
func (c *CMF) Iters() int { return c.iters }

// Converged reports whether the last Fit or Transform stopped on the
// tolerance criterion rather than the iteration cap. Exhausting the cap is a
// valid terminal state, not an error.
func (c *CMF) Converged() bool { return c.converged }

func (c *CMF) attrValue(attr Attr) (mat.Matrix, error) {
	switch attr {
	case AttrL:
		return c.l, nil
	case AttrU:
		return c.u, nil
	case AttrAlpha:
		return c.alpha, nil
	case AttrEb:
		return c.eb, nil
	case AttrElogb:
		return c.elogb, nil
	}
	return nil, fmt.Errorf("unknown attribute %s", attr)
}

func validateCounts(X *mat.Dense) error {
	v, d := X.Dims()
	raw := X.RawMatrix()
	for i := 0; i < v; i++ {
		row := raw.Data[i*raw.Stride : i*raw.Stride+d]
		for j, x := range row {
			if math.IsNaN(x) || math.IsInf(x, 0) || x < 0 {
				return fmt.Errorf("input matrix must be nonnegative and finite, got %v at (%d,%d)", x, i, j)
			}
		}
	}
	return nil
}

// ensureScratch sizes the working buffers for a V x D problem, reusing them
// across iterations and calls with the same shape.
func (c *CMF) ensureScratch(v, d int) {
	if c.sc != nil && c.sc.v == v && c.sc.d == d {
		return
	}
	c.sc = &scratch{
		v:        v,
		d:        d,
		lut:      mat.NewDense(c.k, d, nil),
		theta:    mat.NewDense(c.k, d, nil),
		expTheta: mat.NewDense(c.k, d, nil),
		expElogb: mat.NewDense(v, c.k, nil),
		aux:      mat.NewDense(v, d, nil),
		xaux:     mat.NewDense(v, d, nil),
		ebTheta:  mat.NewDense(v, d, nil),
		tmpVK:    mat.NewDense(v, c.k, nil),
		tmpDK:    mat.NewDense(d, c.k, nil),
		lTemp:    mat.NewDense(c.k, c.m, nil),
		uTemp:    mat.NewDense(d, c.m, nil),
		kBuf:     make([]float64, c.k),
		grad:     make([]float64, c.m),
	}
	if c.elogb != nil {
		c.refreshExpElogb()
	}
}

// initQBeta draws the Gamma variational parameters g and h with mean near 1
// and concentration set by smoothness, then derives Eb and Elogb.
func (c *CMF) initQBeta(v int) {
	gamma := distuv.Gamma{Alpha: c.smoothness, Beta: c.smoothness, Src: c.rng}

	gData := make([]float64, v*c.k)
	for i := range gData {
		gData[i] = gamma.Rand()
	}
	hData := make([]float64, v*c.k)
	for i := range hData {
		hData[i] = gamma.Rand()
	}

	c.g = mat.NewDense(v, c.k, gData)
	c.h = mat.NewDense(v, c.k, hData)
	c.eb = mat.NewDense(v, c.k, nil)
	c.elogb = mat.NewDense(v, c.k, nil)
	c.computeExpectations()
}

// initQL draws the K x m latent row positions from a zero-mean Gaussian with
// covariance sigma*I, then adds a single uniform(0,1)*D offset to every
// entry, a symmetry-breaking shift tied to the data size.
func (c *CMF) initQL(d int) {
	normal := distuv.Normal{Mu: 0, Sigma: math.Sqrt(c.sigma), Src: c.rng}

	data := make([]float64, c.k*c.m)
	for i := range data {
		data[i] = normal.Rand()
	}
	offset := c.rng.Float64() * float64(d)
	for i := range data {
		data[i] += offset
	}
	c.l = mat.NewDense(c.k, c.m, data)
}

// initQU draws the D x m latent column positions from a standard Gaussian.
func (c *CMF) initQU(d int) {
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: c.rng}

	data := make([]float64, d*c.m)
	for i := range data {
		data[i] = normal.Rand()
	}
	c.u = mat.NewDense(d, c.m, data)
}

// computeExpectations rederives Eb = g/h and Elogb = digamma(g) - log(h).
// Always called for both together so the derived quantities never go stale
// against g and h.
func (c *CMF) computeExpectations() {
	v, k := c.g.Dims()
	gRaw := c.g.RawMatrix()
	hRaw := c.h.RawMatrix()
	ebRaw := c.eb.RawMatrix()
	elRaw := c.elogb.RawMatrix()
	for i := 0; i < v; i++ {
		for j := 0; j < k; j++ {
			g := gRaw.Data[i*gRaw.Stride+j]
			h := hRaw.Data[i*hRaw.Stride+j]
			ebRaw.Data[i*ebRaw.Stride+j] = g / h
			elRaw.Data[i*elRaw.Stride+j] = mathext.Digamma(g) - math.Log(h)
		}
	}
	if c.sc != nil {
		c.refreshExpElogb()
	}
}

func (c *CMF) refreshExpElogb() {
	v, k := c.elogb.Dims()
	src := c.elogb.RawMatrix()
	dst := c.sc.expElogb.RawMatrix()
	for i := 0; i < v; i++ {
		for j := 0; j < k; j++ {
			dst.Data[i*dst.Stride+j] = math.Exp(src.Data[i*src.Stride+j])
		}
	}
}

// computeTheta rebuilds theta = alpha + l*u^T and exp(theta) from the current
// parameter blocks. Never cached across a phase boundary.
func (c *CMF) computeTheta() {
	s := c.sc
	s.lut.Mul(c.l, c.u.T())

	lutRaw := s.lut.RawMatrix()
	thRaw := s.theta.RawMatrix()
	etRaw := s.expTheta.RawMatrix()
	aData := c.alpha.RawVector().Data
	for k := 0; k < c.k; k++ {
		lRow := lutRaw.Data[k*lutRaw.Stride : k*lutRaw.Stride+s.d]
		tRow := thRaw.Data[k*thRaw.Stride : k*thRaw.Stride+s.d]
		eRow := etRaw.Data[k*etRaw.Stride : k*etRaw.Stride+s.d]
		for di, x := range lRow {
			t := aData[di] + x
			tRow[di] = t
			eRow[di] = math.Exp(t)
		}
	}
}

// computeAux rebuilds auxsum = exp(Elogb) * exp(theta) and X / auxsum.
// Precondition: X finite nonnegative and l, u finite, so the denominator
// stays strictly positive.
func (c *CMF) computeAux(X *mat.Dense) {
	s := c.sc
	s.aux.Mul(s.expElogb, s.expTheta)
	s.xaux.DivElem(X, s.aux)
}

// updateAlpha recenters the per-column offsets so the expected total count
// of each column matches the observed total under the current factors. Note
// theta here excludes alpha itself.
func (c *CMF) updateAlpha(X *mat.Dense) {
	s := c.sc
	s.lut.Mul(c.l, c.u.T())

	// kBuf[k] = sum_v Eb[v][k]
	ebRaw := c.eb.RawMatrix()
	for k := 0; k < c.k; k++ {
		s.kBuf[k] = 0
	}
	vDim, _ := c.eb.Dims()
	for i := 0; i < vDim; i++ {
		row := ebRaw.Data[i*ebRaw.Stride : i*ebRaw.Stride+c.k]
		floats.Add(s.kBuf, row)
	}

	lutRaw := s.lut.RawMatrix()
	xRaw := X.RawMatrix()
	for di := 0; di < s.d; di++ {
		expected := 0.0
		for k := 0; k < c.k; k++ {
			expected += s.kBuf[k] * math.Exp(lutRaw.Data[k*lutRaw.Stride+di])
		}
		observed := 0.0
		for i := 0; i < vDim; i++ {
			observed += xRaw.Data[i*xRaw.Stride+di]
		}
		c.alpha.SetVec(di, math.Log(observed)-math.Log(expected))
	}
}

// updateL runs numSteps full-batch gradient ascent steps on the K rows of l
// holding g, h, u and alpha fixed. Each step is synchronous: all rows read
// the same theta and land in a staging matrix that replaces l only after the
// loop over k.
func (c *CMF) updateL(X *mat.Dense) {
	s := c.sc
	vd := float64(s.v * s.d)

	for step := 0; step < c.numSteps; step++ {
		c.computeTheta()
		c.computeAux(X)
		// tmpDK[d][k] = sum_v xaux[v][d] * exp(Elogb[v][k])
		s.tmpDK.Mul(s.xaux.T(), s.expElogb)

		ebRaw := c.eb.RawMatrix()
		for k := 0; k < c.k; k++ {
			s.kBuf[k] = 0
		}
		for i := 0; i < s.v; i++ {
			floats.Add(s.kBuf, ebRaw.Data[i*ebRaw.Stride:i*ebRaw.Stride+c.k])
		}

		dkRaw := s.tmpDK.RawMatrix()
		etRaw := s.expTheta.RawMatrix()
		uRaw := c.u.RawMatrix()
		lRaw := c.l.RawMatrix()
		ltRaw := s.lTemp.RawMatrix()
		for k := 0; k < c.k; k++ {
			for j := 0; j < c.m; j++ {
				s.grad[j] = 0
			}
			for di := 0; di < s.d; di++ {
				w := etRaw.Data[k*etRaw.Stride+di] * (dkRaw.Data[di*dkRaw.Stride+k] - s.kBuf[k])
				uRow := uRaw.Data[di*uRaw.Stride : di*uRaw.Stride+c.m]
				floats.AddScaled(s.grad, w, uRow)
			}
			// The Gaussian prior contribution enters the double sum over
			// (v,d), hence the V*D scaling and the absent 1/sigma factor.
			for j := 0; j < c.m; j++ {
				lkj := lRaw.Data[k*lRaw.Stride+j]
				ltRaw.Data[k*ltRaw.Stride+j] = lkj + c.stepSize*(s.grad[j]-vd*lkj)
			}
		}
		c.l.Copy(s.lTemp)
	}
}

// updateU is the symmetric counterpart of updateL for the D rows of u, with
// the prior contribution summed over (v,k).
func (c *CMF) updateU(X *mat.Dense) {
	s := c.sc
	vk := float64(s.v * c.k)

	for step := 0; step < c.numSteps; step++ {
		c.computeTheta()
		c.computeAux(X)
		s.tmpDK.Mul(s.xaux.T(), s.expElogb)

		ebRaw := c.eb.RawMatrix()
		for k := 0; k < c.k; k++ {
			s.kBuf[k] = 0
		}
		for i := 0; i < s.v; i++ {
			floats.Add(s.kBuf, ebRaw.Data[i*ebRaw.Stride:i*ebRaw.Stride+c.k])
		}

		dkRaw := s.tmpDK.RawMatrix()
		etRaw := s.expTheta.RawMatrix()
		lRaw := c.l.RawMatrix()
		uRaw := c.u.RawMatrix()
		utRaw := s.uTemp.RawMatrix()
		for di := 0; di < s.d; di++ {
			for j := 0; j < c.m; j++ {
				s.grad[j] = 0
			}
			for k := 0; k < c.k; k++ {
				w := etRaw.Data[k*etRaw.Stride+di] * (dkRaw.Data[di*dkRaw.Stride+k] - s.kBuf[k])
				lRow := lRaw.Data[k*lRaw.Stride : k*lRaw.Stride+c.m]
				floats.AddScaled(s.grad, w, lRow)
			}
			for j := 0; j < c.m; j++ {
				udj := uRaw.Data[di*uRaw.Stride+j]
				utRaw.Data[di*utRaw.Stride+j] = udj + c.stepSize*(s.grad[j]-vk*udj)
			}
		}
		c.u.Copy(s.uTemp)
	}
}

// updateBeta applies the closed-form Gamma-Poisson coordinate update to
// (g, h) given the current l, u and alpha, then rederives Eb and Elogb.
// c0/V keeps the total prior mass at c0 regardless of the row count.
func (c *CMF) updateBeta(X *mat.Dense) {
	s := c.sc
	c.computeTheta()
	c.computeAux(X)

	// tmpVK[v][k] = sum_d xaux[v][d] * exp(theta[k][d])
	s.tmpVK.Mul(s.xaux, s.expTheta.T())

	etRaw := s.expTheta.RawMatrix()
	for k := 0; k < c.k; k++ {
		s.kBuf[k] = floats.Sum(etRaw.Data[k*etRaw.Stride : k*etRaw.Stride+s.d])
	}

	vkRaw := s.tmpVK.RawMatrix()
	eeRaw := s.expElogb.RawMatrix()
	gRaw := c.g.RawMatrix()
	hRaw := c.h.RawMatrix()
	prior := c.c0 / float64(s.v)
	for i := 0; i < s.v; i++ {
		for k := 0; k < c.k; k++ {
			gRaw.Data[i*gRaw.Stride+k] = prior + eeRaw.Data[i*eeRaw.Stride+k]*vkRaw.Data[i*vkRaw.Stride+k]
			hRaw.Data[i*hRaw.Stride+k] = c.c0 + s.kBuf[k]
		}
	}

	c.computeExpectations()
}

// bound evaluates the ELBO: the Poisson-style likelihood surrogate, the
// Gamma term against the (c0, c0/V) prior, and Gaussian log-densities for l
// (std sigma) and u (std 1). Pure with respect to the model state.
func (c *CMF) bound(X *mat.Dense) float64 {
	s := c.sc
	c.computeTheta()
	s.aux.Mul(s.expElogb, s.expTheta)
	s.ebTheta.Mul(c.eb, s.theta)

	xRaw := X.RawMatrix()
	auxRaw := s.aux.RawMatrix()
	ebtRaw := s.ebTheta.RawMatrix()
	total := 0.0
	for i := 0; i < s.v; i++ {
		for j := 0; j < s.d; j++ {
			total += xRaw.Data[i*xRaw.Stride+j]*math.Log(auxRaw.Data[i*auxRaw.Stride+j]) -
				ebtRaw.Data[i*ebtRaw.Stride+j]
		}
	}

	total += gammaTerm(c.c0, c.c0/float64(s.v), c.g, c.h, c.eb, c.elogb)

	lPrior := distuv.Normal{Mu: 0, Sigma: c.sigma}
	lRaw := c.l.RawMatrix()
	for i := 0; i < c.k; i++ {
		for j := 0; j < c.m; j++ {
			total += lPrior.LogProb(lRaw.Data[i*lRaw.Stride+j])
		}
	}

	uPrior := distuv.Normal{Mu: 0, Sigma: 1}
	uRaw := c.u.RawMatrix()
	for i := 0; i < s.d; i++ {
		for j := 0; j < c.m; j++ {
			total += uPrior.LogProb(uRaw.Data[i*uRaw.Stride+j])
		}
	}

	return total
}

// gammaTerm accumulates the Gamma portion of the bound comparing the
// variational (shape, rate) against the scalar prior (priorShape, priorRate).
func gammaTerm(priorShape, priorRate float64, shape, rate, ex, elogx *mat.Dense) float64 {
	v, k := shape.Dims()
	total := 0.0
	for i := 0; i < v; i++ {
		for j := 0; j < k; j++ {
			a := shape.At(i, j)
			b := rate.At(i, j)
			lg, _ := math.Lgamma(a)
			total += (priorShape-a)*elogx.At(i, j) - (priorRate-b)*ex.At(i, j) + lg - a*math.Log(b)
		}
	}
	return total
}

// update runs the outer coordinate-ascent cycle alpha -> l -> u -> [beta]
// until the relative bound change drops below tolerance or maxIters is
// exhausted. Exhausting the cap is a normal terminal state.
func (c *CMF) update(X *mat.Dense, withBeta bool) error {
	elboOld := math.Inf(-1)
	c.bounds = make([]float64, 0, c.maxIters)
	c.iters = 0
	c.converged = false

	for i := 0; i < c.maxIters; i++ {
		c.updateAlpha(X)
		if c.verbose {
			fmt.Printf("  alpha bound: %.4f\n", c.bound(X))
		}
		c.updateL(X)
		if c.verbose {
			fmt.Printf("  l bound: %.4f\n", c.bound(X))
		}
		c.updateU(X)
		if c.verbose {
			fmt.Printf("  u bound: %.4f\n", c.bound(X))
		}
		if withBeta {
			c.updateBeta(X)
			if c.verbose {
				fmt.Printf("  beta bound: %.4f\n", c.bound(X))
			}
		}

		elboNew := c.bound(X)
		c.bounds = append(c.bounds, elboNew)
		c.iters = i + 1

		if math.IsNaN(elboNew) || math.IsInf(elboNew, 0) {
			return fmt.Errorf("%w: bound is %v at iteration %d", ErrNumericalInstability, elboNew, i)
		}

		// elboOld starts at -Inf; treat the first iteration as an infinite
		// improvement instead of relying on Inf/Inf arithmetic, so it can
		// never trip the stopping rule.
		var chg float64
		if math.IsInf(elboOld, -1) {
			chg = math.Inf(1)
		} else {
			chg = (elboNew - elboOld) / math.Abs(elboOld)
		}

		if c.verbose {
			fmt.Printf(iterStmt, i, elboNew, chg)
		}

		if chg < c.tolerance {
			c.converged = true
			break
		}

		elboOld = elboNew
	}

	return nil
}

// State represents the serializable state of a fitted CMF model.
type State struct {
	Version    int       `gob:"version"`
	K          int       `gob:"k"`
	M          int       `gob:"m"`
	NumSteps   int       `gob:"num_steps"`
	StepSize   float64   `gob:"step_size"`
	MaxIters   int       `gob:"max_iters"`
	Tolerance  float64   `gob:"tolerance"`
	Smoothness float64   `gob:"smoothness"`
	C0         float64   `gob:"c0"`
	Sigma      float64   `gob:"sigma"`
	V          int       `gob:"v"`
	D          int       `gob:"d"`
	G          []float64 `gob:"g"`     // Gamma shapes (V*K, row major)
	H          []float64 `gob:"h"`     // Gamma rates (V*K, row major)
	L          []float64 `gob:"l"`     // row positions (K*m, row major)
	U          []float64 `gob:"u"`     // column positions (D*m, row major)
	Alpha      []float64 `gob:"alpha"` // offsets (D)
}

// Save serializes the fitted model state to gob format.
// Note: Eb and Elogb are not serialized as they can be recomputed from (g, h).
func (c *CMF) Save(w io.Writer) error {
	if c.eb == nil {
		return ErrNotFitted
	}

	v, _ := c.g.Dims()
	d, _ := c.u.Dims()
	state := State{
		Version:    1, // Gob version
		K:          c.k,
		M:          c.m,
		NumSteps:   c.numSteps,
		StepSize:   c.stepSize,
		MaxIters:   c.maxIters,
		Tolerance:  c.tolerance,
		Smoothness: c.smoothness,
		C0:         c.c0,
		Sigma:      c.sigma,
		V:          v,
		D:          d,
		G:          copyRaw(c.g),
		H:          copyRaw(c.h),
		L:          copyRaw(c.l),
		U:          copyRaw(c.u),
	}

	state.Alpha = make([]float64, c.alpha.Len())
	copy(state.Alpha, c.alpha.RawVector().Data)

	encoder := gob.NewEncoder(w)
	return encoder.Encode(state)
}

// Load deserializes a fitted model from gob format. The seed configures the
// restored instance's generator for subsequent Transform calls; 0 selects a
// time-based seed.
func Load(r io.Reader, seed int64) (*CMF, error) {
	decoder := gob.NewDecoder(r)

	var state State
	if err := decoder.Decode(&state); err != nil {
		return nil, err
	}

	if state.Version != 1 {
		return nil, errors.New("unsupported gob version")
	}

	c, err := New(state.K, state.M,
		WithNumSteps(state.NumSteps),
		WithStepSize(state.StepSize),
		WithMaxIters(state.MaxIters),
		WithTolerance(state.Tolerance),
		WithSmoothness(state.Smoothness),
		WithC0(state.C0),
		WithSigma(state.Sigma),
		WithRandomState(seed),
	)
	if err != nil {
		return nil, err
	}

	if state.V < 1 || state.D < 1 {
		return nil, fmt.Errorf("invalid state dimensions %dx%d", state.V, state.D)
	}
	if len(state.G) != state.V*state.K || len(state.H) != state.V*state.K {
		return nil, errors.New("invalid g/h data length")
	}
	if len(state.L) != state.K*state.M {
		return nil, errors.New("invalid l data length")
	}
	if len(state.U) != state.D*state.M {
		return nil, errors.New("invalid u data length")
	}
	if len(state.Alpha) != state.D {
		return nil, errors.New("invalid alpha data length")
	}

	c.g = mat.NewDense(state.V, state.K, cloneFloats(state.G))
	c.h = mat.NewDense(state.V, state.K, cloneFloats(state.H))
	c.l = mat.NewDense(state.K, state.M, cloneFloats(state.L))
	c.u = mat.NewDense(state.D, state.M, cloneFloats(state.U))
	c.alpha = mat.NewVecDense(state.D, cloneFloats(state.Alpha))

	// Recompute the derived expectations
	c.eb = mat.NewDense(state.V, state.K, nil)
	c.elogb = mat.NewDense(state.V, state.K, nil)
	c.computeExpectations()

	return c, nil
}

func copyRaw(m *mat.Dense) []float64 {
	r, cols := m.Dims()
	raw := m.RawMatrix()
	out := make([]float64, r*cols)
	for i := 0; i < r; i++ {
		copy(out[i*cols:(i+1)*cols], raw.Data[i*raw.Stride:i*raw.Stride+cols])
	}
	return out
}

func cloneFloats(s []float64) []float64 {
	out := make([]float64, len(s))
	copy(out, s)
	return out
}
