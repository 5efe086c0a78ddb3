// Package divint implements the DIV-INT-SECRET subprotocol: integer
// division by a secret divisor, via Newton-Raphson iteration, per spec.md
// 4.2. The iteration structure (ALPHA, precision, round-count formula) and
// the sign-extraction/correction machinery wrapped around it are grounded
// directly on original_source's
// libs/protocols/src/division/division_secret_divisor/online/state.rs.
package divint

import (
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ALTree/bigfloat"

	"github.com/nilvm/engine/pkg/field"
	"github.com/nilvm/engine/pkg/protocol"
	"github.com/nilvm/engine/pkg/protocol/compare"
	"github.com/nilvm/engine/pkg/protocol/mult"
	"github.com/nilvm/engine/pkg/protocol/truncpr"
	"github.com/nilvm/engine/pkg/shamir"
)

// alpha is the Newton-Raphson initial-guess scale factor 1.5 - sqrt(2),
// matching the reference implementation exactly.
var alpha = 1.5 - math.Sqrt2

// RoundCount returns the number of Newton-Raphson iterations needed for an
// integerSize-bit division: 2*ceil(log2(-precision/log2(alpha))), with
// precision = Precision(integerSize). The outer logarithm is evaluated with
// bigfloat.Log2 on a big.Float ratio.
func RoundCount(integerSize int) int {
	ratio := new(big.Float).Quo(big.NewFloat(float64(Precision(integerSize))), big.NewFloat(-math.Log2(alpha)))
	lg := bigfloat.Log2(ratio)
	f, _ := lg.Float64()
	return 2 * int(math.Ceil(f))
}

// Precision returns precision = integerSize/2, the reference
// implementation's fixed-point precision for the iteration.
func Precision(integerSize int) int { return integerSize / 2 }

// Triple is a preprocessed Beaver triple for one MULT sub-step.
type Triple = mult.Triple

// SignHandling bundles the preprocessed material the sign-extraction,
// absolute-value conversion and final low/high correction phases consume,
// on top of the Newton-Raphson loop's own triples/masks. Per
// original_source's state.rs, computing dividend/divisor rounded toward zero
// for signed operands reduces to: strip both operands' signs with COMPARE+MULT, run
// the loop (and the reciprocal multiply) over the absolute values, then
// correct the resulting magnitude by at most one (the Newton-Raphson
// truncation can round the quotient down or up) with a second COMPARE+MULT
// pass before re-applying the combined sign.
type SignHandling struct {
	// SignMasks[0] tests divisor<0, SignMasks[1] tests dividend<0.
	SignMasks [2]compare.Mask
	// AbsTriples[0] computes divisor*(1-2*sign(divisor)),
	// AbsTriples[1] computes dividend*(1-2*sign(dividend)),
	// AbsTriples[2] computes sign(divisor)*sign(dividend).
	AbsTriples [3]Triple
	// CorrectTriples[0] computes quotient*abs(divisor) (the estimated
	// dividend), CorrectTriples[1] computes combinedSign*(abs(divisor)-1).
	CorrectTriples [2]Triple
	// CorrectMasks[0] tests abs(dividend) < estimatedDividend (quotient
	// overshot by one), CorrectMasks[1] tests
	// estimatedDividend+correction < abs(dividend) (quotient undershot).
	CorrectMasks [2]compare.Mask
	// FinalSignTriple re-applies the combined sign to the corrected
	// magnitude to recover the signed quotient.
	FinalSignTriple Triple
}

// step tags a single Newton-Raphson iteration's three sub-protocols: two
// MULTs (d*w, then w*(2-d*w)) and a TRUNC-PR rescaling. Each MULT consumes
// its own Beaver triple.
type step struct {
	dwTriple   Triple
	wTriple    Triple
	truncMask  truncpr.Mask
	truncShift uint
}

// phase identifies which part of the composed DIV-INT-SECRET state machine
// is currently running.
type phase int

const (
	phaseSign phase = iota
	phaseAbs
	phaseRound
	phaseFinal
	phaseCorrectMult
	phaseCorrectCompare
	phaseFinalSign
)

// machineBatch drives a fixed set of protocol.Machine instances concurrently
// under numeric sub-tags ("0", "1", ...), collecting every Final output
// before reporting done. It generalizes the tagged-wrapping composition
// scheme pkg/protocol's single-submachine callers already use (PushTag,
// PopTag, WrapOutbound) to the case of several sibling sub-machines running
// at once.
type machineBatch struct {
	machines  []protocol.Machine
	outputs   [][]byte
	remaining int
}

func startBatch(machines []protocol.Machine, yields []protocol.Yield) (*machineBatch, protocol.Yield) {
	b := &machineBatch{machines: machines, outputs: make([][]byte, len(machines)), remaining: len(machines)}
	var combined protocol.Yield
	for i, y := range yields {
		wrapped := protocol.WrapOutbound(y, strconv.Itoa(i))
		combined.Messages = append(combined.Messages, wrapped.Messages...)
	}
	return b, combined
}

// handle routes msg to the sub-machine its leading numeric tag names. It
// returns done=true once every sub-machine has yielded YieldFinal.
func (b *machineBatch) handle(msg protocol.Message) (y protocol.Yield, done bool, err error) {
	tag, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, false, fmt.Errorf("divint: batch message missing sub-machine tag")
	}
	idx, err := strconv.Atoi(tag)
	if err != nil || idx < 0 || idx >= len(b.machines) {
		return protocol.Yield{}, false, fmt.Errorf("divint: batch message has invalid sub-machine index %q", tag)
	}
	out, err := b.machines[idx].HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, false, err
	}
	if out.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(out, tag), false, nil
	}
	if b.outputs[idx] == nil {
		b.remaining--
	}
	b.outputs[idx] = out.Output
	if b.remaining > 0 {
		return protocol.Empty(), false, nil
	}
	return protocol.Yield{}, true, nil
}

// Machine implements protocol.Machine for a single DIV-INT-SECRET instance.
// It first strips the sign of both operands (phaseSign, phaseAbs), runs a
// fixed number of Newton-Raphson rounds over the resulting magnitudes
// (phaseRound), multiplies the converged reciprocal by the dividend's
// magnitude (phaseFinal), corrects the truncated estimate by at most one in
// either direction (phaseCorrectMult, phaseCorrectCompare), and finally
// re-applies the combined sign (phaseFinalSign).
type Machine struct {
	prime  *field.Prime
	degree int
	self   protocol.PartyID
	points map[protocol.PartyID]shamir.PartyPoint

	dividend    field.Element
	divisor     field.Element
	sign        SignHandling
	finalTriple Triple
	steps       []step
	round       int

	ph    phase
	batch *machineBatch

	signDivisor  field.Element
	signDividend field.Element
	absDivisor   field.Element
	absDividend  field.Element
	combinedSign field.Element

	twoMinusDW field.Element // scratch: 2-d*w from the current round's mult
	curMult    *mult.Machine
	curTrunc   *truncpr.Machine
	inMult     bool

	quotient0        field.Element
	estimatedDivide  field.Element
	correctionTerm   field.Element
	lowCorrection    field.Element
	highCorrection   field.Element

	w    field.Element
	done bool
}

// New starts a DIV-INT-SECRET instance computing dividend / divisor rounded
// toward zero via Newton-Raphson, given two Beaver triples (dwTriples[i] for
// d*w, wTriples[i] for w*(2-d*w)) and one truncation mask per iteration
// round, an initial guess w0 already scaled by ALPHA, the
// sign-handling material in sh, and a final Beaver triple used to multiply
// the converged reciprocal estimate by the dividend's magnitude.
func New(prime *field.Prime, degree int, self protocol.PartyID, points map[protocol.PartyID]shamir.PartyPoint, dividend, divisor, w0 field.Element, sh SignHandling, dwTriples, wTriples []Triple, truncMasks []truncpr.Mask, truncShift uint, finalTriple Triple) (*Machine, protocol.Yield, error) {
	if len(dwTriples) != len(wTriples) || len(dwTriples) != len(truncMasks) {
		return nil, protocol.Yield{}, fmt.Errorf("divint: mismatched triple/mask counts")
	}
	m := &Machine{
		prime: prime, degree: degree, self: self, points: points,
		dividend: dividend, divisor: divisor, w: w0, sign: sh,
	}
	for i := range dwTriples {
		m.steps = append(m.steps, step{dwTriple: dwTriples[i], wTriple: wTriples[i], truncMask: truncMasks[i], truncShift: truncShift})
	}
	m.finalTriple = finalTriple
	return m.startSign()
}

func (m *Machine) Round() protocol.RoundID {
	switch m.ph {
	case phaseRound:
		if m.inMult && m.curMult != nil {
			return m.curMult.Round()
		}
		if m.curTrunc != nil {
			return m.curTrunc.Round()
		}
	}
	return 0
}
func (m *Machine) Done() bool { return m.done }

func (m *Machine) startSign() (*Machine, protocol.Yield, error) {
	zero := field.Zero(m.prime)
	divisorSign, y0, err := compare.New(m.prime, m.degree, m.self, m.points, m.divisor, zero, m.sign.SignMasks[0])
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("divint: sign(divisor): %w", err)
	}
	dividendSign, y1, err := compare.New(m.prime, m.degree, m.self, m.points, m.dividend, zero, m.sign.SignMasks[1])
	if err != nil {
		return nil, protocol.Yield{}, fmt.Errorf("divint: sign(dividend): %w", err)
	}
	m.ph = phaseSign
	batch, y := startBatch([]protocol.Machine{divisorSign, dividendSign}, []protocol.Yield{y0, y1})
	m.batch = batch
	return m, protocol.WrapOutbound(y, "sign"), nil
}

// signMultiplier returns 1-2*s, the local affine transform of a 0/1 secret
// sign bit used to flip a value's sign via a single MULT.
func signMultiplier(prime *field.Prime, s field.Element) (field.Element, error) {
	two := field.FromUint64(prime, 2)
	twoS, err := two.Mul(s)
	if err != nil {
		return field.Element{}, err
	}
	return field.One(prime).Sub(twoS)
}

func (m *Machine) startAbs() (protocol.Yield, error) {
	divisorMul, err := signMultiplier(m.prime, m.signDivisor)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: sign multiplier(divisor): %w", err)
	}
	dividendMul, err := signMultiplier(m.prime, m.signDividend)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: sign multiplier(dividend): %w", err)
	}

	absDivisorM, y0, err := mult.New(m.prime, m.degree, m.self, m.points, m.divisor, divisorMul, m.sign.AbsTriples[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: abs(divisor): %w", err)
	}
	absDividendM, y1, err := mult.New(m.prime, m.degree, m.self, m.points, m.dividend, dividendMul, m.sign.AbsTriples[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: abs(dividend): %w", err)
	}
	signProductM, y2, err := mult.New(m.prime, m.degree, m.self, m.points, m.signDivisor, m.signDividend, m.sign.AbsTriples[2])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: sign product: %w", err)
	}

	m.ph = phaseAbs
	batch, y := startBatch([]protocol.Machine{absDivisorM, absDividendM, signProductM}, []protocol.Yield{y0, y1, y2})
	m.batch = batch
	return protocol.WrapOutbound(y, "abs"), nil
}

// startRound begins the current iteration's d*w multiplication.
func (m *Machine) startRound() (protocol.Yield, error) {
	m.ph = phaseRound
	st := m.steps[m.round]
	mc, y, err := mult.New(m.prime, m.degree, m.self, m.points, m.absDivisor, m.w, st.dwTriple)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: round %d mult: %w", m.round, err)
	}
	m.curMult = mc
	m.inMult = true
	return protocol.WrapOutbound(y, "mult"), nil
}

// HandleMessage routes the inbound message to whichever phase/sub-machine is
// currently active, advancing through the composed state machine's phases
// in order: sign -> abs -> round* -> final -> correctMult -> correctCompare
// -> finalSign.
func (m *Machine) HandleMessage(msg protocol.Message) (protocol.Yield, error) {
	if m.done {
		return protocol.Empty(), nil
	}
	tag, rest, ok := protocol.PopTag(msg)
	if !ok {
		return protocol.Yield{}, fmt.Errorf("divint: message missing sub-machine tag")
	}

	switch tag {
	case "sign":
		return m.handleSign(rest)
	case "abs":
		return m.handleAbs(rest)
	case "mult", "mult2", "trunc":
		return m.handleRound(tag, rest)
	case "final":
		return m.handleFinal(rest)
	case "correctMult":
		return m.handleCorrectMult(rest)
	case "correctCompare":
		return m.handleCorrectCompare(rest)
	case "finalSign":
		return m.handleFinalSign(rest)
	default:
		return protocol.Yield{}, fmt.Errorf("divint: unknown sub-machine tag %q", tag)
	}
}

func (m *Machine) handleSign(rest protocol.Message) (protocol.Yield, error) {
	if m.ph != phaseSign {
		return protocol.Empty(), nil
	}
	y, done, err := m.batch.handle(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: sign: %w", err)
	}
	if !done {
		return protocol.WrapOutbound(y, "sign"), nil
	}
	divisorSign, err := field.FromBytes(m.prime, m.batch.outputs[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode sign(divisor): %w", err)
	}
	dividendSign, err := field.FromBytes(m.prime, m.batch.outputs[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode sign(dividend): %w", err)
	}
	m.signDivisor = divisorSign
	m.signDividend = dividendSign
	return m.startAbs()
}

func (m *Machine) handleAbs(rest protocol.Message) (protocol.Yield, error) {
	if m.ph != phaseAbs {
		return protocol.Empty(), nil
	}
	y, done, err := m.batch.handle(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: abs: %w", err)
	}
	if !done {
		return protocol.WrapOutbound(y, "abs"), nil
	}
	absDivisor, err := field.FromBytes(m.prime, m.batch.outputs[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode abs(divisor): %w", err)
	}
	absDividend, err := field.FromBytes(m.prime, m.batch.outputs[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode abs(dividend): %w", err)
	}
	signProduct, err := field.FromBytes(m.prime, m.batch.outputs[2])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode sign product: %w", err)
	}
	m.absDivisor = absDivisor
	m.absDividend = absDividend

	// combinedSign = sign(divisor) XOR sign(dividend), computed
	// arithmetically as a+b-2ab; this is local linear arithmetic over
	// already-opened-free secret shares, no further protocol round needed.
	sum, err := m.signDivisor.Add(m.signDividend)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: sign sum: %w", err)
	}
	two := field.FromUint64(m.prime, 2)
	twoProd, err := two.Mul(signProduct)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: 2*signProduct: %w", err)
	}
	combined, err := sum.Sub(twoProd)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: combined sign: %w", err)
	}
	m.combinedSign = combined

	if len(m.steps) == 0 {
		return m.startFinal()
	}
	return m.startRound()
}

func (m *Machine) handleRound(tag string, rest protocol.Message) (protocol.Yield, error) {
	switch tag {
	case "mult":
		if !m.inMult {
			// Stale message for this round's d*w multiplication: its
			// quorum already finalized and the round moved on to
			// w*(2-d*w).
			return protocol.Empty(), nil
		}
		y, err := m.curMult.HandleMessage(rest)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: round %d mult: %w", m.round, err)
		}
		if y.Kind != protocol.YieldFinal {
			return protocol.WrapOutbound(y, "mult"), nil
		}
		dw, err := field.FromBytes(m.prime, y.Output)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: decode d*w: %w", err)
		}
		two := field.FromUint64(m.prime, 2)
		twoMinusDW, err := two.Sub(dw)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: 2-dw: %w", err)
		}
		m.twoMinusDW = twoMinusDW
		return m.startMultiplyByW()

	case "mult2":
		y, err := m.curMult.HandleMessage(rest)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: round %d mult2: %w", m.round, err)
		}
		if y.Kind != protocol.YieldFinal {
			return protocol.WrapOutbound(y, "mult2"), nil
		}
		unscaled, err := field.FromBytes(m.prime, y.Output)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: decode unscaled w: %w", err)
		}
		return m.startTrunc(unscaled)

	case "trunc":
		y, err := m.curTrunc.HandleMessage(rest)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: round %d trunc: %w", m.round, err)
		}
		if y.Kind != protocol.YieldFinal {
			return protocol.WrapOutbound(y, "trunc"), nil
		}
		w, err := field.FromBytes(m.prime, y.Output)
		if err != nil {
			return protocol.Yield{}, fmt.Errorf("divint: decode rescaled w: %w", err)
		}
		m.w = w
		m.round++
		if m.round >= len(m.steps) {
			return m.startFinal()
		}
		return m.startRound()
	}
	return protocol.Yield{}, fmt.Errorf("divint: unexpected round tag %q", tag)
}

// startMultiplyByW computes w_i * (2 - d*w_i) using this round's second
// Beaver triple.
func (m *Machine) startMultiplyByW() (protocol.Yield, error) {
	st := m.steps[m.round]
	mc, y, err := mult.New(m.prime, m.degree, m.self, m.points, m.w, m.twoMinusDW, st.wTriple)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: round %d mult2: %w", m.round, err)
	}
	m.curMult = mc
	m.inMult = false
	return protocol.WrapOutbound(y, "mult2"), nil
}

func (m *Machine) startTrunc(unscaled field.Element) (protocol.Yield, error) {
	st := m.steps[m.round]
	mc, y, err := truncpr.New(m.prime, m.degree, m.self, m.points, unscaled, st.truncMask, st.truncShift)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: round %d trunc: %w", m.round, err)
	}
	m.curTrunc = mc
	return protocol.WrapOutbound(y, "trunc"), nil
}

// startFinal multiplies the converged reciprocal estimate w by the
// dividend's magnitude to recover the (unsigned, uncorrected) quotient
// estimate, using finalTriple.
func (m *Machine) startFinal() (protocol.Yield, error) {
	m.ph = phaseFinal
	mc, y, err := mult.New(m.prime, m.degree, m.self, m.points, m.absDividend, m.w, m.finalTriple)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: final mult: %w", err)
	}
	m.curMult = mc
	return protocol.WrapOutbound(y, "final"), nil
}

func (m *Machine) handleFinal(rest protocol.Message) (protocol.Yield, error) {
	y, err := m.curMult.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: final mult: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "final"), nil
	}
	quotient0, err := field.FromBytes(m.prime, y.Output)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode quotient estimate: %w", err)
	}
	m.quotient0 = quotient0
	return m.startCorrectMult()
}

// startCorrectMult computes the estimated dividend (quotient0*absDivisor)
// and the correction term (combinedSign*(absDivisor-1)) the low/high
// compare phase needs to bound the truncation error in quotient0 to [-1,1].
func (m *Machine) startCorrectMult() (protocol.Yield, error) {
	one := field.One(m.prime)
	divisorMinusOne, err := m.absDivisor.Sub(one)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: abs(divisor)-1: %w", err)
	}

	estM, y0, err := mult.New(m.prime, m.degree, m.self, m.points, m.quotient0, m.absDivisor, m.sign.CorrectTriples[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: estimated dividend: %w", err)
	}
	corrM, y1, err := mult.New(m.prime, m.degree, m.self, m.points, m.combinedSign, divisorMinusOne, m.sign.CorrectTriples[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: correction term: %w", err)
	}

	m.ph = phaseCorrectMult
	batch, y := startBatch([]protocol.Machine{estM, corrM}, []protocol.Yield{y0, y1})
	m.batch = batch
	return protocol.WrapOutbound(y, "correctMult"), nil
}

func (m *Machine) handleCorrectMult(rest protocol.Message) (protocol.Yield, error) {
	if m.ph != phaseCorrectMult {
		return protocol.Empty(), nil
	}
	y, done, err := m.batch.handle(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: correctMult: %w", err)
	}
	if !done {
		return protocol.WrapOutbound(y, "correctMult"), nil
	}
	est, err := field.FromBytes(m.prime, m.batch.outputs[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode estimated dividend: %w", err)
	}
	corr, err := field.FromBytes(m.prime, m.batch.outputs[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode correction term: %w", err)
	}
	m.estimatedDivide = est
	m.correctionTerm = corr
	return m.startCorrectCompare()
}

// startCorrectCompare tests whether quotient0 undershot or overshot the
// true magnitude quotient by one, per original_source's low/high
// correction compare pass.
func (m *Machine) startCorrectCompare() (protocol.Yield, error) {
	lowM, y0, err := compare.New(m.prime, m.degree, m.self, m.points, m.absDividend, m.estimatedDivide, m.sign.CorrectMasks[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: low compare: %w", err)
	}
	estPlusCorr, err := m.estimatedDivide.Add(m.correctionTerm)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: estimate+correction: %w", err)
	}
	highM, y1, err := compare.New(m.prime, m.degree, m.self, m.points, estPlusCorr, m.absDividend, m.sign.CorrectMasks[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: high compare: %w", err)
	}

	m.ph = phaseCorrectCompare
	batch, y := startBatch([]protocol.Machine{lowM, highM}, []protocol.Yield{y0, y1})
	m.batch = batch
	return protocol.WrapOutbound(y, "correctCompare"), nil
}

func (m *Machine) handleCorrectCompare(rest protocol.Message) (protocol.Yield, error) {
	if m.ph != phaseCorrectCompare {
		return protocol.Empty(), nil
	}
	y, done, err := m.batch.handle(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: correctCompare: %w", err)
	}
	if !done {
		return protocol.WrapOutbound(y, "correctCompare"), nil
	}
	low, err := field.FromBytes(m.prime, m.batch.outputs[0])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode low correction: %w", err)
	}
	high, err := field.FromBytes(m.prime, m.batch.outputs[1])
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode high correction: %w", err)
	}
	m.lowCorrection = low
	m.highCorrection = high
	return m.startFinalSign()
}

// startFinalSign applies the low/high magnitude correction and re-applies
// the combined sign, recovering the exact signed quotient.
func (m *Machine) startFinalSign() (protocol.Yield, error) {
	corrected, err := m.quotient0.Sub(m.lowCorrection)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: quotient-low: %w", err)
	}
	corrected, err = corrected.Add(m.highCorrection)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: +high: %w", err)
	}
	signMul, err := signMultiplier(m.prime, m.combinedSign)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: final sign multiplier: %w", err)
	}

	m.ph = phaseFinalSign
	mc, y, err := mult.New(m.prime, m.degree, m.self, m.points, corrected, signMul, m.sign.FinalSignTriple)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: final sign mult: %w", err)
	}
	m.curMult = mc
	return protocol.WrapOutbound(y, "finalSign"), nil
}

func (m *Machine) handleFinalSign(rest protocol.Message) (protocol.Yield, error) {
	y, err := m.curMult.HandleMessage(rest)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: final sign mult: %w", err)
	}
	if y.Kind != protocol.YieldFinal {
		return protocol.WrapOutbound(y, "finalSign"), nil
	}
	quotient, err := field.FromBytes(m.prime, y.Output)
	if err != nil {
		return protocol.Yield{}, fmt.Errorf("divint: decode quotient: %w", err)
	}
	m.done = true
	return protocol.Final(quotient.Bytes()), nil
}
