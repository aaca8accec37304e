package greeks

import (
	"math"

	"github.com/optstream/gateway/internal/broker"
)

// Greeks are the Black–Scholes–Merton sensitivities. Theta is per day,
// vega and rho per percentage point, matching broker terminal conventions.
type Greeks struct {
	IV    float64 `json:"iv"`
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// Inputs are the pricing parameters for one option.
type Inputs struct {
	Type     broker.OptionType
	Spot     float64 // S
	Strike   float64 // K
	Rate     float64 // r, continuously compounded
	Sigma    float64 // volatility
	Years    float64 // T, in years
	Dividend float64 // q, continuous yield
}

// IVParams bounds the Newton iteration for implied volatility.
type IVParams struct {
	MaxIterations int
	Tolerance     float64
	InitialGuess  float64
}

// DefaultIVParams are tight enough for tick-time use.
func DefaultIVParams() IVParams {
	return IVParams{MaxIterations: 50, Tolerance: 1e-6, InitialGuess: 0.2}
}

const daysPerYear = 365.0

// normCDF is the standard normal cumulative distribution.
func normCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-0.5*x*x) / math.Sqrt(2*math.Pi)
}

func d1d2(in Inputs) (float64, float64) {
	sqrtT := math.Sqrt(in.Years)
	d1 := (math.Log(in.Spot/in.Strike) + (in.Rate-in.Dividend+0.5*in.Sigma*in.Sigma)*in.Years) / (in.Sigma * sqrtT)
	return d1, d1 - in.Sigma*sqrtT
}

// Price returns the BSM theoretical price.
func Price(in Inputs) float64 {
	if in.Years <= 0 || in.Sigma <= 0 || in.Spot <= 0 || in.Strike <= 0 {
		return intrinsic(in)
	}
	d1, d2 := d1d2(in)
	discS := in.Spot * math.Exp(-in.Dividend*in.Years)
	discK := in.Strike * math.Exp(-in.Rate*in.Years)
	if in.Type == broker.OptionCall {
		return discS*normCDF(d1) - discK*normCDF(d2)
	}
	return discK*normCDF(-d2) - discS*normCDF(-d1)
}

func intrinsic(in Inputs) float64 {
	if in.Type == broker.OptionCall {
		return math.Max(in.Spot-in.Strike, 0)
	}
	return math.Max(in.Strike-in.Spot, 0)
}

// Compute returns the full Greeks set. Degenerate inputs (S unavailable,
// expired, zero vol) yield the zero value; the caller records the
// condition and publishes the snapshot without Greeks.
func Compute(in Inputs) Greeks {
	if in.Spot <= 0 || in.Strike <= 0 || in.Years <= 0 || in.Sigma <= 0 {
		return Greeks{}
	}

	d1, d2 := d1d2(in)
	sqrtT := math.Sqrt(in.Years)
	expQT := math.Exp(-in.Dividend * in.Years)
	expRT := math.Exp(-in.Rate * in.Years)
	pdf := normPDF(d1)

	g := Greeks{IV: in.Sigma}
	g.Gamma = expQT * pdf / (in.Spot * in.Sigma * sqrtT)
	g.Vega = in.Spot * expQT * pdf * sqrtT / 100

	if in.Type == broker.OptionCall {
		g.Delta = expQT * normCDF(d1)
		g.Theta = (-in.Spot*expQT*pdf*in.Sigma/(2*sqrtT) -
			in.Rate*in.Strike*expRT*normCDF(d2) +
			in.Dividend*in.Spot*expQT*normCDF(d1)) / daysPerYear
		g.Rho = in.Strike * in.Years * expRT * normCDF(d2) / 100
	} else {
		g.Delta = -expQT * normCDF(-d1)
		g.Theta = (-in.Spot*expQT*pdf*in.Sigma/(2*sqrtT) +
			in.Rate*in.Strike*expRT*normCDF(-d2) -
			in.Dividend*in.Spot*expQT*normCDF(-d1)) / daysPerYear
		g.Rho = -in.Strike * in.Years * expRT * normCDF(-d2) / 100
	}
	return g
}

// ImpliedVol recovers sigma from an observed option price via bounded
// Newton iteration. Non-convergence returns (0, false); the caller records
// the condition and enriches with zero Greeks.
func ImpliedVol(in Inputs, price float64, params IVParams) (float64, bool) {
	if price <= 0 || in.Spot <= 0 || in.Strike <= 0 || in.Years <= 0 {
		return 0, false
	}
	// Below intrinsic value no vol can reproduce the price.
	if price < intrinsic(in)*math.Exp(-in.Rate*in.Years) {
		return 0, false
	}

	sigma := params.InitialGuess
	if sigma <= 0 {
		sigma = 0.2
	}

	for i := 0; i < params.MaxIterations; i++ {
		in.Sigma = sigma
		diff := Price(in) - price
		if math.Abs(diff) < params.Tolerance {
			return sigma, true
		}

		d1, _ := d1d2(in)
		vega := in.Spot * math.Exp(-in.Dividend*in.Years) * normPDF(d1) * math.Sqrt(in.Years)
		if vega < 1e-12 {
			return 0, false
		}

		sigma -= diff / vega
		if sigma <= 0 {
			sigma = params.Tolerance
		}
		if sigma > 10 {
			return 0, false
		}
	}
	return 0, false
}
