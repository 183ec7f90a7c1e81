// Package colorops parses and applies color-correction operations.
//
// Operations are written as space separated tokens, for example
//
//	gamma rgb 1.05, sigmoidal rgb 25 0.35, saturation 1.2
//
// Commas are optional. Band specifications use the characters r, g, b or
// 1, 2, 3; saturation always applies to the RGB bands and takes no band
// specification.
package colorops

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	colorful "github.com/lucasb-eyer/go-colorful"

	"github.com/scene-tiles/server/internal/raster"
)

// ErrUnsupportedOperation is returned for operations that cannot be parsed.
var ErrUnsupportedOperation = errors.New("unsupported color operation")

const epsilon = 1e-7

// Operation transforms a buffer normalized to [0, 1] in place.
type Operation interface {
	apply(buf *raster.Buffer)
	String() string
}

// Gamma raises the selected bands to 1/G.
type Gamma struct {
	Bands []int
	G     float64
}

// Sigmoidal applies a sigmoidal contrast curve to the selected bands.
// A negative contrast applies the inverse curve.
type Sigmoidal struct {
	Bands    []int
	Contrast float64
	Bias     float64
}

// Saturation scales the chroma of the RGB bands in CIE LCh space.
type Saturation struct {
	Proportion float64
}

func (o Gamma) String() string {
	return fmt.Sprintf("gamma %s %g", bandString(o.Bands), o.G)
}

func (o Sigmoidal) String() string {
	return fmt.Sprintf("sigmoidal %s %g %g", bandString(o.Bands), o.Contrast, o.Bias)
}

func (o Saturation) String() string {
	return fmt.Sprintf("saturation %g", o.Proportion)
}

func (o Gamma) apply(buf *raster.Buffer) {
	exp := 1 / o.G
	for _, b := range o.Bands {
		if b > buf.Bands {
			continue
		}
		band := buf.Band(b - 1)
		for i, v := range band {
			band[i] = float32(math.Pow(float64(v), exp))
		}
	}
}

func (o Sigmoidal) apply(buf *raster.Buffer) {
	if o.Contrast == 0 {
		return
	}
	alpha, beta := o.Bias, o.Contrast
	if alpha == 0 {
		alpha = epsilon
	}
	curve := sigmoid(alpha, beta)
	if beta < 0 {
		curve = inverseSigmoid(alpha, beta)
	}
	for _, b := range o.Bands {
		if b > buf.Bands {
			continue
		}
		band := buf.Band(b - 1)
		for i, v := range band {
			band[i] = float32(curve(float64(v)))
		}
	}
}

func sigmoid(alpha, beta float64) func(float64) float64 {
	lo := 1 / (1 + math.Exp(beta*alpha))
	hi := 1 / (1 + math.Exp(beta*(alpha-1)))
	return func(x float64) float64 {
		return (1/(1+math.Exp(beta*(alpha-x))) - lo) / (hi - lo)
	}
}

func inverseSigmoid(alpha, beta float64) func(float64) float64 {
	lo := 1 / (1 + math.Exp(beta*alpha))
	hi := 1 / (1 + math.Exp(beta*alpha-beta))
	return func(x float64) float64 {
		return (beta*alpha - math.Log(1/(x*hi-x*lo+lo)-1)) / beta
	}
}

func (o Saturation) apply(buf *raster.Buffer) {
	if buf.Bands < 3 {
		return
	}
	r, g, b := buf.Band(0), buf.Band(1), buf.Band(2)
	for i := range r {
		c := colorful.Color{R: float64(r[i]), G: float64(g[i]), B: float64(b[i])}
		h, chroma, l := c.Hcl()
		out := colorful.Hcl(h, chroma*o.Proportion, l).Clamped()
		r[i], g[i], b[i] = float32(out.R), float32(out.G), float32(out.B)
	}
}

// Pipeline is an ordered list of operations.
type Pipeline []Operation

// Parse parses each expression and concatenates the resulting operations.
func Parse(exprs ...string) (Pipeline, error) {
	var p Pipeline
	for _, expr := range exprs {
		ops, err := parseExpr(expr)
		if err != nil {
			return nil, err
		}
		p = append(p, ops...)
	}
	return p, nil
}

func parseExpr(expr string) ([]Operation, error) {
	tokens := strings.Fields(strings.ReplaceAll(expr, ",", ""))

	var groups [][]string
	for _, tok := range tokens {
		tok = strings.ToLower(tok)
		if isOperationName(tok) || len(groups) == 0 {
			groups = append(groups, []string{tok})
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], tok)
	}

	ops := make([]Operation, 0, len(groups))
	for _, parts := range groups {
		op, err := parseOperation(parts[0], parts[1:])
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func isOperationName(tok string) bool {
	switch tok {
	case "gamma", "sigmoidal", "saturation":
		return true
	}
	return false
}

func parseOperation(name string, args []string) (Operation, error) {
	switch name {
	case "gamma":
		bands, values, err := bandArgs(name, args, 1)
		if err != nil {
			return nil, err
		}
		if values[0] <= 0 {
			return nil, fmt.Errorf("%w: gamma must be greater than 0, got %g", ErrUnsupportedOperation, values[0])
		}
		return Gamma{Bands: bands, G: values[0]}, nil

	case "sigmoidal":
		bands, values, err := bandArgs(name, args, 2)
		if err != nil {
			return nil, err
		}
		if values[1] < 0-epsilon || values[1] > 1+epsilon {
			return nil, fmt.Errorf("%w: sigmoidal bias must be between 0 and 1, got %g", ErrUnsupportedOperation, values[1])
		}
		return Sigmoidal{Bands: bands, Contrast: values[0], Bias: values[1]}, nil

	case "saturation":
		values, err := floats(name, args, 1)
		if err != nil {
			return nil, err
		}
		return Saturation{Proportion: values[0]}, nil
	}
	return nil, fmt.Errorf("%w: %q is not a valid operation", ErrUnsupportedOperation, name)
}

func bandArgs(name string, args []string, n int) ([]int, []float64, error) {
	if len(args) == 0 {
		return nil, nil, fmt.Errorf("%w: %s requires a band specification", ErrUnsupportedOperation, name)
	}
	bands, err := parseBands(name, args[0])
	if err != nil {
		return nil, nil, err
	}
	values, err := floats(name, args[1:], n)
	if err != nil {
		return nil, nil, err
	}
	return bands, values, nil
}

func parseBands(name, spec string) ([]int, error) {
	seen := make(map[int]bool, 3)
	for _, c := range spec {
		var band int
		switch c {
		case 'r', '1':
			band = 1
		case 'g', '2':
			band = 2
		case 'b', '3':
			band = 3
		default:
			return nil, fmt.Errorf("%w: %s band %q must be one of r, g, b, 1, 2, 3", ErrUnsupportedOperation, name, c)
		}
		seen[band] = true
	}
	bands := make([]int, 0, len(seen))
	for b := range seen {
		bands = append(bands, b)
	}
	sort.Ints(bands)
	return bands, nil
}

func floats(name string, args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("%w: %s expects %d numeric argument(s), got %d", ErrUnsupportedOperation, name, n, len(args))
	}
	out := make([]float64, n)
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s argument %q is not a number", ErrUnsupportedOperation, name, a)
		}
		out[i] = v
	}
	return out, nil
}

func bandString(bands []int) string {
	var sb strings.Builder
	for _, b := range bands {
		sb.WriteString(strconv.Itoa(b))
	}
	return sb.String()
}

// Apply normalizes buf to [0, 1], runs every operation in order and
// returns an 8-bit buffer. buf is not modified.
func (p Pipeline) Apply(buf *raster.Buffer) (*raster.Buffer, error) {
	maxValue, ok := buf.Type.MaxValue()
	if !ok {
		return nil, fmt.Errorf("%w: source is %q", raster.ErrRescale, buf.Type)
	}

	norm := raster.NewBuffer(raster.Float32, buf.Bands, buf.Height, buf.Width)
	for i, v := range buf.Pix {
		norm.Pix[i] = float32(float64(v) / maxValue)
	}

	for _, op := range p {
		op.apply(norm)
	}

	out := raster.NewBuffer(raster.Uint8, buf.Bands, buf.Height, buf.Width)
	for i, v := range norm.Pix {
		x := math.Round(float64(v) * math.MaxUint8)
		if math.IsNaN(x) || x < 0 {
			x = 0
		} else if x > math.MaxUint8 {
			x = math.MaxUint8
		}
		out.Pix[i] = float32(x)
	}
	return out, nil
}

func (p Pipeline) String() string {
	parts := make([]string, len(p))
	for i, op := range p {
		parts[i] = op.String()
	}
	return strings.Join(parts, ", ")
}
