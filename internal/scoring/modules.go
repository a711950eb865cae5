package scoring

import (
	"math"

	"binance-futures-bot/internal/models"
)

// Module names. The entry gate refers to modules by these names.
const (
	ModTrend        = "trend"
	ModRSI          = "rsi"
	ModADX          = "adx"
	ModVolume       = "volume"
	ModLiquidations = "liquidations"
	ModHTFMA        = "htfMA"
	ModVolatility   = "volatility"
	ModSpread       = "spread"
	ModFunding      = "funding"
)

// Volatility regimes reported in the volatility module's label.
const (
	RegimeDead    = "DEAD"
	RegimeNormal  = "NORMAL"
	RegimeExtreme = "EXTREME"
)

// Input is everything a module may look at.
type Input struct {
	Symbol       string
	Candles      []models.Candle
	HTFCandles   []models.Candle
	Book         *models.BookTicker
	FundingRate  *float64
	Liquidations []models.LiquidationBucket
}

// Result is one module's output. OK=false means there was not enough data.
type Result struct {
	Module   string
	Kind     models.ModuleKind
	Signal   models.Side
	Strength float64
	Pass     bool
	Meta     map[string]float64
	Label    string
	OK       bool
}

// Snapshot converts the result into its stored form.
func (r Result) Snapshot() models.ModuleSnapshot {
	return models.ModuleSnapshot{
		Kind:     r.Kind,
		Signal:   r.Signal,
		Strength: r.Strength,
		Pass:     r.Pass,
		Meta:     r.Meta,
		Label:    r.Label,
	}
}

// Module is a pure function of its input.
type Module interface {
	Name() string
	Kind() models.ModuleKind
	Evaluate(in Input) Result
}

// Registry returns the fixed, ordered module list: scoring modules first, then validation.
func Registry() []Module {
	return []Module{
		trendModule{},
		rsiModule{},
		adxModule{},
		volumeModule{},
		liquidationsModule{},
		htfMAModule{},
		volatilityModule{},
		spreadModule{},
		fundingModule{},
	}
}

// Evaluate runs every module of the registry over in.
func Evaluate(modules []Module, in Input) []Result {
	out := make([]Result, 0, len(modules))
	for _, m := range modules {
		r := m.Evaluate(in)
		r.Module = m.Name()
		r.Kind = m.Kind()
		out = append(out, r)
	}
	return out
}

func missing() Result { return Result{Signal: models.Neutral} }

func directional(side models.Side, strength float64, meta map[string]float64) Result {
	return Result{Signal: side, Strength: clamp(strength, 0, 100), Pass: true, Meta: meta, OK: true}
}

// --- scoring ---

type trendModule struct{}

func (trendModule) Name() string            { return ModTrend }
func (trendModule) Kind() models.ModuleKind { return models.KindScoring }

// EMA 9/21 crossover; strength grows with the gap.
func (trendModule) Evaluate(in Input) Result {
	cl := closes(in.Candles)
	fast, slow := EMA(cl, 9), EMA(cl, 21)
	if fast == nil || slow == nil {
		return missing()
	}
	f, s := fast[len(fast)-1], slow[len(slow)-1]
	if s == 0 {
		return missing()
	}
	gap := (f - s) / s * 100
	side := models.Neutral
	if gap > 0 {
		side = models.Long
	} else if gap < 0 {
		side = models.Short
	}
	return directional(side, math.Abs(gap)*100, map[string]float64{"ema9": f, "ema21": s, "gapPct": gap})
}

type rsiModule struct{}

func (rsiModule) Name() string            { return ModRSI }
func (rsiModule) Kind() models.ModuleKind { return models.KindScoring }

// Momentum reading of RSI 14; overextended readings (beyond 70/30) stay neutral.
func (rsiModule) Evaluate(in Input) Result {
	v, ok := RSI(closes(in.Candles), 14)
	if !ok {
		return missing()
	}
	meta := map[string]float64{"rsi": v}
	switch {
	case v > 70 || v < 30:
		return directional(models.Neutral, 0, meta)
	case v > 50:
		return directional(models.Long, (v-50)*5, meta)
	case v < 50:
		return directional(models.Short, (50-v)*5, meta)
	}
	return directional(models.Neutral, 0, meta)
}

type adxModule struct{}

func (adxModule) Name() string            { return ModADX }
func (adxModule) Kind() models.ModuleKind { return models.KindScoring }

func (adxModule) Evaluate(in Input) Result {
	adx, pdi, mdi, ok := ADX(in.Candles, 14)
	if !ok {
		return missing()
	}
	meta := map[string]float64{"adx": adx, "plusDI": pdi, "minusDI": mdi}
	if adx < 20 {
		return directional(models.Neutral, adx, meta)
	}
	side := models.Long
	if mdi > pdi {
		side = models.Short
	}
	return directional(side, adx*2, meta)
}

type volumeModule struct{}

func (volumeModule) Name() string            { return ModVolume }
func (volumeModule) Kind() models.ModuleKind { return models.KindScoring }

// Last candle volume against the previous 20; a spike votes with the candle body.
func (volumeModule) Evaluate(in Input) Result {
	n := len(in.Candles)
	if n < 21 {
		return missing()
	}
	var sum float64
	for _, c := range in.Candles[n-21 : n-1] {
		sum += c.Volume
	}
	avg := sum / 20
	if avg == 0 {
		return missing()
	}
	last := in.Candles[n-1]
	ratio := last.Volume / avg
	meta := map[string]float64{"ratio": ratio, "avg": avg}
	if ratio < 1.2 || last.Close == last.Open {
		return directional(models.Neutral, 0, meta)
	}
	side := models.Long
	if last.Close < last.Open {
		side = models.Short
	}
	return directional(side, (ratio-1)*100, meta)
}

type liquidationsModule struct{}

func (liquidationsModule) Name() string            { return ModLiquidations }
func (liquidationsModule) Kind() models.ModuleKind { return models.KindScoring }

// Shorts being liquidated (BUY force orders) vote LONG, longs being liquidated vote SHORT.
func (liquidationsModule) Evaluate(in Input) Result {
	var buys, sells float64
	for _, b := range in.Liquidations {
		buys += b.BuysValue
		sells += b.SellsValue
	}
	total := buys + sells
	if total == 0 {
		return missing()
	}
	imbalance := (buys - sells) / total
	meta := map[string]float64{"buys": buys, "sells": sells, "imbalance": imbalance}
	side := models.Neutral
	if imbalance > 0 {
		side = models.Long
	} else if imbalance < 0 {
		side = models.Short
	}
	return directional(side, math.Abs(imbalance)*100, meta)
}

type htfMAModule struct{}

func (htfMAModule) Name() string            { return ModHTFMA }
func (htfMAModule) Kind() models.ModuleKind { return models.KindScoring }

// Close of the higher timeframe against its 50-period moving average.
func (htfMAModule) Evaluate(in Input) Result {
	cl := closes(in.HTFCandles)
	ma, ok := SMA(cl, 50)
	if !ok || ma == 0 {
		return missing()
	}
	last := cl[len(cl)-1]
	dist := (last - ma) / ma * 100
	meta := map[string]float64{"ma50": ma, "distPct": dist}
	side := models.Neutral
	if dist > 0 {
		side = models.Long
	} else if dist < 0 {
		side = models.Short
	}
	return directional(side, math.Abs(dist)*20, meta)
}

// --- validation ---

type volatilityModule struct{}

func (volatilityModule) Name() string            { return ModVolatility }
func (volatilityModule) Kind() models.ModuleKind { return models.KindValidation }

// ATR% regime: below 0.15% the market is dead, above 5% it is extreme.
func (volatilityModule) Evaluate(in Input) Result {
	atr, ok := ATR(in.Candles, 14)
	if !ok {
		return missing()
	}
	last := in.Candles[len(in.Candles)-1].Close
	if last <= 0 {
		return missing()
	}
	pct := atr / last * 100
	regime := RegimeNormal
	switch {
	case pct < 0.15:
		regime = RegimeDead
	case pct > 5:
		regime = RegimeExtreme
	}
	return Result{
		Signal: models.Neutral,
		Pass:   regime == RegimeNormal,
		Meta:   map[string]float64{"atr": atr, "atrPct": pct},
		Label:  regime,
		OK:     true,
	}
}

type spreadModule struct{}

func (spreadModule) Name() string            { return ModSpread }
func (spreadModule) Kind() models.ModuleKind { return models.KindValidation }

func (spreadModule) Evaluate(in Input) Result {
	if in.Book == nil || in.Book.Bid <= 0 || in.Book.Ask <= 0 {
		return missing()
	}
	return Result{
		Signal: models.Neutral,
		Pass:   in.Book.Ask >= in.Book.Bid,
		Meta:   map[string]float64{"spreadPct": in.Book.SpreadPct(), "bid": in.Book.Bid, "ask": in.Book.Ask},
		OK:     true,
	}
}

type fundingModule struct{}

func (fundingModule) Name() string            { return ModFunding }
func (fundingModule) Kind() models.ModuleKind { return models.KindValidation }

func (fundingModule) Evaluate(in Input) Result {
	if in.FundingRate == nil {
		return missing()
	}
	return Result{
		Signal: models.Neutral,
		Pass:   true,
		Meta:   map[string]float64{"rate": *in.FundingRate},
		OK:     true,
	}
}
