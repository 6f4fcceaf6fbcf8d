package market

import "math"

// emaSeries returns an EMA series of the same length as data. Leading values
// (before a full period is available) hold the running mean so callers never
// see NaN.
func emaSeries(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}

	multiplier := 2.0 / float64(period+1)
	sum := 0.0
	for i, v := range data {
		if i < period {
			sum += v
			out[i] = sum / float64(i+1)
			continue
		}
		out[i] = (v-out[i-1])*multiplier + out[i-1]
	}
	return out
}

func lastEMA(data []float64, period int) float64 {
	s := emaSeries(data, period)
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// macdSeries is the MACD line (EMA12 - EMA26) for each bar.
func macdSeries(data []float64) []float64 {
	ema12 := emaSeries(data, 12)
	ema26 := emaSeries(data, 26)
	out := make([]float64, len(data))
	for i := range data {
		out[i] = ema12[i] - ema26[i]
	}
	return out
}

// rsiSeries computes RSI with Wilder smoothing. Values before the first full
// period are held at the neutral 50.
func rsiSeries(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	for i := range out {
		out[i] = 50
	}
	if len(data) < period+1 {
		return out
	}

	gains := 0.0
	losses := 0.0
	for i := 1; i <= period; i++ {
		change := data[i] - data[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	out[period] = rsiFromAverages(avgGain, avgLoss)

	for i := period + 1; i < len(data); i++ {
		change := data[i] - data[i-1]
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) - change) / float64(period)
		}
		out[i] = rsiFromAverages(avgGain, avgLoss)
	}
	return out
}

func rsiFromAverages(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// atr computes the Average True Range over the last bars with Wilder
// smoothing, returning the latest value.
func atr(highs, lows, closes []float64, period int) float64 {
	if len(highs) < period+1 || len(highs) != len(lows) || len(highs) != len(closes) {
		return 0
	}

	trs := make([]float64, 0, len(highs)-1)
	for i := 1; i < len(highs); i++ {
		tr := math.Max(
			highs[i]-lows[i],
			math.Max(
				math.Abs(highs[i]-closes[i-1]),
				math.Abs(lows[i]-closes[i-1]),
			),
		)
		trs = append(trs, tr)
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += trs[i]
	}
	value := sum / float64(period)
	for i := period; i < len(trs); i++ {
		value = (value*float64(period-1) + trs[i]) / float64(period)
	}
	return value
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
