package market

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNormalizeSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"btc", "BTCUSDT"},
		{"BTC", "BTCUSDT"},
		{"BTCUSDT", "BTCUSDT"},
		{"ethusdt", "ETHUSDT"},
		{" sol ", "SOLUSDT"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := NormalizeSymbol(tt.in); got != tt.want {
				t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEMASeries(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	series := emaSeries(data, 3)

	if len(series) != len(data) {
		t.Fatalf("series length = %d, want %d", len(series), len(data))
	}
	// Leading values are running means.
	if series[0] != 1 || series[1] != 1.5 || series[2] != 2 {
		t.Errorf("leading values = %v, want [1 1.5 2]", series[:3])
	}
	// EMA of a monotone series lags the last value from below.
	last := series[len(series)-1]
	if last >= 10 || last <= 8 {
		t.Errorf("last EMA = %v, want within (8, 10)", last)
	}
}

func TestRSISeries(t *testing.T) {
	t.Run("all gains saturates at 100", func(t *testing.T) {
		data := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
		series := rsiSeries(data, 7)
		if got := series[len(series)-1]; got != 100 {
			t.Errorf("RSI = %v, want 100", got)
		}
	})

	t.Run("all losses approaches 0", func(t *testing.T) {
		data := []float64{10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
		series := rsiSeries(data, 7)
		if got := series[len(series)-1]; got > 1 {
			t.Errorf("RSI = %v, want near 0", got)
		}
	})

	t.Run("short input stays neutral", func(t *testing.T) {
		series := rsiSeries([]float64{1, 2, 3}, 14)
		for i, v := range series {
			if v != 50 {
				t.Errorf("series[%d] = %v, want 50", i, v)
			}
		}
	})
}

func TestATR(t *testing.T) {
	n := 20
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 105
		lows[i] = 95
		closes[i] = 100
	}
	// Constant 10-point range: ATR converges to 10 for any period.
	if got := atr(highs, lows, closes, 14); math.Abs(got-10) > 1e-9 {
		t.Errorf("atr = %v, want 10", got)
	}
	if got := atr(highs[:5], lows[:5], closes[:5], 14); got != 0 {
		t.Errorf("atr on short input = %v, want 0", got)
	}
}

func klinesJSON(closes []float64) string {
	var sb strings.Builder
	sb.WriteString("[")
	for i, c := range closes {
		if i > 0 {
			sb.WriteString(",")
		}
		openTime := int64(1700000000000 + i*180000)
		sb.WriteString(fmt.Sprintf(`[%d,"%.2f","%.2f","%.2f","%.2f","100.0",%d]`,
			openTime, c, c+1, c-1, c, openTime+179999))
	}
	sb.WriteString("]")
	return sb.String()
}

func marketTestServer(t *testing.T, closes3m, closes4h []float64, oiStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/fapi/v1/klines" && r.URL.Query().Get("interval") == "3m":
			fmt.Fprint(w, klinesJSON(closes3m))
		case r.URL.Path == "/fapi/v1/klines" && r.URL.Query().Get("interval") == "4h":
			fmt.Fprint(w, klinesJSON(closes4h))
		case r.URL.Path == "/futures/data/openInterestHist":
			if oiStatus != http.StatusOK {
				w.WriteHeader(oiStatus)
				return
			}
			fmt.Fprint(w, `[{"sumOpenInterest":"900.0"},{"sumOpenInterest":"1100.0"}]`)
		case r.URL.Path == "/fapi/v1/premiumIndex":
			fmt.Fprint(w, `{"lastFundingRate":"0.00010000"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestGet_Snapshot(t *testing.T) {
	closes3m := make([]float64, 40)
	for i := range closes3m {
		closes3m[i] = 100 + float64(i)
	}
	closes4h := make([]float64, 60)
	for i := range closes4h {
		closes4h[i] = 130
	}

	srv := marketTestServer(t, closes3m, closes4h, http.StatusOK)
	defer srv.Close()

	f := NewFetcher("")
	f.SetBaseURL(srv.URL)

	snap, err := f.Get(context.Background(), "btc")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if snap.Symbol != "BTCUSDT" {
		t.Errorf("Symbol = %q, want BTCUSDT", snap.Symbol)
	}
	if snap.CurrentPrice != 139 {
		t.Errorf("CurrentPrice = %v, want 139", snap.CurrentPrice)
	}

	// 1h change compares against the close 20 bars back on the 3m series.
	want1h := (139.0 - 119.0) / 119.0 * 100
	if math.Abs(snap.PriceChange1h-want1h) > 1e-9 {
		t.Errorf("PriceChange1h = %v, want %v", snap.PriceChange1h, want1h)
	}

	// 4h change compares against the second-to-last 4h close.
	want4h := (139.0 - 130.0) / 130.0 * 100
	if math.Abs(snap.PriceChange4h-want4h) > 1e-9 {
		t.Errorf("PriceChange4h = %v, want %v", snap.PriceChange4h, want4h)
	}

	if snap.OpenInterest == nil {
		t.Fatal("OpenInterest = nil, want data")
	}
	if snap.OpenInterest.Latest != 1100 {
		t.Errorf("OI latest = %v, want 1100", snap.OpenInterest.Latest)
	}
	if snap.OpenInterest.Average != 1000 {
		t.Errorf("OI average = %v, want 1000", snap.OpenInterest.Average)
	}
	if snap.OpenInterestUSD() != 1100*139 {
		t.Errorf("OpenInterestUSD = %v, want %v", snap.OpenInterestUSD(), 1100*139.0)
	}

	if got := snap.FundingRate.String(); got != "0.0001" {
		t.Errorf("FundingRate = %s, want 0.0001", got)
	}

	if snap.Intraday == nil || len(snap.Intraday.MidPrices) != 40 {
		t.Error("Intraday series missing or wrong length")
	}
	if snap.LongerTerm == nil || len(snap.LongerTerm.MACD) != 60 {
		t.Error("LongerTerm series missing or wrong length")
	}
}

func TestGet_OIFailureIsNil(t *testing.T) {
	closes3m := make([]float64, 40)
	closes4h := make([]float64, 60)
	for i := range closes3m {
		closes3m[i] = 100
	}
	for i := range closes4h {
		closes4h[i] = 100
	}

	srv := marketTestServer(t, closes3m, closes4h, http.StatusInternalServerError)
	defer srv.Close()

	f := NewFetcher("")
	f.SetBaseURL(srv.URL)

	snap, err := f.Get(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if snap.OpenInterest != nil {
		t.Errorf("OpenInterest = %+v, want nil on provider failure", snap.OpenInterest)
	}
	if snap.OpenInterestUSD() != 0 {
		t.Errorf("OpenInterestUSD = %v, want 0", snap.OpenInterestUSD())
	}
}
