package monitor

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/posefusion/internal/httputil"
)

// echartsAssetsHost serves the echarts JavaScript bundle.
const echartsAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

type hudSeries struct {
	title string
	unit  string
	value func(TelemetryPoint) float64
}

var hudSeriesList = []hudSeries{
	{"Confidence", "", func(p TelemetryPoint) float64 { return p.Confidence }},
	{"Spread", "m", func(p TelemetryPoint) float64 { return p.Spread }},
	{"View angle", "deg", func(p TelemetryPoint) float64 { return p.ViewAngle }},
	{"Noise", "", func(p TelemetryPoint) float64 { return p.Noise }},
	{"Pool size", "markers", func(p TelemetryPoint) float64 { return float64(p.PoolSize) }},
}

// renderHUD writes one line chart per telemetry series.
func renderHUD(buf *bytes.Buffer, history []TelemetryPoint) error {
	xs := make([]string, len(history))
	var origin time.Time
	if len(history) > 0 {
		origin = history[0].At
	}
	for i, p := range history {
		xs[i] = fmt.Sprintf("%.2f", p.At.Sub(origin).Seconds())
	}

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsHost)

	for _, s := range hudSeriesList {
		data := make([]opts.LineData, len(history))
		for i, p := range history {
			data[i] = opts.LineData{Value: s.value(p)}
		}
		line := charts.NewLine()
		line.SetGlobalOptions(
			charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "240px", AssetsHost: echartsAssetsHost}),
			charts.WithTitleOpts(opts.Title{Title: s.title, Subtitle: fmt.Sprintf("%d samples", len(history))}),
			charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
			charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
			charts.WithYAxisOpts(opts.YAxis{Name: s.unit}),
		)
		line.SetXAxis(xs).AddSeries(s.title, data)
		page.AddCharts(line)
	}
	return page.Render(buf)
}

func (ws *WebServer) handleHUD(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := renderHUD(&buf, ws.state.History()); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
