package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/walleye/internal/httputil"
)

// showPoseChart renders the recent published field positions of every
// stream, or of ?stream= only, as a scatter plot.
func (s *Server) showPoseChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	trace := s.ctl.Trace()
	streams := trace.Streams()
	if only := r.URL.Query().Get("stream"); only != "" {
		streams = []string{only}
	}

	scatter := charts.NewScatter()
	total := 0
	for _, stream := range streams {
		pts := trace.Points(stream)
		data := make([]opts.ScatterData, 0, len(pts))
		for _, p := range pts {
			data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y, p.Yaw}})
		}
		total += len(data)
		scatter.AddSeries(stream, data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "WallEye Poses", Theme: "dark", Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Field Poses", Subtitle: fmt.Sprintf("streams=%d points=%d", len(streams), total)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	httputil.WriteHTML(w, buf.Bytes())
}
