// Package charts renders price trend images.
package charts

import (
	"bytes"
	"errors"
	"io"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/wcharczuk/go-chart/v2/drawing"

	"ticket-price-alerts/internal/storage"
)

// ErrNoData is returned when there is nothing to plot.
var ErrNoData = errors.New("charts: no price data")

// Point is one observation on a trend line.
type Point struct {
	At    time.Time
	Price decimal.Decimal
}

// Series is one trend line, usually one section.
type Series struct {
	Name   string
	Points []Point
}

// Options control the rendered image.
type Options struct {
	Width     int
	Height    int
	MaxPoints int
	// Threshold draws a dashed alert line when positive.
	Threshold decimal.Decimal
}

// FromRecords groups history by section, oldest first, sections by name.
func FromRecords(records []storage.PriceRecord) []Series {
	bySection := make(map[string][]Point)
	for _, rec := range records {
		bySection[rec.Section] = append(bySection[rec.Section], Point{At: rec.RecordedAt, Price: rec.Price})
	}
	out := make([]Series, 0, len(bySection))
	for name, points := range bySection {
		sort.SliceStable(points, func(i, j int) bool { return points[i].At.Before(points[j].At) })
		out = append(out, Series{Name: name, Points: points})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Downsample keeps at most max evenly spaced points, always including both ends.
func Downsample[T any](points []T, max int) []T {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]T, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

// PriceTrend writes a PNG line chart of the series to w.
func PriceTrend(w io.Writer, title string, series []Series, opts Options) error {
	if opts.Width <= 0 {
		opts.Width = 1024
	}
	if opts.Height <= 0 {
		opts.Height = 512
	}

	var (
		plotted    []chart.Series
		minX, maxX time.Time
		minY, maxY float64
		hasData    bool
	)
	for _, s := range series {
		points := Downsample(s.Points, opts.MaxPoints)
		if len(points) == 0 {
			continue
		}
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, p := range points {
			x[i] = p.At
			y[i] = p.Price.InexactFloat64()
			if !hasData || p.At.Before(minX) {
				minX = p.At
			}
			if !hasData || p.At.After(maxX) {
				maxX = p.At
			}
			if !hasData || y[i] < minY {
				minY = y[i]
			}
			if !hasData || y[i] > maxY {
				maxY = y[i]
			}
			hasData = true
		}
		plotted = append(plotted, chart.TimeSeries{Name: s.Name, XValues: x, YValues: y})
	}
	if !hasData {
		return ErrNoData
	}

	// go-chart rejects zero-width ranges.
	if !maxX.After(minX) {
		minX = minX.Add(-time.Hour)
		maxX = maxX.Add(time.Hour)
	}

	if opts.Threshold.IsPositive() {
		t := opts.Threshold.InexactFloat64()
		minY = math.Min(minY, t)
		maxY = math.Max(maxY, t)
		plotted = append(plotted, chart.TimeSeries{
			Name:    "Threshold",
			XValues: []time.Time{minX, maxX},
			YValues: []float64{t, t},
			Style: chart.Style{
				StrokeColor:     drawing.ColorRed,
				StrokeDashArray: []float64{5, 5},
			},
		})
	}

	pad := (maxY - minY) * 0.1
	if pad == 0 {
		pad = math.Max(1, maxY*0.05)
	}

	graph := chart.Chart{
		Title:  title,
		Width:  opts.Width,
		Height: opts.Height,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatterWithFormat("01-02 15:04"),
			Range:          &chart.ContinuousRange{Min: chart.TimeToFloat64(minX), Max: chart.TimeToFloat64(maxX)},
		},
		YAxis: chart.YAxis{
			Name: "Price ($)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "$%.0f")
			},
			Range: &chart.ContinuousRange{Min: math.Max(0, minY-pad), Max: maxY + pad},
		},
		Series: plotted,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	return graph.Render(chart.PNG, w)
}

// PriceTrendPNG renders the chart into memory.
func PriceTrendPNG(title string, series []Series, opts Options) ([]byte, error) {
	var buf bytes.Buffer
	if err := PriceTrend(&buf, title, series, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
