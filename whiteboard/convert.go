package whiteboard

import (
	"github.com/alimasry/go-whiteboard/doc"
	"github.com/alimasry/go-whiteboard/wire"
)

func strokeData(s *doc.Stroke) wire.StrokeData {
	return wire.StrokeData{
		Color:    uint32(s.Props.Color),
		Width:    s.Props.Width,
		Matrix:   s.Transform.Array(),
		Scale:    [2]float64{s.ScaleX, s.ScaleY},
		ComY:     s.ComY,
		Geometry: s.Geometry,
	}
}

func strokeFromData(sd wire.StrokeData) *doc.Stroke {
	return &doc.Stroke{
		Geometry:  sd.Geometry,
		Props:     doc.StrokeProps{Color: doc.Color(sd.Color), Width: sd.Width},
		Transform: doc.TransformFromArray(sd.Matrix),
		ScaleX:    sd.Scale[0],
		ScaleY:    sd.Scale[1],
		ComY:      sd.ComY,
	}
}

func pageProps(p doc.PageProps) wire.PageProps {
	return wire.PageProps{
		Width:      p.Width,
		Height:     p.Height,
		XRuling:    p.XRuling,
		YRuling:    p.YRuling,
		MarginLeft: p.MarginLeft,
		Color:      uint32(p.Color),
		RuleColor:  uint32(p.RuleColor),
	}
}

func pagePropsFromWire(p wire.PageProps) doc.PageProps {
	return doc.PageProps{
		Width:      p.Width,
		Height:     p.Height,
		XRuling:    p.XRuling,
		YRuling:    p.YRuling,
		MarginLeft: p.MarginLeft,
		Color:      doc.Color(p.Color),
		RuleColor:  doc.Color(p.RuleColor),
	}
}

// pageData serializes p, numbering its strokes from firstID.
func pageData(p *doc.Page, firstID uint64) wire.PageData {
	pd := wire.PageData{Props: pageProps(p.Props)}
	for _, s := range p.Strokes {
		s.ID = firstID
		firstID++
		pd.Strokes = append(pd.Strokes, strokeData(s))
	}
	return pd
}

// pageFromData builds a page, numbering its strokes from firstID.
func pageFromData(pd wire.PageData, firstID uint64) *doc.Page {
	p := doc.NewPage(pagePropsFromWire(pd.Props))
	for _, sd := range pd.Strokes {
		s := strokeFromData(sd)
		s.ID = firstID
		firstID++
		p.Strokes = append(p.Strokes, s)
	}
	return p
}
