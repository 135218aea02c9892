package wire

import (
	"bytes"
	"encoding/xml"
	"strconv"
	"strings"
)

// Terminator ends every group on the wire.
const Terminator = "</undo>\n"

// AppendGroup appends the wire form of g to dst.
func AppendGroup(dst []byte, g Group) []byte {
	e := encoder{b: dst}
	e.open("undo")
	e.uintAttr("id", g.ID)
	e.intAttr("page", g.PageHint)
	e.strAttr("user", g.User)
	e.b = append(e.b, '>')
	for _, r := range g.Records {
		e.record(r)
	}
	e.b = append(e.b, Terminator...)
	return e.b
}

// EncodeGroups returns the concatenated wire form of groups.
func EncodeGroups(groups ...Group) []byte {
	var b []byte
	for _, g := range groups {
		b = AppendGroup(b, g)
	}
	return b
}

type encoder struct {
	b []byte
}

func (e *encoder) open(name string) {
	e.b = append(e.b, '<')
	e.b = append(e.b, name...)
}

func (e *encoder) attr(name string) {
	e.b = append(e.b, ' ')
	e.b = append(e.b, name...)
	e.b = append(e.b, "='"...)
}

func (e *encoder) uintAttr(name string, v uint64) {
	e.attr(name)
	e.b = strconv.AppendUint(e.b, v, 10)
	e.b = append(e.b, '\'')
}

func (e *encoder) intAttr(name string, v int) {
	e.attr(name)
	e.b = strconv.AppendInt(e.b, int64(v), 10)
	e.b = append(e.b, '\'')
}

func (e *encoder) floatAttr(name string, v float64) {
	e.attr(name)
	e.b = appendFloat(e.b, v)
	e.b = append(e.b, '\'')
}

func (e *encoder) floatsAttr(name string, vs ...float64) {
	e.attr(name)
	for i, v := range vs {
		if i > 0 {
			e.b = append(e.b, ' ')
		}
		e.b = appendFloat(e.b, v)
	}
	e.b = append(e.b, '\'')
}

func (e *encoder) strAttr(name, v string) {
	e.attr(name)
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(v))
	e.b = append(e.b, buf.Bytes()...)
	e.b = append(e.b, '\'')
}

func (e *encoder) closeEmpty() {
	e.b = append(e.b, "/>"...)
}

func (e *encoder) closeTag(name string) {
	e.b = append(e.b, "</"...)
	e.b = append(e.b, name...)
	e.b = append(e.b, '>')
}

func appendFloat(b []byte, v float64) []byte {
	return strconv.AppendFloat(b, v, 'g', -1, 64)
}

func (e *encoder) record(r Record) {
	e.open(r.Name())
	switch r := r.(type) {
	case AddStroke:
		e.uintAttr("strokeuuid", r.StrokeID)
		e.intAttr("pagenum", r.PageNum)
		e.uintAttr("nextstrokeuuid", r.NextStrokeID)
		e.b = append(e.b, '>')
		e.stroke(r.Stroke)
		e.closeTag(r.Name())
	case DelStroke:
		e.uintAttr("strokeuuid", r.StrokeID)
		e.closeEmpty()
	case Translate:
		e.uintAttr("strokeuuid", r.StrokeID)
		e.floatAttr("x", r.X)
		e.floatAttr("y", r.Y)
		e.closeEmpty()
	case Transform:
		m := r.Matrix
		e.uintAttr("strokeuuid", r.StrokeID)
		e.floatsAttr("internalscale", r.Scale[0], r.Scale[1])
		// legacy 3x3 column layout
		e.floatsAttr("matrix", m[0], m[1], 0, m[2], m[3], 0, m[4], m[5], 1)
		e.closeEmpty()
	case StrokeChanged:
		e.uintAttr("strokeuuid", r.StrokeID)
		e.uintAttr("color", uint64(r.Color))
		e.floatAttr("width", r.Width)
		e.closeEmpty()
	case AddPage:
		e.intAttr("pagenum", r.PageNum)
		e.uintAttr("firstuuid", r.FirstID)
		e.b = append(e.b, '>')
		e.page(r.Page)
		e.closeTag(r.Name())
	case DelPage:
		e.intAttr("pagenum", r.PageNum)
		e.closeEmpty()
	case PageChanged:
		e.intAttr("pagenum", r.PageNum)
		e.pageProps(r.Props)
		e.closeEmpty()
	case UpdateStroke:
		e.uintAttr("strokeuuid", r.StrokeID)
		e.floatAttr("__comy", r.ComY)
		e.closeEmpty()
	case ViewBox:
		e.intAttr("pagenum", r.PageNum)
		e.floatAttr("zoom", r.Zoom)
		e.floatAttr("left", r.Left)
		e.floatAttr("top", r.Top)
		e.floatAttr("right", r.Right)
		e.floatAttr("bottom", r.Bottom)
		e.closeEmpty()
	case Connect:
		e.strAttr("name", r.Client)
		e.uintAttr("uuid", r.UUID)
		e.closeEmpty()
	case Disconnect:
		e.strAttr("name", r.Client)
		e.closeEmpty()
	case AccessDenied:
		e.closeEmpty()
	}
}

func (e *encoder) pageProps(p PageProps) {
	e.floatAttr("width", p.Width)
	e.floatAttr("height", p.Height)
	e.floatAttr("xruling", p.XRuling)
	e.floatAttr("yruling", p.YRuling)
	e.floatAttr("marginLeft", p.MarginLeft)
	e.uintAttr("color", uint64(p.Color))
	e.uintAttr("rulecolor", uint64(p.RuleColor))
}

func (e *encoder) stroke(s StrokeData) {
	m := s.Matrix
	e.open("stroke")
	e.uintAttr("color", uint64(s.Color))
	e.floatAttr("width", s.Width)
	e.floatsAttr("matrix", m[0], m[1], m[2], m[3], m[4], m[5])
	e.floatsAttr("scale", s.Scale[0], s.Scale[1])
	e.floatAttr("comy", s.ComY)
	e.b = append(e.b, '>')
	// blocks must stay newline-free
	e.b = append(e.b, strings.ReplaceAll(s.Geometry, "\n", " ")...)
	e.closeTag("stroke")
}

func (e *encoder) page(p PageData) {
	e.open("page")
	e.pageProps(p.Props)
	e.b = append(e.b, '>')
	for _, s := range p.Strokes {
		e.stroke(s)
	}
	e.closeTag("page")
}
