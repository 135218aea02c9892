package wire

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformed marks a block or record that could not be decoded. Such input
// is dropped; decoding continues with the next block.
var ErrMalformed = errors.New("wire: malformed")

type node struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Inner    []byte     `xml:",innerxml"`
	Children []node     `xml:",any"`
}

func (n *node) attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Lookups are lenient: a missing or unparsable attribute yields the default,
// which is how older peers' output has always been read.

func (n *node) uintAttr(name string) uint64 {
	s, _ := n.attr(name)
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0
	}
	return v
}

func (n *node) intAttr(name string, def int) int {
	s, ok := n.attr(name)
	if !ok {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return def
	}
	return v
}

func (n *node) floatAttr(name string, def float64) float64 {
	s, ok := n.attr(name)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return def
	}
	return v
}

func (n *node) colorAttr(name string) uint32 {
	return uint32(n.uintAttr(name))
}

func (n *node) floatsAttr(name string) []float64 {
	s, _ := n.attr(name)
	fields := strings.Fields(s)
	out := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil
		}
		out = append(out, v)
	}
	return out
}

func (n *node) child(name string) *node {
	for i := range n.Children {
		if n.Children[i].XMLName.Local == name {
			return &n.Children[i]
		}
	}
	return nil
}

// DecodeGroup parses one complete block. Records that cannot be decoded are
// left out of the group and reported in the returned error; the group itself
// is still returned as long as the <undo> element parsed.
func DecodeGroup(block []byte) (Group, error) {
	g, ok, err := decodeBlock(block)
	if !ok {
		return Group{}, err
	}
	return g, err
}

func decodeBlock(block []byte) (Group, bool, error) {
	var n node
	if err := xml.Unmarshal(block, &n); err != nil {
		return Group{}, false, fmt.Errorf("%w: block: %v", ErrMalformed, err)
	}
	if n.XMLName.Local != "undo" {
		return Group{}, false, fmt.Errorf("%w: unexpected element <%s>", ErrMalformed, n.XMLName.Local)
	}
	g := Group{
		ID:       n.uintAttr("id"),
		PageHint: n.intAttr("page", -1),
	}
	g.User, _ = n.attr("user")
	// older peers write uuid= and pagenum= on the group element
	if _, ok := n.attr("id"); !ok {
		g.ID = n.uintAttr("uuid")
	}
	if _, ok := n.attr("page"); !ok {
		g.PageHint = n.intAttr("pagenum", -1)
	}

	var errs []error
	for i := range n.Children {
		r, err := decodeRecord(&n.Children[i])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		g.Records = append(g.Records, r)
	}
	return g, true, errors.Join(errs...)
}

func decodeRecord(n *node) (Record, error) {
	switch name := n.XMLName.Local; name {
	case "addstroke":
		sn := n.child("stroke")
		if sn == nil {
			return nil, fmt.Errorf("%w: addstroke without stroke", ErrMalformed)
		}
		s, err := decodeStroke(sn)
		if err != nil {
			return nil, err
		}
		return AddStroke{
			StrokeID:     n.uintAttr("strokeuuid"),
			PageNum:      n.intAttr("pagenum", -1),
			NextStrokeID: n.uintAttr("nextstrokeuuid"),
			Stroke:       s,
		}, nil
	case "delstroke":
		return DelStroke{StrokeID: n.uintAttr("strokeuuid")}, nil
	case "translate":
		return Translate{
			StrokeID: n.uintAttr("strokeuuid"),
			X:        n.floatAttr("x", 0),
			Y:        n.floatAttr("y", 0),
		}, nil
	case "transform":
		r := Transform{StrokeID: n.uintAttr("strokeuuid"), Scale: [2]float64{1, 1}}
		switch m := n.floatsAttr("matrix"); len(m) {
		case 9:
			r.Matrix = [6]float64{m[0], m[1], m[3], m[4], m[6], m[7]}
		case 6:
			copy(r.Matrix[:], m)
		default:
			return nil, fmt.Errorf("%w: transform matrix has %d values", ErrMalformed, len(m))
		}
		if sc := n.floatsAttr("internalscale"); len(sc) == 2 {
			r.Scale = [2]float64{sc[0], sc[1]}
		}
		return r, nil
	case "strokechanged":
		return StrokeChanged{
			StrokeID: n.uintAttr("strokeuuid"),
			Color:    n.colorAttr("color"),
			Width:    n.floatAttr("width", 0),
		}, nil
	case "addpage":
		pn := n.child("page")
		if pn == nil {
			return nil, fmt.Errorf("%w: addpage without page", ErrMalformed)
		}
		p, err := decodePage(pn)
		if err != nil {
			return nil, err
		}
		return AddPage{
			PageNum: n.intAttr("pagenum", -1),
			FirstID: n.uintAttr("firstuuid"),
			Page:    p,
		}, nil
	case "delpage":
		return DelPage{PageNum: n.intAttr("pagenum", -1)}, nil
	case "pagechanged":
		return PageChanged{PageNum: n.intAttr("pagenum", -1), Props: decodePageProps(n)}, nil
	case "updatestroke":
		return UpdateStroke{StrokeID: n.uintAttr("strokeuuid"), ComY: n.floatAttr("__comy", 0)}, nil
	case "viewbox":
		// a missing edge leaves an inverted, invalid box
		return ViewBox{
			PageNum: n.intAttr("pagenum", -1),
			Zoom:    n.floatAttr("zoom", 1),
			Left:    n.floatAttr("left", math.Inf(1)),
			Top:     n.floatAttr("top", math.Inf(1)),
			Right:   n.floatAttr("right", math.Inf(-1)),
			Bottom:  n.floatAttr("bottom", math.Inf(-1)),
		}, nil
	case "connect":
		name, _ := n.attr("name")
		return Connect{Client: name, UUID: n.uintAttr("uuid")}, nil
	case "disconnect":
		name, _ := n.attr("name")
		return Disconnect{Client: name}, nil
	case "accessdenied":
		return AccessDenied{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown record <%s>", ErrMalformed, name)
	}
}

func decodeStroke(n *node) (StrokeData, error) {
	s := StrokeData{
		Color:    n.colorAttr("color"),
		Width:    n.floatAttr("width", 1),
		Matrix:   [6]float64{1, 0, 0, 1, 0, 0},
		Scale:    [2]float64{1, 1},
		ComY:     n.floatAttr("comy", 0),
		Geometry: string(n.Inner),
	}
	if m := n.floatsAttr("matrix"); len(m) == 6 {
		copy(s.Matrix[:], m)
	} else if len(m) != 0 {
		return StrokeData{}, fmt.Errorf("%w: stroke matrix has %d values", ErrMalformed, len(m))
	}
	if sc := n.floatsAttr("scale"); len(sc) == 2 {
		s.Scale = [2]float64{sc[0], sc[1]}
	}
	return s, nil
}

func decodePageProps(n *node) PageProps {
	return PageProps{
		Width:      n.floatAttr("width", 0),
		Height:     n.floatAttr("height", 0),
		XRuling:    n.floatAttr("xruling", 0),
		YRuling:    n.floatAttr("yruling", 0),
		MarginLeft: n.floatAttr("marginLeft", 0),
		Color:      n.colorAttr("color"),
		RuleColor:  n.colorAttr("rulecolor"),
	}
}

func decodePage(n *node) (PageData, error) {
	p := PageData{Props: decodePageProps(n)}
	for i := range n.Children {
		c := &n.Children[i]
		if c.XMLName.Local != "stroke" {
			continue
		}
		s, err := decodeStroke(c)
		if err != nil {
			return PageData{}, err
		}
		p.Strokes = append(p.Strokes, s)
	}
	return p, nil
}

// Split decodes every complete plain block at the front of buf and returns
// the unconsumed remainder. Blocks that fail to parse are consumed and
// reported through the joined error.
func Split(buf []byte) ([]Group, []byte, error) {
	var (
		groups []Group
		errs   []error
	)
	for {
		i := bytes.Index(buf, []byte(Terminator))
		if i < 0 {
			return groups, buf, errors.Join(errs...)
		}
		end := i + len(Terminator)
		g, ok, err := decodeBlock(buf[:end])
		if err != nil {
			errs = append(errs, err)
		}
		if ok {
			groups = append(groups, g)
		}
		buf = buf[end:]
	}
}
