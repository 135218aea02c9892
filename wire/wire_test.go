package wire

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleStroke(geom string) StrokeData {
	return StrokeData{
		Color:    0xFF336699,
		Width:    2.5,
		Matrix:   [6]float64{1, 0, 0, 1, 10.25, -3},
		Scale:    [2]float64{1, 1},
		ComY:     41.125,
		Geometry: geom,
	}
}

func sampleRecords() []Record {
	return []Record{
		AddStroke{StrokeID: 1001, PageNum: 2, NextStrokeID: 0, Stroke: sampleStroke(`<path d="M0 0L10 10"/>`)},
		DelStroke{StrokeID: 2001},
		Translate{StrokeID: 18446744073709551615, X: 0.1, Y: -7.75},
		Transform{StrokeID: 5, Matrix: [6]float64{0.5, 0.1, -0.1, 0.5, 3.3333333333333335, 4}, Scale: [2]float64{0.5, 2}},
		StrokeChanged{StrokeID: 6, Color: 0x80FF0000, Width: 1.0 / 3},
		AddPage{PageNum: 0, FirstID: 2001, Page: PageData{
			Props:   PageProps{Width: 612, Height: 792, YRuling: 40, MarginLeft: 100, Color: 0xFFFFFFFF, RuleColor: 0xFF0000FF},
			Strokes: []StrokeData{sampleStroke(`<path d="M1 1"/>`), sampleStroke(`<path d="M2 2"/>`)},
		}},
		AddPage{PageNum: 3, Page: PageData{Props: PageProps{Width: 100, Height: 100}}},
		DelPage{PageNum: 4},
		PageChanged{PageNum: 1, Props: PageProps{Width: 800, Height: 600, XRuling: 20, YRuling: 20, Color: 0xFFEEEEEE}},
		UpdateStroke{StrokeID: 9, ComY: 12.5},
		ViewBox{PageNum: 1, Zoom: 1.5, Left: 0, Top: 100, Right: 612, Bottom: 900},
		Connect{Client: "bob & 'co'", UUID: 77},
		Disconnect{Client: "bob"},
		AccessDenied{},
	}
}

func TestRoundTrip_EachRecord(t *testing.T) {
	for _, r := range sampleRecords() {
		t.Run(r.Name(), func(t *testing.T) {
			in := Group{ID: 55, PageHint: 2, User: "alice", Records: []Record{r}}
			out, err := DecodeGroup(AppendGroup(nil, in))
			require.NoError(t, err)
			if diff := cmp.Diff(in, out); diff != "" {
				t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAppendGroup_Format(t *testing.T) {
	g := Group{ID: 77, PageHint: -1, User: "alice", Records: []Record{DelStroke{StrokeID: 2001}}}
	assert.Equal(t, "<undo id='77' page='-1' user='alice'><delstroke strokeuuid='2001'/></undo>\n",
		string(AppendGroup(nil, g)))

	tf := Group{ID: 3, Records: []Record{Transform{StrokeID: 1, Matrix: [6]float64{1, 2, 3, 4, 5, 6}, Scale: [2]float64{1, 1}}}}
	assert.Contains(t, string(AppendGroup(nil, tf)), "matrix='1 2 0 3 4 0 5 6 1'")

	multi := Group{User: "a\nb"}
	assert.NotContains(t, strings.TrimSuffix(string(AppendGroup(nil, multi)), "\n"), "\n")
}

func TestDecodeGroup_LegacyAttributes(t *testing.T) {
	g, err := DecodeGroup([]byte("<undo uuid='1' pagenum='3' user='alice'>" +
		"<transform strokeuuid='0x10' internalscale='2 2' matrix='1 0 0 0 1 0 5 6 1'/></undo>\n"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.ID)
	assert.Equal(t, 3, g.PageHint)
	require.Len(t, g.Records, 1)
	assert.Equal(t, Transform{StrokeID: 16, Matrix: [6]float64{1, 0, 0, 1, 5, 6}, Scale: [2]float64{2, 2}}, g.Records[0])
}

func TestDecodeGroup_DropsBadRecordKeepsGroup(t *testing.T) {
	g, err := DecodeGroup([]byte("<undo id='9' page='0' user='x'><bogus/><delstroke strokeuuid='5'/><addstroke strokeuuid='6'/></undo>\n"))
	require.ErrorIs(t, err, ErrMalformed)
	assert.Equal(t, uint64(9), g.ID)
	assert.Equal(t, []Record{DelStroke{StrokeID: 5}}, g.Records)
}

func TestDecodeGroup_ViewBoxMissingEdges(t *testing.T) {
	g, err := DecodeGroup([]byte("<undo id='12' page='-1' user='carol'><viewbox pagenum='2' zoom='1.5' left='10'/></undo>\n"))
	require.NoError(t, err)
	require.Len(t, g.Records, 1)
	vb := g.Records[0].(ViewBox)
	assert.Equal(t, 2, vb.PageNum)
	assert.Equal(t, 1.5, vb.Zoom)
	assert.Equal(t, 10.0, vb.Left)
	assert.True(t, math.IsInf(vb.Top, 1))
	assert.True(t, math.IsInf(vb.Right, -1))
	assert.True(t, math.IsInf(vb.Bottom, -1))
}

func TestSplit_Remainder(t *testing.T) {
	a := AppendGroup(nil, Group{ID: 1, Records: []Record{DelPage{PageNum: 0}}})
	b := AppendGroup(nil, Group{ID: 2, Records: []Record{DelPage{PageNum: 1}}})
	buf := append(append([]byte{}, a...), b[:len(b)-3]...)

	groups, rest, err := Split(buf)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, uint64(1), groups[0].ID)
	assert.Equal(t, b[:len(b)-3], rest)

	// a malformed block is consumed and reported, later blocks still decode
	bad := append([]byte("<undo id='3'><oops></undo>\n"), a...)
	groups, rest, err = Split(bad)
	assert.ErrorIs(t, err, ErrMalformed)
	require.Len(t, groups, 1)
	assert.Empty(t, rest)
}

func TestEncodeEnvelope_ByteLayout(t *testing.T) {
	plain := []byte(strings.Repeat("<undo id='5' page='0' user='a'><delstroke strokeuuid='1'/></undo>\n", 10))
	env, err := EncodeEnvelope(plain, 6)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x1F, 0x8B, 0x08, 0x10}, env[:4])
	assert.Equal(t, fmt.Sprintf("0x%08x", len(env)), string(env[10:20]))
	assert.Equal(t, byte(0), env[20])

	n, err := EnvelopeLen(env)
	require.NoError(t, err)
	assert.Equal(t, len(env), n)

	out, consumed, err := DecodeEnvelope(append(env, "trailing"...))
	require.NoError(t, err)
	assert.Equal(t, len(env), consumed)
	assert.Equal(t, plain, out)

	_, _, err = DecodeEnvelope(env[:len(env)-1])
	assert.ErrorIs(t, err, ErrShortEnvelope)
}

// groupOfSize builds a single-record group whose encoding is exactly n bytes.
func groupOfSize(t *testing.T, n int) Group {
	t.Helper()
	g := Group{ID: 42, PageHint: 0, User: "alice", Records: []Record{
		AddStroke{StrokeID: 7, PageNum: 0, Stroke: sampleStroke("")},
	}}
	base := len(AppendGroup(nil, g))
	require.Less(t, base, n)
	add := g.Records[0].(AddStroke)
	add.Stroke.Geometry = `<path d="` + strings.Repeat("L", n-base-len(`<path d=""/>`)) + `"/>`
	g.Records[0] = add
	require.Len(t, AppendGroup(nil, g), n)
	return g
}

func TestDecoder_CompressionFramingByteByByte(t *testing.T) {
	for _, size := range []int{DefaultThreshold - 1, DefaultThreshold, DefaultThreshold + 1, 4 * DefaultThreshold} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			g := groupOfSize(t, size)
			plain := AppendGroup(nil, g)
			packed, err := Pack(plain, 6, DefaultThreshold)
			require.NoError(t, err)
			assert.Equal(t, size > DefaultThreshold, IsEnvelope(packed))

			// interleave with a plain block on either side
			small := AppendGroup(nil, Group{ID: 3, PageHint: -1, Records: []Record{DelStroke{StrokeID: 1}}})
			stream := append(append(append([]byte{}, small...), packed...), small...)

			var d Decoder
			var got []Group
			for i := range stream {
				d.Feed(stream[i : i+1])
				gs, err := d.Decode()
				require.NoError(t, err)
				got = append(got, gs...)
			}
			require.Len(t, got, 3)
			if diff := cmp.Diff(g, got[1]); diff != "" {
				t.Fatalf("group mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, 0, d.Buffered())
		})
	}
}

func TestDecoder_BadEnvelopeLengthDiscardsBuffer(t *testing.T) {
	var d Decoder
	junk := append([]byte{0x1F, 0x8B, 8, 0x10, 0, 0, 0, 0, 0, 0xFF}, "zzzzzzzzzz\x00"...)
	d.Feed(append(junk, make([]byte, 32)...))
	groups, err := d.Decode()
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Empty(t, groups)
	assert.Equal(t, 0, d.Buffered())
}

func TestRequests(t *testing.T) {
	line := StartRequest(StartParams{User: "a b", Document: "doc/1", Token: "t&k", ConnectID: 99, Offset: 1234})
	assert.Equal(t, "GET /start?version=1&user=a+b&document=doc%2F1&token=t%26k&uuid=99&offset=1234\n", line)

	req, err := ParseRequest(line)
	require.NoError(t, err)
	assert.Equal(t, RequestStart, req.Kind)
	assert.Equal(t, StartParams{Version: 1, User: "a b", Document: "doc/1", Token: "t&k", ConnectID: 99, Offset: 1234}, req.Start)

	req, err = ParseRequest("/start?version=1&user=x&document=d&token=&uuid=1&offset=0\n")
	require.NoError(t, err)
	assert.Equal(t, "d", req.Start.Document)

	frame := DataFrame([]byte("hello"))
	assert.Equal(t, "/data?length=5\nhello", string(frame))
	req, err = ParseRequest("/data?length=5")
	require.NoError(t, err)
	assert.Equal(t, Request{Kind: RequestData, Length: 5}, req)

	req, err = ParseRequest(EndRequest)
	require.NoError(t, err)
	assert.Equal(t, RequestEnd, req.Kind)

	_, err = ParseRequest("/bogus")
	assert.ErrorIs(t, err, ErrMalformed)
	_, err = ParseRequest("/data?length=-1")
	assert.ErrorIs(t, err, ErrMalformed)
}
