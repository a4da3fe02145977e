package codec

import (
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jabber-rpc/rpcerrors"
	"jabber-rpc/value"
)

func roundTrip(t *testing.T, c Codec, v value.Value) value.Value {
	t.Helper()
	data, err := c.Encode(v)
	require.NoError(t, err)
	out, err := c.Decode(data)
	require.NoError(t, err, "decoding %s", data)
	return out
}

func TestRoundTrip(t *testing.T) {
	c := NewXMLCodec()
	when := value.NewDateTime(time.Date(2006, 3, 14, 15, 9, 26, 0, time.UTC))

	tests := []struct {
		name string
		v    value.Value
	}{
		{"nil", value.Nil{}},
		{"string", value.String("hello")},
		{"empty string", value.String("")},
		{"non-ascii", value.String("přílišžluťoučký kůň 日本語 🎲")},
		{"markup", value.String(`<b>&"quotes'</b>`)},
		{"newlines", value.String("line one\r\nline two\n")},
		{"zero", value.Int(0)},
		{"negative", value.Int(-17)},
		{"int32 max", value.Int(math.MaxInt32)},
		{"int32 min", value.Int(math.MinInt32)},
		{"double", value.Double(3.25)},
		{"negative double", value.Double(-0.001)},
		{"large double", value.Double(1e300)},
		{"true", value.Bool(true)},
		{"false", value.Bool(false)},
		{"datetime", when},
		{"bytes", value.Base64{0, 1, 2, 253, 254, 255}},
		{"empty bytes", value.Base64{}},
		{"empty array", value.Array{}},
		{"empty struct", value.NewStruct()},
		{
			"array of struct of array",
			value.Array{
				value.NewStruct(
					value.Member{Name: "seats", Value: value.Array{value.String("white"), value.String("black")}},
					value.Member{Name: "ready", Value: value.Bool(true)},
				),
				value.Int(7),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := roundTrip(t, c, tt.v)
			assert.True(t, value.Equal(tt.v, out), "got %s, want %s", value.Format(out), value.Format(tt.v))
		})
	}
}

func nest(depth int) value.Value {
	var v value.Value = value.String("leaf")
	for i := 0; i < depth; i++ {
		if i%2 == 0 {
			v = value.Array{v}
		} else {
			v = value.NewStruct(value.Member{Name: "inner", Value: v})
		}
	}
	return v
}

func TestRoundTripNestedDepthFive(t *testing.T) {
	v := nest(5)
	out := roundTrip(t, NewXMLCodec(), v)
	assert.True(t, value.Equal(v, out))
}

func TestDepthLimit(t *testing.T) {
	c := NewXMLCodec(WithMaxDepth(8))

	roundTrip(t, c, nest(8))

	_, err := c.Encode(nest(9))
	var encErr *rpcerrors.EncodingError
	require.ErrorAs(t, err, &encErr)

	deep, err := NewXMLCodec(WithMaxDepth(16)).Encode(nest(9))
	require.NoError(t, err)
	_, err = c.Decode(deep)
	var decErr *rpcerrors.DecodingError
	require.ErrorAs(t, err, &decErr)
	assert.Contains(t, err.Error(), "nesting deeper than 8")
}

func TestDefaultDepthDoesNotOverflow(t *testing.T) {
	c := NewXMLCodec()
	roundTrip(t, c, nest(DefaultMaxDepth))

	var sb strings.Builder
	for i := 0; i < 10000; i++ {
		sb.WriteString("<value><array><data>")
	}
	_, err := c.Decode([]byte(sb.String()))
	assert.Error(t, err)
}

func TestEncodeRangeChecks(t *testing.T) {
	c := NewXMLCodec()
	tests := []struct {
		name string
		v    value.Value
	}{
		{"int above int32", value.Int(math.MaxInt32 + 1)},
		{"int below int32", value.Int(math.MinInt32 - 1)},
		{"NaN", value.Double(math.NaN())},
		{"Inf", value.Double(math.Inf(1))},
		{"control char", value.String("bell\x07")},
		{"invalid utf8", value.String("\xff")},
		{"nested bad member", value.NewStruct(value.Member{Name: "n", Value: value.Int(1 << 40)})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Encode(tt.v)
			var encErr *rpcerrors.EncodingError
			assert.ErrorAs(t, err, &encErr)
		})
	}
}

func TestDecodeWireForms(t *testing.T) {
	c := NewXMLCodec()
	tests := []struct {
		name string
		in   string
		want value.Value
	}{
		{"bare text", `<value>hello</value>`, value.String("hello")},
		{"empty value", `<value/>`, value.String("")},
		{"empty string", `<value><string/></value>`, value.String("")},
		{"i4", `<value><i4>-5</i4></value>`, value.Int(-5)},
		{"padded int", `<value><int> 12 </int></value>`, value.Int(12)},
		{"boolean 0", `<value><boolean>0</boolean></value>`, value.Bool(false)},
		{"boolean 1", `<value><boolean>1</boolean></value>`, value.Bool(true)},
		{"whitespace around type", "<value>\n  <int>3</int>\n</value>", value.Int(3)},
		{"wrapped base64", "<value><base64>AAEC\n/f7/</base64></value>", value.Base64{0, 1, 2, 253, 254, 255}},
		{
			"dashed datetime",
			`<value><dateTime.iso8601>2006-03-14T15:09:26</dateTime.iso8601></value>`,
			value.NewDateTime(time.Date(2006, 3, 14, 15, 9, 26, 0, time.UTC)),
		},
		{"array without data", `<value><array/></value>`, value.Array{}},
		{
			"duplicate struct key keeps last",
			`<value><struct>
				<member><name>a</name><value><int>1</int></value></member>
				<member><name>b</name><value><int>2</int></value></member>
				<member><name>a</name><value><int>3</int></value></member>
			</struct></value>`,
			value.NewStruct(value.Member{Name: "a", Value: value.Int(3)}, value.Member{Name: "b", Value: value.Int(2)}),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Decode([]byte(tt.in))
			require.NoError(t, err)
			assert.True(t, value.Equal(tt.want, got), "got %s", value.Format(got))
		})
	}
}

func TestDecodeDuplicateKeyOrder(t *testing.T) {
	got, err := NewXMLCodec().Decode([]byte(`<value><struct>` +
		`<member><name>a</name><value>x</value></member>` +
		`<member><name>b</name><value>y</value></member>` +
		`<member><name>a</name><value>z</value></member>` +
		`</struct></value>`))
	require.NoError(t, err)
	s := got.(value.Struct)
	assert.Equal(t, []string{"a", "b"}, s.Keys())
}

func TestDecodeMalformed(t *testing.T) {
	c := NewXMLCodec()
	tests := []struct {
		name string
		in   string
	}{
		{"unknown tag", `<value><float>1.0</float></value>`},
		{"unterminated", `<value><string>abc`},
		{"mismatched end", `<value><string>abc</int></value>`},
		{"int type mismatch", `<value><int>abc</int></value>`},
		{"int overflow", `<value><int>4294967296</int></value>`},
		{"bad boolean", `<value><boolean>yes</boolean></value>`},
		{"bad double", `<value><double>one</double></value>`},
		{"bad base64", `<value><base64>!!!</base64></value>`},
		{"bad datetime", `<value><dateTime.iso8601>yesterday</dateTime.iso8601></value>`},
		{"nested in string", `<value><string><b>x</b></string></value>`},
		{"mixed content", `<value>text<int>1</int></value>`},
		{"member without name", `<value><struct><member><value>1</value></member></struct></value>`},
		{"array without data element", `<value><array><value>1</value></array></value>`},
		{"not a value", `<param><value>1</value></param>`},
		{"trailing element", `<value>1</value><value>2</value>`},
		{"empty input", ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.in))
			var decErr *rpcerrors.DecodingError
			require.ErrorAs(t, err, &decErr)
			assert.NotEmpty(t, decErr.Error())
		})
	}
}

func TestEncodeWireForm(t *testing.T) {
	data, err := NewXMLCodec().Encode(value.Array{value.Int(1), value.String("a<b")})
	require.NoError(t, err)
	assert.Equal(t,
		`<value><array><data><value><int>1</int></value><value><string>a&lt;b</string></value></data></array></value>`,
		string(data))
}

func TestGetCodec(t *testing.T) {
	c, err := GetCodec(CodecTypeXML)
	require.NoError(t, err)
	assert.Equal(t, CodecTypeXML, c.Type())

	_, err = GetCodec(CodecType(9))
	assert.Error(t, err)
}
