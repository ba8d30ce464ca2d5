package ir

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Payloads that differ only in encoding must store and hash identically,
// otherwise a re-delivered ingest looks like a conflicting version.
func TestCanonicalizeEquivalentPayloads(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"key order", `{"title":"Shoe","price":100,"brand_id":"b1"}`, `{"brand_id":"b1","price":100,"title":"Shoe"}`},
		{"whitespace", `{"title":"Shoe","items":[{"sku":"S-1"}]}`, "{ \"title\" : \"Shoe\",\n  \"items\": [ {\"sku\": \"S-1\"} ] }"},
		{"nested key order", `{"brand":{"id":"b1","name":"Acme"}}`, `{"brand":{"name":"Acme","id":"b1"}}`},
		{"integral price", `{"price":100}`, `{"price":100.0}`},
		{"exponent price", `{"price":1500}`, `{"price":1.5e3}`},
		{"NFC title", `{"title":"caf\u00e9"}`, `{"title":"cafe\u0301"}`},
		{"NFC field name", `{"caf\u00e9":1}`, `{"cafe\u0301":1}`},
		{"escaped ascii", `{"title":"\u0053hoe"}`, `{"title":"Shoe"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewRawDataRecord("t1", "PRODUCT#t1#p1", 1, "product", "1", []byte(tt.a))
			require.NoError(t, err)
			b, err := NewRawDataRecord("t1", "PRODUCT#t1#p1", 1, "product", "1", []byte(tt.b))
			require.NoError(t, err)

			assert.Equal(t, a.Payload, b.Payload)
			assert.Equal(t, a.PayloadHash, b.PayloadHash)
		})
	}
}

func TestCanonicalizeDistinctPayloads(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"price changed", `{"price":100}`, `{"price":100.5}`},
		{"array order", `{"skus":["S-1","S-2"]}`, `{"skus":["S-2","S-1"]}`},
		{"null vs missing", `{"title":"Shoe","brand_id":null}`, `{"title":"Shoe"}`},
		{"string vs number", `{"brand_id":"1"}`, `{"brand_id":1}`},
		{"empty object vs array", `{"attrs":{}}`, `{"attrs":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := Canonicalize([]byte(tt.a))
			require.NoError(t, err)
			b, err := Canonicalize([]byte(tt.b))
			require.NoError(t, err)
			assert.NotEqual(t, string(a), string(b))
			assert.NotEqual(t, PayloadHash(a), PayloadHash(b))
		})
	}
}

func TestMarshalCanonicalSliceData(t *testing.T) {
	core := IRObject{
		"title":    IRString("<b>Shoes & Boots</b>"),
		"skus":     IRArray{IRString("S-2"), IRString("S-1")},
		"brand":    IRObject{"name": IRString("Acme"), "country": IRString("DE")},
		"price":    IRNumber(19.99),
		"stock":    IRInt(0),
		"discount": IRNull{},
		"active":   IRBool(true),
	}

	got, err := MarshalCanonical(core)
	require.NoError(t, err)
	assert.Equal(t,
		`{"active":true,"brand":{"country":"DE","name":"Acme"},"discount":null,"price":19.99,"skus":["S-2","S-1"],"stock":0,"title":"<b>Shoes & Boots</b>"}`,
		string(got), "keys sorted, arrays kept in order, no HTML escaping")

	again, err := Canonicalize(got)
	require.NoError(t, err)
	assert.Equal(t, string(got), string(again))
}

func TestMarshalCanonicalFieldNamesSortByUTF16(t *testing.T) {
	// U+10000 is the surrogate pair D800 DC00 in UTF-16, which sorts before
	// U+E000 even though its UTF-8 encoding sorts after.
	attrs := IRObject{
		"\uE000":     IRInt(1),
		"\U00010000": IRInt(2),
		"size":       IRInt(3),
	}

	got, err := MarshalCanonical(attrs)
	require.NoError(t, err)
	assert.Equal(t, "{\"size\":3,\"\U00010000\":2,\"\uE000\":1}", string(got))
}

func TestCanonicalizePrices(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`1.0`, "1"},
		{`19.99`, "19.99"},
		{`-0.5`, "-0.5"},
		{`-0.0`, "0"},
		{`1e-7`, "1e-7"},
		{`0.000001`, "0.000001"},
		{`1e20`, "100000000000000000000"},
		{`1e21`, "1e+21"},
		{`9007199254740993`, "9007199254740993"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Canonicalize([]byte(`{"price":` + tt.in + `}`))
			require.NoError(t, err)
			assert.Equal(t, `{"price":`+tt.want+`}`, string(got))
		})
	}
}

func TestMarshalCanonicalDescriptionText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"control characters escaped", "line1\nline2\tend", `"line1\nline2\tend"`},
		{"quote and backslash", `18" \ 45cm`, `"18\" \\ 45cm"`},
		{"line separators literal", "a\u2028b\u2029c", "\"a\u2028b\u2029c\""},
		{"literal escape text kept", `see \u2028`, `"see \\u2028"`},
		{"literal and real separator", "\\u2028 and \u2028", "\"\\\\u2028 and \u2028\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(IRObject{"description": IRString(tt.in)})
			require.NoError(t, err)
			assert.Equal(t, `{"description":`+tt.want+`}`, string(got))
		})
	}
}

// Change sets and outbox payloads are built from Go values; they must
// canonicalize the same as the parsed JSON they are compared with.
func TestMarshalCanonicalGoValuesMatchParsed(t *testing.T) {
	event := map[string]any{
		"tenant_id":   "t1",
		"entity_key":  "PRODUCT#t1#p1",
		"version":     int64(2),
		"paths":       []any{"/price", "/title"},
		"deleted":     false,
		"change_type": string(ChangeUpdate),
	}
	fromGo, err := MarshalCanonical(event)
	require.NoError(t, err)

	parsed, err := Canonicalize([]byte(`{"change_type":"UPDATE","deleted":false,"entity_key":"PRODUCT#t1#p1","paths":["/price","/title"],"tenant_id":"t1","version":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(parsed), string(fromGo))
}

func TestMarshalCanonicalRejects(t *testing.T) {
	_, err := MarshalCanonical(IRObject{"price": IRNumber(math.NaN())})
	assert.Error(t, err)

	_, err = MarshalCanonical(IRArray{IRNumber(math.Inf(-1))})
	assert.Error(t, err)

	_, err = MarshalCanonical(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)

	_, err = Canonicalize([]byte(`{"title":`))
	assert.Error(t, err)
}

func FuzzCanonicalizeIdempotent(f *testing.F) {
	f.Add(`{"title":"Shoe","price":100,"brand_id":"b1"}`)
	f.Add(`{"items":[{"sku":"S-1"},{"sku":"S-2"}],"price":19.99}`)
	f.Add(`{"brand":{"name":"Acme","country":"DE"},"tags":[]}`)
	f.Add(`{"title":"café","note":null}`)

	f.Fuzz(func(t *testing.T, payload string) {
		once, err := Canonicalize([]byte(payload))
		if err != nil {
			t.Skip()
		}
		twice, err := Canonicalize(once)
		require.NoError(t, err)
		assert.Equal(t, string(once), string(twice))
	})
}
