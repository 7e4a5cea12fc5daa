package types_test

import (
	"math"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/loomflow/loom/types"
)

type testStruct struct {
	Name   string
	Count  int
	Active bool
}

func TestData(t *testing.T) {
	data := &types.Data{}

	data.Set("teststruct1", testStruct{"hello", 4, false})
	data.Set("teststruct2", testStruct{"kitty", 5, true})

	hello := &testStruct{}
	kitty := &testStruct{}
	assert.Nil(t, data.GetStruct("teststruct1", hello))
	assert.Nil(t, data.GetStruct("teststruct2", kitty))

	assert.Equal(t, "hello", hello.Name)
	assert.Equal(t, 4, hello.Count)
	assert.Equal(t, false, hello.Active)

	assert.Equal(t, "kitty", kitty.Name)
	assert.Equal(t, 5, kitty.Count)
	assert.Equal(t, true, kitty.Active)

	assert.NotNil(t, data.GetStruct("missing", hello))

	data.Set("s1", 1)
	data.Set("s2", "2")
	data.Set("s3", math.Pi)
	data.Set("s4", true)

	_, exists := data.Get("s0")
	assert.False(t, exists)

	s, exists := data.GetString("s1")
	assert.True(t, exists)
	assert.Equal(t, "1", s)
	s, exists = data.GetString("s2")
	assert.True(t, exists)
	assert.Equal(t, "2", s)
	s, exists = data.GetString("s3")
	assert.True(t, exists)
	assert.Equal(t, strconv.FormatFloat(math.Pi, 'f', -1, 64), s)
	s, exists = data.GetString("s4")
	assert.True(t, exists)
	assert.Equal(t, "true", s)

	n, exists := data.GetInt("s1")
	assert.True(t, exists)
	assert.Equal(t, 1, n)
	n64, exists := data.GetInt64("s2")
	assert.True(t, exists)
	assert.Equal(t, int64(2), n64)
	f, exists := data.GetFloat64("s3")
	assert.True(t, exists)
	assert.Equal(t, math.Pi, f)
	b, exists := data.GetBool("s4")
	assert.True(t, exists)
	assert.True(t, b)
}

func TestDataGetData(t *testing.T) {
	data := &types.Data{}
	data.Set("nested", map[string]any{"inner": 7})
	data.Set("scalar", 1)

	nested, exists := data.GetData("nested")
	assert.True(t, exists)
	v, _ := nested.GetInt("inner")
	assert.Equal(t, 7, v)

	_, exists = data.GetData("scalar")
	assert.False(t, exists)
	_, exists = data.GetData("missing")
	assert.False(t, exists)
}

func TestDataClone(t *testing.T) {
	var nilData types.Data
	c := nilData.Clone()
	assert.NotNil(t, c)
	assert.Empty(t, c)

	data := types.Data{"a": 1, "b": "two"}
	c = data.Clone()
	c.Set("a", 100)
	v, _ := data.GetInt("a")
	assert.Equal(t, 1, v)
}

func TestDataDeepClone(t *testing.T) {
	var nilData types.Data
	assert.NotNil(t, nilData.DeepClone())

	data := types.Data{
		"nested": map[string]any{"inner": map[string]any{"x": 1}},
		"list":   []any{map[string]any{"y": 2}},
	}
	c := data.DeepClone()

	// mutating the clone's nested map and slice leaves the original alone
	cn, _ := c.GetData("nested")
	inner := cn["inner"].(map[string]any)
	inner["x"] = 99
	inner["added"] = true
	c["list"].([]any)[0].(map[string]any)["y"] = 99

	on, _ := data.GetData("nested")
	oinner := on["inner"].(map[string]any)
	assert.Equal(t, 1, oinner["x"])
	_, added := oinner["added"]
	assert.False(t, added)
	assert.Equal(t, 2, data["list"].([]any)[0].(map[string]any)["y"])
}
