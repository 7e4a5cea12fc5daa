package types

import (
	"encoding/json"

	"github.com/juju/errors"
	"github.com/spf13/cast"
)

type Data map[string]any

func (d *Data) Get(key string) (any, bool) {
	v, exists := (*d)[key]
	return v, exists
}

func (d *Data) GetString(key string) (string, bool) {
	v, exists := d.Get(key)
	return cast.ToString(v), exists
}

func (d *Data) GetInt(key string) (int, bool) {
	v, exists := d.Get(key)
	return cast.ToInt(v), exists
}

func (d *Data) GetInt64(key string) (int64, bool) {
	v, exists := d.Get(key)
	return cast.ToInt64(v), exists
}

func (d *Data) GetBool(key string) (bool, bool) {
	v, exists := d.Get(key)
	return cast.ToBool(v), exists
}

func (d *Data) GetFloat64(key string) (float64, bool) {
	v, exists := d.Get(key)
	return cast.ToFloat64(v), exists
}

func (d *Data) GetData(key string) (Data, bool) {
	v, exists := d.Get(key)
	if !exists {
		return nil, false
	}
	m, err := cast.ToStringMapE(v)
	if err != nil {
		return nil, false
	}
	return Data(m), true
}

func (d *Data) GetStruct(key string, s any) error {
	v, exists := d.Get(key)
	if !exists {
		return errors.NotFound
	}
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.New("marshal failed"))
	}
	return json.Unmarshal(b, s)
}

func (d *Data) Set(key string, value any) {
	(*d)[key] = value
}

// Clone returns a shallow copy. Nested maps are shared.
func (d Data) Clone() Data {
	if d == nil {
		return Data{}
	}
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}

// DeepClone copies the map and every nested map and slice it reaches, so
// mutating the result never touches the original. Struct values are still
// shared.
func (d Data) DeepClone() Data {
	if d == nil {
		return Data{}
	}
	c := make(Data, len(d))
	for k, v := range d {
		c[k] = deepCloneValue(v)
	}
	return c
}

func deepCloneValue(v any) any {
	switch t := v.(type) {
	case Data:
		return t.DeepClone()
	case map[string]any:
		return map[string]any(Data(t).DeepClone())
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = deepCloneValue(e)
		}
		return s
	}
	return v
}
