package cifar

import (
	"errors"
	"fmt"
	"math/big"
	"reflect"
)

// The CIFAR batches are python dicts whose "data" entry is a numpy ndarray.
// Unpickling one calls numpy.core.multiarray._reconstruct and then BUILDs the
// array from its state tuple; the types below stand in for those callables.

func findClass(module, name string) (interface{}, error) {
	switch module + "." + name {
	case "numpy.core.multiarray._reconstruct", "numpy._core.multiarray._reconstruct":
		return &reconstruct{}, nil
	case "numpy.ndarray":
		return &ndarrayClass{}, nil
	case "numpy.dtype":
		return &dtypeClass{}, nil
	case "_codecs.encode":
		return &codecsEncode{}, nil
	}
	return nil, fmt.Errorf("unsupported pickled class %s.%s", module, name)
}

type ndarrayClass struct{}

type reconstruct struct{}

func (*reconstruct) Call(args ...interface{}) (interface{}, error) {
	return &ndarray{}, nil
}

type dtypeClass struct{}

func (*dtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("numpy.dtype: missing type name")
	}
	name, ok := asBytes(args[0])
	if !ok {
		return nil, fmt.Errorf("numpy.dtype: unexpected type name %T", args[0])
	}
	return &dtype{name: string(name), byteOrder: "|"}, nil
}

type dtype struct {
	name      string
	byteOrder string
}

// PySetState receives (version, byteorder, subarray, names, fields, elsize, alignment, flags).
func (d *dtype) PySetState(state interface{}) error {
	s, ok := asSeq(state)
	if !ok || s.Len() < 2 {
		return fmt.Errorf("numpy.dtype: unexpected state %T", state)
	}
	if order, ok := asBytes(s.Get(1)); ok {
		d.byteOrder = string(order)
	}
	return nil
}

func (d *dtype) descr() string {
	order := d.byteOrder
	if order == "=" {
		order = "<"
	}
	return order + d.name
}

type ndarray struct {
	shape   []int
	dtype   *dtype
	fortran bool
	data    []byte
}

// PySetState receives (version, shape, dtype, is_fortran, rawdata); very old
// pickles omit the version.
func (a *ndarray) PySetState(state interface{}) error {
	s, ok := asSeq(state)
	if !ok {
		return fmt.Errorf("numpy.ndarray: unexpected state %T", state)
	}
	off := 0
	switch s.Len() {
	case 5:
		off = 1
	case 4:
	default:
		return fmt.Errorf("numpy.ndarray: state has %d fields", s.Len())
	}
	shape, ok := asSeq(s.Get(off))
	if !ok {
		return fmt.Errorf("numpy.ndarray: unexpected shape %T", s.Get(off))
	}
	for i := 0; i < shape.Len(); i++ {
		d, err := asInt(shape.Get(i))
		if err != nil {
			return fmt.Errorf("numpy.ndarray: shape: %w", err)
		}
		a.shape = append(a.shape, int(d))
	}
	dt, ok := s.Get(off + 1).(*dtype)
	if !ok {
		return fmt.Errorf("numpy.ndarray: unexpected dtype %T", s.Get(off+1))
	}
	a.dtype = dt
	if b, ok := s.Get(off + 2).(bool); ok {
		a.fortran = b
	}
	raw, ok := asBytes(s.Get(off + 3))
	if !ok {
		return fmt.Errorf("numpy.ndarray: unsupported payload %T (object arrays are not supported)", s.Get(off+3))
	}
	a.data = raw
	return nil
}

// codecsEncode handles _codecs.encode(text, "latin1"), which python 3 emits
// for bytes objects pickled at protocol 2.
type codecsEncode struct{}

func (*codecsEncode) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, errors.New("_codecs.encode: missing argument")
	}
	text, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("_codecs.encode: unexpected argument %T", args[0])
	}
	out := make([]byte, 0, len(text))
	for _, r := range text {
		if r > 0xff {
			return nil, fmt.Errorf("_codecs.encode: rune %U outside latin1", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

type sequence interface {
	Len() int
	Get(i int) interface{}
}

type sliceSeq []interface{}

func (s sliceSeq) Len() int              { return len(s) }
func (s sliceSeq) Get(i int) interface{} { return s[i] }

func asSeq(v interface{}) (sequence, bool) {
	if s, ok := v.(sequence); ok {
		return s, true
	}
	// tuples and lists are []interface{} underneath
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() != reflect.Interface {
		return nil, false
	}
	out := make(sliceSeq, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

type mapping interface {
	Get(key interface{}) (interface{}, bool)
}

// lookup reads key from a pickled dict whose keys may have been stored as
// python 2 str or python 3 bytes.
func lookup(v interface{}, key string) (interface{}, bool) {
	if m, ok := v.(mapping); ok {
		if val, ok := m.Get(key); ok {
			return val, true
		}
	}
	return lookupEntries(v, key)
}

// lookupEntries walks dicts stored as Go maps or as slices of Key/Value entries.
func lookupEntries(v interface{}, key string) (interface{}, bool) {
	match := func(k reflect.Value) bool {
		if k.Kind() == reflect.Interface {
			k = k.Elem()
		}
		if !k.IsValid() || !k.CanInterface() {
			return false
		}
		b, ok := asBytes(k.Interface())
		return ok && string(b) == key
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		iter := rv.MapRange()
		for iter.Next() {
			if match(iter.Key()) {
				return iter.Value().Interface(), true
			}
		}
	case reflect.Slice:
		for i := 0; i < rv.Len(); i++ {
			e := rv.Index(i)
			for e.Kind() == reflect.Ptr || e.Kind() == reflect.Interface {
				e = e.Elem()
			}
			if e.Kind() != reflect.Struct {
				continue
			}
			k, val := e.FieldByName("Key"), e.FieldByName("Value")
			if k.IsValid() && val.IsValid() && match(k) {
				return val.Interface(), true
			}
		}
	}
	return nil, false
}

func asBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	}
	return nil, false
}

func asInt(v interface{}) (int64, error) {
	switch t := v.(type) {
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case *big.Int:
		if !t.IsInt64() {
			return 0, fmt.Errorf("integer %s overflows int64", t)
		}
		return t.Int64(), nil
	}
	return 0, fmt.Errorf("unexpected integer type %T", v)
}
