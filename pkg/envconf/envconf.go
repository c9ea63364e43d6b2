// Package envconf fills config structs from `file`, `env` and `default`
// struct tags.
package envconf

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"
)

// MustLoad is like Load but panics on error.
func MustLoad(v interface{}) {
	if err := Load(v); err != nil {
		panic(err)
	}
}

// Load sets every field of the struct pointed to by v from the environment
// variable named by its env tag. Fields without a set variable that still
// hold their zero value take the default tag. Nested structs are walked.
func Load(v interface{}) error {
	rv, err := structPtr(v)
	if err != nil {
		return err
	}
	return load(rv)
}

func load(rv reflect.Value) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		fv := rv.Field(i)
		if field.Type.Kind() == reflect.Struct {
			if err := load(fv); err != nil {
				return err
			}
			continue
		}
		if name, ok := field.Tag.Lookup("env"); ok {
			if val, ok := os.LookupEnv(name); ok {
				if err := setString(fv, val); err != nil {
					return errors.Wrapf(err, "env %s", name)
				}
				continue
			}
		}
		if def, ok := field.Tag.Lookup("default"); ok && fv.IsZero() {
			if err := setString(fv, def); err != nil {
				return errors.Wrapf(err, "default of %s", field.Name)
			}
		}
	}
	return nil
}

// LoadYAML sets the fields of v named by their file tags from a YAML
// document. Keys without a matching field are ignored.
func LoadYAML(data []byte, v interface{}) error {
	rv, err := structPtr(v)
	if err != nil {
		return err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return errors.Wrap(err, "parse yaml")
	}
	return loadMap(rv, doc)
}

func loadMap(rv reflect.Value, doc map[string]interface{}) error {
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		name, ok := field.Tag.Lookup("file")
		if !ok || !field.IsExported() {
			continue
		}
		val, ok := doc[name]
		if !ok || val == nil {
			continue
		}
		fv := rv.Field(i)
		if sub, ok := val.(map[string]interface{}); ok && fv.Kind() == reflect.Struct {
			if err := loadMap(fv, sub); err != nil {
				return errors.Wrap(err, name)
			}
			continue
		}
		if err := setString(fv, scalar(val)); err != nil {
			return errors.Wrapf(err, "file %s", name)
		}
	}
	return nil
}

// scalar renders a value decoded from JSON so that setString can parse it.
func scalar(v interface{}) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func setString(fv reflect.Value, s string) error {
	if fv.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		fv.SetInt(int64(d))
		return nil
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(s)
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 0, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 0, fv.Type().Bits())
		if err != nil {
			return err
		}
		fv.SetUint(n)
	default:
		return errors.Errorf("unsupported field type %s", fv.Type())
	}
	return nil
}

func structPtr(v interface{}) (reflect.Value, error) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return reflect.Value{}, errors.Errorf("envconf: want pointer to struct, got %T", v)
	}
	return rv.Elem(), nil
}
